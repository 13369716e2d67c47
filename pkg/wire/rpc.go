package wire

import (
	"encoding/json"
	"fmt"
)

// RPC method names (app -> wallet).
const (
	MethodSendTransaction = "sendTransaction"
	MethodSignData        = "signData"
	MethodDisconnect      = "disconnect"
)

// RPCRequest is an app -> wallet request. Params carry JSON encoded strings.
type RPCRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	// ID is assigned by the provider just before sending.
	ID string `json:"id"`
}

// Transaction is the sendTransaction request body.
type Transaction struct {
	// ValidUntil is a unix timestamp after which the wallet must reject the
	// request. Zero means unset.
	ValidUntil int64 `json:"valid_until,omitempty"`
	// Network defaults to the connected account network.
	Network Network `json:"network,omitempty"`
	// From defaults to the connected account address.
	From     string    `json:"from,omitempty"`
	Messages []Message `json:"messages"`
}

// Message is one outgoing internal message of a Transaction.
type Message struct {
	Address string `json:"address"`
	// Amount is in nanotons, decimal string.
	Amount string `json:"amount"`
	// Payload is a base64 BoC.
	Payload string `json:"payload,omitempty"`
	// StateInit is a base64 BoC.
	StateInit     string            `json:"stateInit,omitempty"`
	ExtraCurrency map[string]string `json:"extra_currency,omitempty"`
}

// SignDataType selects the SignData payload variant.
type SignDataType string

const (
	SignDataText   SignDataType = "text"
	SignDataBinary SignDataType = "binary"
	SignDataCell   SignDataType = "cell"
)

// SignDataPayload is the signData request body and is echoed back in the
// result.
type SignDataPayload struct {
	Type SignDataType `json:"type"`
	// Text is set for SignDataText.
	Text string `json:"text,omitempty"`
	// Bytes is base64 and set for SignDataBinary.
	Bytes string `json:"bytes,omitempty"`
	// Schema is the TL-B schema of Cell, set for SignDataCell.
	Schema string `json:"schema,omitempty"`
	// Cell is a base64 BoC, set for SignDataCell.
	Cell    string  `json:"cell,omitempty"`
	Network Network `json:"network,omitempty"`
	From    string  `json:"from,omitempty"`
}

// Validate checks that the fields of the selected variant are present.
func (p SignDataPayload) Validate() error {
	switch p.Type {
	case SignDataText:
		if p.Text == "" {
			return fmt.Errorf("text payload is empty")
		}
	case SignDataBinary:
		if p.Bytes == "" {
			return fmt.Errorf("binary payload is empty")
		}
	case SignDataCell:
		if p.Cell == "" || p.Schema == "" {
			return fmt.Errorf("cell payload requires cell and schema")
		}
	default:
		return fmt.Errorf("unknown sign data type %q", p.Type)
	}
	return nil
}

// SignDataResult is the wallet reply to signData.
type SignDataResult struct {
	// Signature is base64 encoded Ed25519.
	Signature string `json:"signature"`
	// Address is the raw signer address.
	Address   string          `json:"address"`
	Timestamp int64           `json:"timestamp"`
	Domain    string          `json:"domain"`
	Payload   SignDataPayload `json:"payload"`
}

// SendTransactionResult is the wallet reply to sendTransaction.
type SendTransactionResult struct {
	// BOC is the base64 external message BoC.
	BOC string
}

// NewSendTransactionRequest encodes tx into an RPC request.
func NewSendTransactionRequest(tx Transaction) (RPCRequest, error) {
	return newRequest(MethodSendTransaction, tx)
}

// NewSignDataRequest encodes p into an RPC request.
func NewSignDataRequest(p SignDataPayload) (RPCRequest, error) {
	return newRequest(MethodSignData, p)
}

// NewDisconnectRequest returns a disconnect request.
func NewDisconnectRequest() RPCRequest {
	return RPCRequest{Method: MethodDisconnect, Params: []string{}}
}

func newRequest(method string, params any) (RPCRequest, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return RPCRequest{}, fmt.Errorf("failed to marshal %s params: %w", method, err)
	}
	return RPCRequest{Method: method, Params: []string{string(raw)}}, nil
}

// DecodeSendTransactionResult decodes the result of sendTransaction.
func DecodeSendTransactionResult(raw json.RawMessage) (*SendTransactionResult, error) {
	var boc string
	if err := json.Unmarshal(raw, &boc); err != nil {
		return nil, fmt.Errorf("invalid sendTransaction result: %w", err)
	}
	return &SendTransactionResult{BOC: boc}, nil
}

// DecodeSignDataResult decodes the result of signData.
func DecodeSignDataResult(raw json.RawMessage) (*SignDataResult, error) {
	var res SignDataResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("invalid signData result: %w", err)
	}
	return &res, nil
}

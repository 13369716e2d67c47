package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Wallet error codes shared by connect events and RPC responses.
const (
	CodeUnknown              = 0
	CodeBadRequest           = 1
	CodeManifestNotFound     = 2
	CodeManifestContentError = 3
	CodeUnknownApp           = 100
	CodeUserRejects          = 300
	CodeMethodNotSupported   = 400
)

// Wallet event names.
const (
	EventConnect      = "connect"
	EventConnectError = "connect_error"
	EventDisconnect   = "disconnect"
)

// BridgeMessage is the JSON body of an SSE data frame.
type BridgeMessage struct {
	// From is the hex public key of the sender session.
	From string `json:"from"`
	// Message is the base64 ciphertext.
	Message string `json:"message"`
}

// WalletMessage is a decrypted wallet -> app message. The concrete type is
// one of ConnectEventSuccess, ConnectEventError, DisconnectEvent,
// DisconnectEventError, RPCResponseSuccess, RPCResponseError.
type WalletMessage interface {
	isWalletMessage()
}

// Event is a WalletMessage carrying a wallet event id.
type Event interface {
	WalletMessage
	EventID() int64
}

// ConnectEventSuccess reports an approved connection.
type ConnectEventSuccess struct {
	ID      int64               `json:"id"`
	Payload ConnectEventPayload `json:"payload"`
}

// ConnectEventError reports a rejected or failed connection.
type ConnectEventError struct {
	ID      int64  `json:"id"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// DisconnectEvent reports that the wallet dropped the session.
type DisconnectEvent struct {
	ID int64 `json:"id"`
}

// DisconnectEventError reports a failed disconnect.
type DisconnectEventError struct {
	ID      int64  `json:"id"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RPCResponseSuccess is a successful reply to an RPCRequest.
type RPCResponseSuccess struct {
	ID     string
	Result json.RawMessage
}

// RPCResponseError is a failed reply to an RPCRequest.
type RPCResponseError struct {
	ID      string
	Code    int
	Message string
}

func (*ConnectEventSuccess) isWalletMessage()  {}
func (*ConnectEventError) isWalletMessage()    {}
func (*DisconnectEvent) isWalletMessage()      {}
func (*DisconnectEventError) isWalletMessage() {}
func (*RPCResponseSuccess) isWalletMessage()   {}
func (*RPCResponseError) isWalletMessage()     {}

// EventID implements Event.
func (e *ConnectEventSuccess) EventID() int64 { return e.ID }

// EventID implements Event.
func (e *ConnectEventError) EventID() int64 { return e.ID }

// EventID implements Event.
func (e *DisconnectEvent) EventID() int64 { return e.ID }

// EventID implements Event.
func (e *DisconnectEventError) EventID() int64 { return e.ID }

type rawWalletMessage struct {
	Event   string          `json:"event"`
	ID      json.RawMessage `json:"id"`
	Payload json.RawMessage `json:"payload"`
	Result  json.RawMessage `json:"result"`
	Error   *rawError       `json:"error"`
}

type rawError struct {
	Code    *int   `json:"code"`
	Message string `json:"message"`
}

// ParseWalletMessage decodes a decrypted wallet message.
func ParseWalletMessage(data []byte) (WalletMessage, error) {
	var raw rawWalletMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid wallet message: %w", err)
	}

	if raw.Event != "" {
		return parseEvent(raw)
	}

	id, err := parseID(raw.ID)
	if err != nil {
		return nil, err
	}
	if raw.Error != nil {
		code := CodeUnknown
		if raw.Error.Code != nil {
			code = *raw.Error.Code
		}
		return &RPCResponseError{ID: id, Code: code, Message: raw.Error.Message}, nil
	}
	if len(raw.Result) == 0 {
		return nil, fmt.Errorf("rpc response %s has neither result nor error", id)
	}
	return &RPCResponseSuccess{ID: id, Result: raw.Result}, nil
}

func parseEvent(raw rawWalletMessage) (WalletMessage, error) {
	idStr, err := parseID(raw.ID)
	if err != nil {
		return nil, err
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid event id %q: %w", idStr, err)
	}

	switch raw.Event {
	case EventConnect:
		var payload ConnectEventPayload
		if err := json.Unmarshal(raw.Payload, &payload); err != nil {
			return nil, fmt.Errorf("invalid connect payload: %w", err)
		}
		return &ConnectEventSuccess{ID: id, Payload: payload}, nil

	case EventConnectError:
		var payload rawError
		if len(raw.Payload) > 0 {
			if err := json.Unmarshal(raw.Payload, &payload); err != nil {
				return nil, fmt.Errorf("invalid connect_error payload: %w", err)
			}
		}
		code := CodeUnknown
		if payload.Code != nil {
			code = *payload.Code
		}
		return &ConnectEventError{ID: id, Code: code, Message: payload.Message}, nil

	case EventDisconnect:
		var payload rawError
		if len(raw.Payload) > 0 && !bytes.Equal(bytes.TrimSpace(raw.Payload), []byte("null")) {
			if err := json.Unmarshal(raw.Payload, &payload); err != nil {
				return nil, fmt.Errorf("invalid disconnect payload: %w", err)
			}
		}
		if payload.Code != nil {
			return &DisconnectEventError{ID: id, Code: *payload.Code, Message: payload.Message}, nil
		}
		return &DisconnectEvent{ID: id}, nil

	default:
		return nil, fmt.Errorf("unknown wallet event %q", raw.Event)
	}
}

// parseID accepts ids encoded as JSON strings or numbers.
func parseID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("wallet message without id")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("invalid message id: %w", err)
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("invalid message id: %w", err)
	}
	return n.String(), nil
}

// Package wire defines the TON Connect v2 JSON payloads exchanged between the
// dApp backend and a wallet (through the bridge).
package wire

// Network is the chain id used by TON Connect ("-239" mainnet, "-3" testnet).
type Network string

const (
	// Mainnet is the TON mainnet chain id.
	Mainnet Network = "-239"
	// Testnet is the TON testnet chain id.
	Testnet Network = "-3"
)

// Connect item names.
const (
	// ItemTonAddr requests the wallet address, network and public key.
	ItemTonAddr = "ton_addr"
	// ItemTonProof requests a signed ownership proof over a payload.
	ItemTonProof = "ton_proof"
)

// ConnectRequest is the initial request embedded into the universal link.
type ConnectRequest struct {
	// ManifestURL points to the dApp tonconnect-manifest.json.
	ManifestURL string `json:"manifestUrl"`
	// Items lists the data requested from the wallet.
	Items []ConnectItem `json:"items"`
}

// ConnectItem is one requested item.
type ConnectItem struct {
	// Name is ItemTonAddr or ItemTonProof.
	Name string `json:"name"`
	// Payload is the backend challenge for ItemTonProof.
	Payload string `json:"payload,omitempty"`
}

// NewConnectRequest builds a request for the wallet address and, when
// proofPayload is non-empty, a TonProof over it.
func NewConnectRequest(manifestURL, proofPayload string) ConnectRequest {
	req := ConnectRequest{
		ManifestURL: manifestURL,
		Items:       []ConnectItem{{Name: ItemTonAddr}},
	}
	if proofPayload != "" {
		req.Items = append(req.Items, ConnectItem{Name: ItemTonProof, Payload: proofPayload})
	}
	return req
}

// ConnectEventPayload is the payload of a successful connect event.
type ConnectEventPayload struct {
	// Items holds one reply per requested item.
	Items []ConnectItemReply `json:"items"`
	// Device describes the wallet application.
	Device DeviceInfo `json:"device"`
}

// ConnectItemReply is the wallet reply to a ConnectItem. Only the fields of
// the named item are populated.
type ConnectItemReply struct {
	Name string `json:"name"`

	// ton_addr fields.
	Address         string  `json:"address,omitempty"`
	Network         Network `json:"network,omitempty"`
	PublicKey       string  `json:"publicKey,omitempty"`
	WalletStateInit string  `json:"walletStateInit,omitempty"`

	// ton_proof fields.
	Proof *TonProofReply `json:"proof,omitempty"`

	// Error is set when the wallet could not produce the item.
	Error *ItemError `json:"error,omitempty"`
}

// TonProofReply is the proof object of a ton_proof item.
type TonProofReply struct {
	Timestamp int64       `json:"timestamp"`
	Domain    ProofDomain `json:"domain"`
	// Signature is base64 encoded.
	Signature string `json:"signature"`
	Payload   string `json:"payload"`
}

// ProofDomain is the dApp domain the proof is bound to.
type ProofDomain struct {
	LengthBytes uint32 `json:"lengthBytes"`
	Value       string `json:"value"`
}

// ItemError is a per-item failure.
type ItemError struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// TonAddr returns the ton_addr reply.
func (p ConnectEventPayload) TonAddr() (ConnectItemReply, bool) {
	return p.item(ItemTonAddr)
}

// TonProof returns the ton_proof reply.
func (p ConnectEventPayload) TonProof() (ConnectItemReply, bool) {
	return p.item(ItemTonProof)
}

func (p ConnectEventPayload) item(name string) (ConnectItemReply, bool) {
	for _, it := range p.Items {
		if it.Name == name {
			return it, true
		}
	}
	return ConnectItemReply{}, false
}

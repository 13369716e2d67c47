package storage

import (
	"time"

	"github.com/bhandras/tonconnect/pkg/wallets"
	"github.com/bhandras/tonconnect/pkg/wire"
)

const (
	typePending = "pending"
	typeActive  = "active"
)

// Connection is the persisted session state. It is either a
// *PendingConnection or an *ActiveConnection.
type Connection interface {
	// SessionKeyHex returns the hex encoded session private key.
	SessionKeyHex() string

	isConnection()
}

// PendingConnection is a connect request waiting for the wallet.
type PendingConnection struct {
	// SessionPrivateKey is the hex encoded session private key.
	SessionPrivateKey string `json:"sessionPrivateKey"`
	// Request is the connect request embedded into the universal link.
	Request wire.ConnectRequest `json:"connectRequest"`
	// Sources lists every candidate bridge listened on.
	Sources []wallets.ConnectionSource `json:"sources"`
	// CreatedAt drives expiry.
	CreatedAt time.Time `json:"createdAt"`
}

// ActiveConnection is an established wallet session.
type ActiveConnection struct {
	// SessionPrivateKey is the hex encoded session private key.
	SessionPrivateKey string `json:"sessionPrivateKey"`
	// WalletPublicKey is the hex encoded wallet session public key.
	WalletPublicKey string `json:"walletPublicKey"`
	// BridgeURL is the single bridge the session lives on.
	BridgeURL string `json:"bridgeUrl"`
	// ConnectEvent is the accepted connect payload.
	ConnectEvent wire.ConnectEventSuccess `json:"connectEvent"`
	// NextRPCRequestID is the id assigned to the next request.
	NextRPCRequestID int64 `json:"nextRpcRequestId"`
	// LastWalletEventID is the highest wallet event id processed.
	LastWalletEventID int64 `json:"lastWalletEventId"`
	// LastEventID is the SSE resume cursor. Store.Connection fills it from
	// the cursor key, which the gateway advances on every event.
	LastEventID string `json:"lastEventId,omitempty"`
}

// SessionKeyHex implements Connection.
func (c *PendingConnection) SessionKeyHex() string { return c.SessionPrivateKey }

// SessionKeyHex implements Connection.
func (c *ActiveConnection) SessionKeyHex() string { return c.SessionPrivateKey }

func (*PendingConnection) isConnection() {}
func (*ActiveConnection) isConnection()  {}

// Expired reports whether the pending record is older than ttl at now.
func (c *PendingConnection) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(c.CreatedAt) > ttl
}

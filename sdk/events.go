package sdk

import (
	"github.com/bhandras/tonconnect/pkg/wire"
)

// EventKind names a connector event.
type EventKind string

const (
	EventConnect      EventKind = "connect"
	EventConnectError EventKind = "connect_error"
	EventDisconnect   EventKind = "disconnect"
	EventTransaction  EventKind = "transaction"
	EventSignData     EventKind = "sign_data"
	EventError        EventKind = "error"
)

// Event is passed to handlers. Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	// RequestID is set for EventTransaction and EventSignData.
	RequestID string

	// Wallet is set for EventConnect.
	Wallet *Wallet

	Transaction *wire.SendTransactionResult
	SignData    *wire.SignDataResult

	// Err carries the failure for error outcomes of any kind.
	Err error
}

// Handler receives connector events. Handlers run sequentially on the
// connector's dispatch goroutine; a panic is recovered and reported as
// EventError.
type Handler func(Event)

// Handlers is a per-connector handler table.
type Handlers map[EventKind][]Handler

// Account is the wallet account of a connection.
type Account struct {
	Address         string
	Network         wire.Network
	PublicKey       string
	WalletStateInit string
}

// Wallet is the connected wallet.
type Wallet struct {
	Account  Account
	Device   wire.DeviceInfo
	TonProof *wire.TonProofReply
}

// walletFromEvent extracts the wallet description from a connect event. It
// fails when the event lacks a ton_addr item.
func walletFromEvent(ev *wire.ConnectEventSuccess) (*Wallet, error) {
	addr, ok := ev.Payload.TonAddr()
	if !ok {
		return nil, &WalletError{Code: wire.CodeBadRequest, Message: "connect event without ton_addr item"}
	}
	w := &Wallet{
		Account: Account{
			Address:         addr.Address,
			Network:         addr.Network,
			PublicKey:       addr.PublicKey,
			WalletStateInit: addr.WalletStateInit,
		},
		Device: ev.Payload.Device,
	}
	if proof, ok := ev.Payload.TonProof(); ok && proof.Error == nil && proof.Proof != nil {
		p := *proof.Proof
		w.TonProof = &p
	}
	return w, nil
}

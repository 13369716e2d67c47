package tonproof

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/bhandras/tonconnect/pkg/wire"
	"github.com/xssnick/tonutils-go/address"
)

const (
	tonProofPrefix   = "ton-proof-item-v2/"
	tonConnectPrefix = "ton-connect"
)

// TonProof is a ton_proof reply together with the ton_addr fields it is
// checked against.
type TonProof struct {
	Address         string
	Network         wire.Network
	PublicKey       string
	WalletStateInit string
	Proof           wire.TonProofReply
}

// FromConnectEvent collects the ton_addr and ton_proof items of a connect
// event.
func FromConnectEvent(p wire.ConnectEventPayload) (*TonProof, error) {
	addr, ok := p.TonAddr()
	if !ok {
		return nil, errors.New("connect event has no ton_addr item")
	}
	proof, ok := p.TonProof()
	if !ok || proof.Proof == nil {
		return nil, errors.New("connect event has no ton_proof item")
	}
	if proof.Error != nil {
		return nil, errors.New("wallet failed to produce ton_proof: " + proof.Error.Message)
	}
	return &TonProof{
		Address:         addr.Address,
		Network:         addr.Network,
		PublicKey:       addr.PublicKey,
		WalletStateInit: addr.WalletStateInit,
		Proof:           *proof.Proof,
	}, nil
}

// Verify checks the proof. Every failure matches ErrBadSignature.
func (p *TonProof) Verify(ctx context.Context, opts VerifyOptions) error {
	if p.Proof.Domain.LengthBytes != uint32(len(p.Proof.Domain.Value)) {
		return fail(reasonMalformed, "domain length %d does not match %q",
			p.Proof.Domain.LengthBytes, p.Proof.Domain.Value)
	}

	addr, key, err := signer{
		address:   p.Address,
		publicKey: p.PublicKey,
		stateInit: p.WalletStateInit,
		timestamp: p.Proof.Timestamp,
		domain:    p.Proof.Domain.Value,
	}.check(ctx, opts)
	if err != nil {
		return err
	}
	return checkSignature(key, tonProofMessage(addr, p.Proof), p.Proof.Signature)
}

// Message returns the digest the wallet signs for this proof.
func (p *TonProof) Message() ([]byte, error) {
	addr, err := ParseAddress(p.Address)
	if err != nil {
		return nil, err
	}
	return tonProofMessage(addr, p.Proof), nil
}

func tonProofMessage(addr *address.Address, proof wire.TonProofReply) []byte {
	inner := make([]byte, 0, len(tonProofPrefix)+4+32+4+len(proof.Domain.Value)+8+len(proof.Payload))
	inner = append(inner, tonProofPrefix...)
	inner = binary.BigEndian.AppendUint32(inner, uint32(addr.Workchain()))
	inner = append(inner, addr.Data()...)
	inner = binary.LittleEndian.AppendUint32(inner, uint32(len(proof.Domain.Value)))
	inner = append(inner, proof.Domain.Value...)
	inner = binary.LittleEndian.AppendUint64(inner, uint64(proof.Timestamp))
	inner = append(inner, proof.Payload...)
	innerHash := sha256.Sum256(inner)

	msg := make([]byte, 0, 2+len(tonConnectPrefix)+sha256.Size)
	msg = append(msg, 0xff, 0xff)
	msg = append(msg, tonConnectPrefix...)
	msg = append(msg, innerHash[:]...)
	sum := sha256.Sum256(msg)
	return sum[:]
}

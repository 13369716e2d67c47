package tonproof

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/bhandras/tonconnect/pkg/wire"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tvm/cell"
)

const (
	signDataPrefix = "ton-connect/sign-data/"
	signDataCellOp = 0x75569022
)

// SignedData is a signData result together with the signer's ton_addr
// fields from the connect event.
type SignedData struct {
	Result          wire.SignDataResult
	PublicKey       string
	WalletStateInit string
}

// Verify checks the signed data. Every failure matches ErrBadSignature.
func (s *SignedData) Verify(ctx context.Context, opts VerifyOptions) error {
	addr, key, err := signer{
		address:   s.Result.Address,
		publicKey: s.PublicKey,
		stateInit: s.WalletStateInit,
		timestamp: s.Result.Timestamp,
		domain:    s.Result.Domain,
	}.check(ctx, opts)
	if err != nil {
		return err
	}

	msg, err := signDataHash(addr, s.Result)
	if err != nil {
		return fail(reasonMalformed, "%v", err)
	}
	return checkSignature(key, msg, s.Result.Signature)
}

// Message returns the digest the wallet signs for this result.
func (s *SignedData) Message() ([]byte, error) {
	addr, err := ParseAddress(s.Result.Address)
	if err != nil {
		return nil, err
	}
	return signDataHash(addr, s.Result)
}

func signDataHash(addr *address.Address, r wire.SignDataResult) ([]byte, error) {
	switch r.Payload.Type {
	case wire.SignDataText:
		return signDataBytesHash(addr, r, "txt", []byte(r.Payload.Text)), nil

	case wire.SignDataBinary:
		content, err := base64.StdEncoding.DecodeString(r.Payload.Bytes)
		if err != nil {
			return nil, fmt.Errorf("binary payload: %w", err)
		}
		return signDataBytesHash(addr, r, "bin", content), nil

	case wire.SignDataCell:
		return signDataCellHash(addr, r)

	default:
		return nil, fmt.Errorf("unknown sign data type %q", r.Payload.Type)
	}
}

func signDataBytesHash(addr *address.Address, r wire.SignDataResult, kind string, content []byte) []byte {
	msg := make([]byte, 0, 2+len(signDataPrefix)+4+32+4+len(r.Domain)+8+3+4+len(content))
	msg = append(msg, 0xff, 0xff)
	msg = append(msg, signDataPrefix...)
	msg = binary.BigEndian.AppendUint32(msg, uint32(addr.Workchain()))
	msg = append(msg, addr.Data()...)
	msg = binary.BigEndian.AppendUint32(msg, uint32(len(r.Domain)))
	msg = append(msg, r.Domain...)
	msg = binary.BigEndian.AppendUint64(msg, uint64(r.Timestamp))
	msg = append(msg, kind...)
	msg = binary.BigEndian.AppendUint32(msg, uint32(len(content)))
	msg = append(msg, content...)
	sum := sha256.Sum256(msg)
	return sum[:]
}

func signDataCellHash(addr *address.Address, r wire.SignDataResult) ([]byte, error) {
	boc, err := base64.StdEncoding.DecodeString(r.Payload.Cell)
	if err != nil {
		return nil, fmt.Errorf("cell payload: %w", err)
	}
	payload, err := cell.FromBOC(boc)
	if err != nil {
		return nil, fmt.Errorf("cell payload: %w", err)
	}

	domain := cell.BeginCell()
	if err := domain.StoreBinarySnake(encodeDomain(r.Domain)); err != nil {
		return nil, fmt.Errorf("domain: %w", err)
	}

	msg := cell.BeginCell().
		MustStoreUInt(signDataCellOp, 32).
		MustStoreUInt(uint64(crc32.ChecksumIEEE([]byte(r.Payload.Schema))), 32).
		MustStoreUInt(uint64(r.Timestamp), 64).
		MustStoreAddr(addr).
		MustStoreRef(domain.EndCell()).
		MustStoreRef(payload).
		EndCell()
	return msg.Hash(), nil
}

// encodeDomain applies the TEP-81 DNS encoding: labels reversed, each
// terminated by a zero byte.
func encodeDomain(domain string) []byte {
	labels := strings.Split(domain, ".")
	out := make([]byte, 0, len(domain)+1)
	for i := len(labels) - 1; i >= 0; i-- {
		out = append(out, labels[i]...)
		out = append(out, 0)
	}
	return out
}

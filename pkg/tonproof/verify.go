// Package tonproof verifies TonProof ownership proofs and SignData results
// against a wallet's declared key and StateInit, and issues backend
// challenge payloads.
package tonproof

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"slices"
	"strings"
	"time"

	"github.com/xssnick/tonutils-go/address"
)

// DefaultValidAuthTime is how old a proof may be when VerifyOptions leaves
// ValidAuthTime unset.
const DefaultValidAuthTime = 15 * time.Minute

// MaxClockSkew bounds how far in the future a timestamp may be.
const MaxClockSkew = 60 * time.Second

// PublicKeyResolver returns the key of a wallet whose code is not in the
// known table, typically by running get_public_key on chain.
type PublicKeyResolver func(ctx context.Context, addr *address.Address) (ed25519.PublicKey, error)

// VerifyOptions configures proof and signed data verification.
type VerifyOptions struct {
	// AllowedDomains lists the dApp domains a signature may be bound to.
	AllowedDomains []string
	// ValidAuthTime is the maximum signature age.
	ValidAuthTime time.Duration
	// ResolvePublicKey is consulted for wallets with unknown code.
	ResolvePublicKey PublicKeyResolver
	// Now overrides the clock.
	Now func() time.Time
}

func (o VerifyOptions) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o VerifyOptions) validAuthTime() time.Duration {
	if o.ValidAuthTime > 0 {
		return o.ValidAuthTime
	}
	return DefaultValidAuthTime
}

// signer is what both verifiers know about the signing wallet.
type signer struct {
	address   string
	publicKey string
	stateInit string
	timestamp int64
	domain    string
}

// check runs the key, address, time and domain checks and returns the
// parsed address and key for the signature check.
func (s signer) check(ctx context.Context, opts VerifyOptions) (*address.Address, ed25519.PublicKey, error) {
	addr, err := ParseAddress(s.address)
	if err != nil {
		return nil, nil, fail(reasonMalformed, "address: %v", err)
	}

	declared, err := hex.DecodeString(strings.TrimPrefix(s.publicKey, "0x"))
	if err != nil || len(declared) != ed25519.PublicKeySize {
		return nil, nil, fail(reasonMalformed, "public key %q", s.publicKey)
	}

	boc, err := base64.StdEncoding.DecodeString(s.stateInit)
	if err != nil || len(boc) == 0 {
		return nil, nil, fail(reasonMalformed, "state init is not base64")
	}
	root, si, err := parseStateInit(boc)
	if err != nil {
		return nil, nil, fail(reasonMalformed, "%v", err)
	}

	key, known, err := publicKeyFromStateInit(si)
	switch {
	case err != nil:
		return nil, nil, fail(reasonMalformed, "wallet data: %v", err)
	case !known && opts.ResolvePublicKey != nil:
		key, err = opts.ResolvePublicKey(ctx, addr)
		if err != nil {
			return nil, nil, fail(reasonUnknownWallet, "resolve public key: %v", err)
		}
	case !known:
		return nil, nil, fail(reasonUnknownWallet, "code hash %x", si.Code.Hash())
	}

	if !bytes.Equal(key, declared) {
		return nil, nil, fail(reasonPublicKeyMismatch, "state init key %x", key)
	}
	if !bytes.Equal(root.Hash(), addr.Data()) {
		return nil, nil, fail(reasonAddressMismatch, "state init hash %x", root.Hash())
	}

	now := opts.now()
	ts := time.Unix(s.timestamp, 0)
	if ts.Before(now.Add(-opts.validAuthTime())) {
		return nil, nil, fail(reasonExpired, "timestamp %d", s.timestamp)
	}
	if ts.After(now.Add(MaxClockSkew)) {
		return nil, nil, fail(reasonFromFuture, "timestamp %d", s.timestamp)
	}

	if !slices.Contains(opts.AllowedDomains, s.domain) {
		return nil, nil, fail(reasonDomain, "%q", s.domain)
	}
	return addr, key, nil
}

func checkSignature(key ed25519.PublicKey, msg []byte, sig string) error {
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil || len(raw) != ed25519.SignatureSize {
		return fail(reasonMalformed, "signature is not a base64 ed25519 signature")
	}
	if !ed25519.Verify(key, msg, raw) {
		return fail(reasonSignature, "ed25519 verification failed")
	}
	return nil
}

// ParseAddress accepts raw ("0:hex") and user friendly addresses.
func ParseAddress(s string) (*address.Address, error) {
	if strings.Contains(s, ":") {
		return address.ParseRawAddr(s)
	}
	return address.ParseAddr(s)
}

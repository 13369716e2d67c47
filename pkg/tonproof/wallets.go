package tonproof

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/bhandras/tonconnect/pkg/logger"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton/wallet"
	"github.com/xssnick/tonutils-go/tvm/cell"
)

// PublicKeyDecoder extracts the owner key from a wallet's data cell.
type PublicKeyDecoder func(data *cell.Cell) (ed25519.PublicKey, error)

var (
	codesMu sync.RWMutex
	codes   = make(map[string]PublicKeyDecoder)
)

// RegisterWalletCode maps a wallet code hash to the decoder of its data
// layout. Registering the same hash again replaces the decoder.
func RegisterWalletCode(codeHash []byte, dec PublicKeyDecoder) {
	codesMu.Lock()
	defer codesMu.Unlock()
	codes[hex.EncodeToString(codeHash)] = dec
}

func lookupWalletCode(codeHash []byte) (PublicKeyDecoder, bool) {
	codesMu.RLock()
	defer codesMu.RUnlock()
	dec, ok := codes[hex.EncodeToString(codeHash)]
	return dec, ok
}

func init() {
	// Code hashes are taken from the reference wallet contracts; the key
	// passed in only affects the data cell.
	zero := make(ed25519.PublicKey, ed25519.PublicKeySize)

	known := []struct {
		name    string
		version wallet.VersionConfig
		decode  PublicKeyDecoder
	}{
		{"v3r1", wallet.V3R1, decodeV3V4},
		{"v3r2", wallet.V3R2, decodeV3V4},
		{"v4r2", wallet.V4R2, decodeV3V4},
		{"v5r1", wallet.ConfigV5R1Final{NetworkGlobalID: wallet.MainnetGlobalID}, decodeV5R1},
		{"highload-v2r2", wallet.HighloadV2R2, decodeHighloadV2},
	}
	for _, k := range known {
		si, err := wallet.GetStateInit(zero, k.version, wallet.DefaultSubwallet)
		if err != nil || si.Code == nil {
			logger.Warnf("tonproof: %s wallet code unavailable: %v", k.name, err)
			continue
		}
		RegisterWalletCode(si.Code.Hash(), k.decode)
	}
}

// decodeV3V4 reads seqno:32 subwallet:32 public_key:256.
func decodeV3V4(data *cell.Cell) (ed25519.PublicKey, error) {
	s := data.BeginParse()
	if _, err := s.LoadSlice(64); err != nil {
		return nil, err
	}
	return loadKey(s)
}

// decodeV5R1 reads is_signature_allowed:1 seqno:32 wallet_id:32
// public_key:256.
func decodeV5R1(data *cell.Cell) (ed25519.PublicKey, error) {
	s := data.BeginParse()
	if _, err := s.LoadSlice(65); err != nil {
		return nil, err
	}
	return loadKey(s)
}

// decodeHighloadV2 reads subwallet:32 last_cleaned:64 public_key:256.
func decodeHighloadV2(data *cell.Cell) (ed25519.PublicKey, error) {
	s := data.BeginParse()
	if _, err := s.LoadSlice(96); err != nil {
		return nil, err
	}
	return loadKey(s)
}

func loadKey(s *cell.Slice) (ed25519.PublicKey, error) {
	key, err := s.LoadSlice(256)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(key), nil
}

// parseStateInit decodes a StateInit BoC and returns its root cell too.
func parseStateInit(boc []byte) (*cell.Cell, *tlb.StateInit, error) {
	root, err := cell.FromBOC(boc)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid state init boc: %w", err)
	}
	var si tlb.StateInit
	if err := tlb.LoadFromCell(&si, root.BeginParse()); err != nil {
		return nil, nil, fmt.Errorf("invalid state init: %w", err)
	}
	return root, &si, nil
}

// publicKeyFromStateInit extracts the owner key of a known wallet.
func publicKeyFromStateInit(si *tlb.StateInit) (ed25519.PublicKey, bool, error) {
	if si.Code == nil || si.Data == nil {
		return nil, false, nil
	}
	dec, ok := lookupWalletCode(si.Code.Hash())
	if !ok {
		return nil, false, nil
	}
	key, err := dec(si.Data)
	if err != nil {
		return nil, true, err
	}
	return key, true, nil
}

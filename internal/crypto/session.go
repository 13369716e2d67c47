package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const (
	// KeySize is the length of X25519 public and private keys.
	KeySize = 32
	// NonceSize is the length of the per-message nonce prefixed to every
	// ciphertext.
	NonceSize = 24
)

// ErrDecrypt is returned when a ciphertext fails authentication. It only
// invalidates the message that produced it.
var ErrDecrypt = errors.New("decryption failed")

// SessionCrypto is the ephemeral keypair identifying one TON Connect session
// to the bridge and the wallet.
//
// Format of every ciphertext: [nonce (24 bytes)][box.Seal output].
type SessionCrypto struct {
	publicKey  [KeySize]byte
	privateKey [KeySize]byte
}

// NewSessionCrypto generates a fresh session keypair.
func NewSessionCrypto() (*SessionCrypto, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session keypair: %w", err)
	}
	return &SessionCrypto{publicKey: *pub, privateKey: *priv}, nil
}

// SessionCryptoFromHex restores a session keypair from its hex encoded private
// key. The public key is re-derived.
func SessionCryptoFromHex(privateKeyHex string) (*SessionCrypto, error) {
	raw, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode session key: %w", err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("invalid session key length: %d (expected %d)", len(raw), KeySize)
	}

	pub, err := curve25519.X25519(raw, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive session public key: %w", err)
	}

	s := &SessionCrypto{}
	copy(s.privateKey[:], raw)
	copy(s.publicKey[:], pub)
	return s, nil
}

// SessionID returns the hex encoded public key. It is the bridge client_id.
func (s *SessionCrypto) SessionID() string {
	return hex.EncodeToString(s.publicKey[:])
}

// PublicKey returns a copy of the session public key.
func (s *SessionCrypto) PublicKey() [KeySize]byte {
	return s.publicKey
}

// PrivateKeyHex returns the hex encoded private key for persistence.
func (s *SessionCrypto) PrivateKeyHex() string {
	return hex.EncodeToString(s.privateKey[:])
}

// Encrypt seals message for the peer identified by its public key.
func (s *SessionCrypto) Encrypt(message []byte, peerPublicKey [KeySize]byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// box.Seal appends to the nonce so the result is nonce || ciphertext.
	return box.Seal(nonce[:], message, &nonce, &peerPublicKey, &s.privateKey), nil
}

// Decrypt opens a ciphertext produced by the peer.
func (s *SessionCrypto) Decrypt(ciphertext []byte, peerPublicKey [KeySize]byte) ([]byte, error) {
	if len(ciphertext) < NonceSize+box.Overhead {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}

	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])

	plain, ok := box.Open(nil, ciphertext[NonceSize:], &nonce, &peerPublicKey, &s.privateKey)
	if !ok {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// ParsePublicKey decodes a hex encoded X25519 public key, such as a bridge
// "from" field or a stored wallet key.
func ParsePublicKey(raw string) ([KeySize]byte, error) {
	var key [KeySize]byte
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return key, fmt.Errorf("failed to decode public key: %w", err)
	}
	if len(decoded) != KeySize {
		return key, fmt.Errorf("invalid public key length: %d (expected %d)", len(decoded), KeySize)
	}
	copy(key[:], decoded)
	return key, nil
}

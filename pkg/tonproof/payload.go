package tonproof

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	payloadNonceSize = 32
	payloadBodySize  = payloadNonceSize + 8
	payloadSize      = payloadBodySize + sha256.Size
)

// CreatePayload issues a challenge for the ton_proof connect item that
// expires after ttl.
func CreatePayload(secret []byte, ttl time.Duration) (string, error) {
	return createPayloadAt(secret, ttl, time.Now())
}

func createPayloadAt(secret []byte, ttl time.Duration, now time.Time) (string, error) {
	buf := make([]byte, payloadBodySize, payloadSize)
	if _, err := rand.Read(buf[:payloadNonceSize]); err != nil {
		return "", fmt.Errorf("payload nonce: %w", err)
	}
	binary.BigEndian.PutUint64(buf[payloadNonceSize:], uint64(now.Add(ttl).Unix()))

	mac := hmac.New(sha256.New, secret)
	mac.Write(buf)
	return hex.EncodeToString(mac.Sum(buf)), nil
}

// VerifyPayload checks that payload was issued with secret and has not
// expired, allowing MaxClockSkew of grace.
func VerifyPayload(secret []byte, payload string) error {
	return VerifyPayloadAt(secret, payload, time.Now())
}

// VerifyPayloadAt is VerifyPayload against a fixed clock.
func VerifyPayloadAt(secret []byte, payload string, now time.Time) error {
	raw, err := hex.DecodeString(payload)
	if err != nil || len(raw) != payloadSize {
		return fmt.Errorf("%w: malformed", ErrInvalidPayload)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(raw[:payloadBodySize])
	if !hmac.Equal(mac.Sum(nil), raw[payloadBodySize:]) {
		return fmt.Errorf("%w: hmac mismatch", ErrInvalidPayload)
	}

	expiry := time.Unix(int64(binary.BigEndian.Uint64(raw[payloadNonceSize:payloadBodySize])), 0)
	if now.After(expiry.Add(MaxClockSkew)) {
		return fmt.Errorf("%w: expired at %s", ErrInvalidPayload, expiry.UTC().Format(time.RFC3339))
	}
	return nil
}

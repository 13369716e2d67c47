package sdk

import (
	"errors"
	"fmt"
	"time"

	"github.com/bhandras/tonconnect/internal/provider"
	"github.com/bhandras/tonconnect/pkg/wire"
)

var (
	// ErrAlreadyConnected is returned by Connect while a wallet is connected.
	ErrAlreadyConnected = errors.New("wallet already connected")

	// ErrNotConnected is returned by operations that need a connected wallet.
	ErrNotConnected = provider.ErrNotConnected

	// ErrUnknownRequest is returned for a request id the connector does not
	// track.
	ErrUnknownRequest = errors.New("unknown request id")

	// ErrRequestKindMismatch is returned when waiting on a request id with
	// the wrong Wait method.
	ErrRequestKindMismatch = errors.New("request id belongs to a different request kind")

	// ErrNoPendingConnect is returned by WaitConnect when no connection
	// attempt exists.
	ErrNoPendingConnect = errors.New("no pending connect")

	// ErrCancelled resolves futures dropped by the caller or by a
	// disconnect.
	ErrCancelled = errors.New("cancelled")

	// ErrWrongNetwork resolves a connect whose wallet reported a network
	// other than the requested one.
	ErrWrongNetwork = errors.New("wallet connected to a different network")

	// ErrMissingManifest is returned by Connect without a manifest URL.
	ErrMissingManifest = errors.New("missing manifest url")
)

// WalletError is an error reported by the wallet, either on connect or in
// reply to an RPC request.
type WalletError struct {
	Code    int
	Message string
}

func (e *WalletError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("wallet error %d (%s)", e.Code, CodeName(e.Code))
	}
	return fmt.Sprintf("wallet error %d (%s): %s", e.Code, CodeName(e.Code), e.Message)
}

// UserRejected reports whether the user declined the request in the wallet.
func (e *WalletError) UserRejected() bool {
	return e.Code == wire.CodeUserRejects
}

// CodeName returns a short name for a wallet error code.
func CodeName(code int) string {
	switch code {
	case wire.CodeUnknown:
		return "unknown"
	case wire.CodeBadRequest:
		return "bad request"
	case wire.CodeManifestNotFound:
		return "manifest not found"
	case wire.CodeManifestContentError:
		return "manifest content error"
	case wire.CodeUnknownApp:
		return "unknown app"
	case wire.CodeUserRejects:
		return "user rejects"
	case wire.CodeMethodNotSupported:
		return "method not supported"
	default:
		return "unrecognized"
	}
}

// TimeoutError resolves a connect or request the wallet did not answer in
// time.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// Timeout lets callers treat TimeoutError like other net timeouts.
func (e *TimeoutError) Timeout() bool { return true }

// FeatureError is returned before sending a request the wallet cannot
// handle.
type FeatureError struct {
	Feature string
	Reason  string
}

func (e *FeatureError) Error() string {
	return fmt.Sprintf("wallet feature %s: %s", e.Feature, e.Reason)
}

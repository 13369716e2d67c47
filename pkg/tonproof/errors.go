package tonproof

import (
	"errors"
	"fmt"
)

// ErrBadSignature is returned for every verification failure. The failing
// check is only visible in the error text.
var ErrBadSignature = errors.New("bad signature")

// ErrInvalidPayload is returned by VerifyPayload.
var ErrInvalidPayload = errors.New("invalid proof payload")

type reason string

const (
	reasonMalformed         reason = "malformed"
	reasonUnknownWallet     reason = "unknown_wallet"
	reasonPublicKeyMismatch reason = "public_key_mismatch"
	reasonAddressMismatch   reason = "address_mismatch"
	reasonExpired           reason = "expired"
	reasonFromFuture        reason = "from_future"
	reasonDomain            reason = "domain_not_allowed"
	reasonSignature         reason = "signature_mismatch"
)

type verifyError struct {
	reason reason
	detail string
}

func (e *verifyError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrBadSignature, e.reason, e.detail)
}

func (e *verifyError) Is(target error) bool {
	return target == ErrBadSignature
}

func fail(r reason, format string, args ...any) error {
	return &verifyError{reason: r, detail: fmt.Sprintf(format, args...)}
}

// reasonOf returns the failing check of a verification error.
func reasonOf(err error) reason {
	var ve *verifyError
	if errors.As(err, &ve) {
		return ve.reason
	}
	return ""
}

// Package cerr defines the structured error taxonomy shared across the
// control-plane components (spec §7). Every component that the design
// says "fails with X" returns an *Error with Code == X so HTTP handlers
// and session closers can switch on it instead of parsing strings.
package cerr

import (
	"errors"
	"fmt"
)

// Code identifies one of the named failure conditions in the design.
type Code string

const (
	IdentityStoreUnavailable Code = "IdentityStoreUnavailable"

	ServerPinMismatch Code = "ServerPinMismatch"

	PairingExpired            Code = "PairingExpired"
	PairingAttemptsExhausted  Code = "PairingAttemptsExhausted"
	PairingAuthFailed         Code = "PairingAuthFailed"

	ClientCertificateRequired  Code = "ClientCertificateRequired"
	ClientCertificateUntrusted Code = "ClientCertificateUntrusted"

	FrameTooLarge  Code = "FrameTooLarge"
	ProtocolError  Code = "ProtocolError"

	HandshakeTimeout Code = "HandshakeTimeout"
	IdleTimeout      Code = "IdleTimeout"

	Backpressure Code = "Backpressure"

	SubscriptionExpired  Code = "SubscriptionExpired"
	SubscriptionRejected Code = "SubscriptionRejected"

	DeliveryFailedTransient Code = "DeliveryFailedTransient"
	DeliveryFailedPermanent Code = "DeliveryFailedPermanent"

	TrustStoreUnavailable Code = "TrustStoreUnavailable"
	RepositoryUnavailable Code = "RepositoryUnavailable"
)

// Error is the structured error type propagated across component
// boundaries. Code is stable and meant to be switched on; Message is
// human-readable and safe to log; Cause, if set, is the underlying error.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error that wraps cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Is reports whether err is a *Error with the given code. Follows the
// standard errors.As unwrap chain, so a *Error wrapped with %w matches too.
func Is(err error, code Code) bool {
	var ce *Error
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == code
}

// HTTPStatus maps a taxonomy code to the status spec §6 assigns it, for
// codes that are surfaced directly as HTTP responses. Codes with no direct
// HTTP mapping (session/fan-out errors) return 0.
func (c Code) HTTPStatus() int {
	switch c {
	case ClientCertificateRequired:
		return 401
	case ClientCertificateUntrusted:
		return 403
	case PairingExpired:
		return 410
	case PairingAttemptsExhausted, PairingAuthFailed:
		return 401
	case SubscriptionRejected:
		return 400
	default:
		// ServerPinMismatch is a client-side TLS abort, never a server
		// HTTP response; malformed-body codes use 400 directly at the
		// handler without a taxonomy code.
		return 0
	}
}

// Package apperrors holds the failure taxonomy shared by the delivery
// verification components. Handlers map these to HTTP status codes.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedToken means the scanned payload could not be decoded or is incomplete.
	ErrMalformedToken = errors.New("malformed delivery token")
	// ErrTokenExpired means the token was superseded by a newer issuance or outlived its TTL.
	ErrTokenExpired = errors.New("delivery token expired")
	ErrNotFound     = errors.New("not found")
	// ErrChallengeNotFound is returned by the ledger when no pending challenge matches.
	ErrChallengeNotFound  = fmt.Errorf("verification challenge %w", ErrNotFound)
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidPhoneFormat = errors.New("phone number must include country code (e.g. +1234567890)")
	// ErrVerificationRequired gates delivery completion on a verified OTP.
	ErrVerificationRequired = errors.New("customer must scan the QR code and verify the OTP before delivery can be completed")
	ErrInvalidTransition    = errors.New("invalid order status transition")
	ErrOTPRejected          = errors.New("verification code was not approved")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrConflict             = errors.New("already exists")
	ErrInvalidInput         = errors.New("invalid input")
)

// GatewayError wraps a failure talking to the OTP provider. The provider's
// status code and message are kept for diagnostics.
type GatewayError struct {
	Op         string
	StatusCode int
	Message    string
	Timeout    bool
	Err        error
}

func (e *GatewayError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("otp gateway %s: timeout", e.Op)
	case e.StatusCode != 0:
		return fmt.Sprintf("otp gateway %s: provider returned %d: %s", e.Op, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("otp gateway %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("otp gateway %s: %s", e.Op, e.Message)
	}
}

func (e *GatewayError) Unwrap() error { return e.Err }

// IsGatewayError reports whether err carries a *GatewayError.
func IsGatewayError(err error) bool {
	var gerr *GatewayError
	return errors.As(err, &gerr)
}

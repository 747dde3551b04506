package integrate

import (
	"errors"
	"fmt"
)

type AuthErrorKind int

const (
	TransportFailure AuthErrorKind = iota + 1
	RejectedCredentials
	InvalidOtp
	ExpiredChallenge
)

func (k AuthErrorKind) String() string {
	switch k {
	case TransportFailure:
		return "transport failure"
	case RejectedCredentials:
		return "rejected credentials"
	case InvalidOtp:
		return "invalid otp"
	case ExpiredChallenge:
		return "expired challenge"
	default:
		return "auth error"
	}
}

// Sentinels matched by errors.Is against an *AuthError of the same kind.
var (
	ErrTransportFailure    = errors.New("transport failure")
	ErrRejectedCredentials = errors.New("rejected credentials")
	ErrInvalidOtp          = errors.New("invalid otp")
	ErrExpiredChallenge    = errors.New("expired challenge")
)

type AuthError struct {
	Kind AuthErrorKind
	// Status is the HTTP status code, zero when no response was received.
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	msg := "integrate: " + e.Kind.String()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool {
	switch target {
	case ErrTransportFailure:
		return e.Kind == TransportFailure
	case ErrRejectedCredentials:
		return e.Kind == RejectedCredentials
	case ErrInvalidOtp:
		return e.Kind == InvalidOtp
	case ErrExpiredChallenge:
		return e.Kind == ExpiredChallenge
	}
	return false
}

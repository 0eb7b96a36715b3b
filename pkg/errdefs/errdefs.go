// Package errdefs defines the error kinds shared across the control plane.
//
// Every fallible operation returns a value or an error carrying one of these
// kinds. Only the HTTP layer translates kinds into status codes; everything
// below it passes errors up unchanged, wrapping for context with %w.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for boundary handling.
type Kind string

const (
	// Authentication and session kinds.
	KindInvalidCredentials  Kind = "InvalidCredentials"
	KindInvalidAuthState    Kind = "InvalidAuthState"
	KindChallengeExpired    Kind = "ChallengeExpired"
	KindCounterRegression   Kind = "CounterRegression"
	KindRateLimited         Kind = "RateLimited"
	KindCaptchaFailed       Kind = "CaptchaFailed"
	KindCredentialCorrupted Kind = "CredentialCorrupted"

	// SSH dialer kinds.
	KindUnreachable Kind = "Unreachable"
	KindAuthFailed  Kind = "AuthFailed"
	KindTimeout     Kind = "Timeout"
	KindProtocol    Kind = "Protocol"
	KindMissingTool Kind = "MissingTool"

	// Generic kinds.
	KindNotFound        Kind = "NotFound"
	KindForbidden       Kind = "Forbidden"
	KindValidationError Kind = "ValidationError"
	KindInternal        Kind = "Internal"
)

// Error carries a kind, a human-readable message, and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// E creates an error of the given kind.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates cause with a kind and message. The cause stays reachable via
// errors.Is/As.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindInternal when err carries no kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Severe reports whether the kind warrants a stack trace in server logs.
func Severe(kind Kind) bool {
	return kind == KindInternal || kind == KindCredentialCorrupted
}

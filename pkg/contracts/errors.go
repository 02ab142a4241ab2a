package contracts

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed error taxonomy. Every failure surfaced across a
// component boundary carries exactly one kind; HTTP layers map kinds to
// status codes and internals are never leaked to callers.
type ErrorKind string

const (
	KindBadRequest    ErrorKind = "bad_request"
	KindUnauthorized  ErrorKind = "unauthorized"
	KindRateLimited   ErrorKind = "rate_limited"
	KindNotFound      ErrorKind = "not_found"
	KindStateConflict ErrorKind = "state_conflict"
	KindTransient     ErrorKind = "transient" // download/LLM/sink unavailable
	KindIntegrity     ErrorKind = "integrity_failure"
	KindSuspicious    ErrorKind = "suspicious"
	KindInvariant     ErrorKind = "invariant_violation"
	KindTimeout       ErrorKind = "timeout"
	KindInternal      ErrorKind = "internal"
)

// DomainError pairs an error kind with a message and optional cause.
type DomainError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *DomainError) Unwrap() error { return e.Err }

// E constructs a DomainError.
func E(kind ErrorKind, msg string) *DomainError {
	return &DomainError{Kind: kind, Msg: msg}
}

// Ef constructs a DomainError with a formatted message.
func Ef(kind ErrorKind, format string, args ...any) *DomainError {
	return &DomainError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind ErrorKind, msg string, err error) *DomainError {
	return &DomainError{Kind: kind, Msg: msg, Err: err}
}

// Invariant constructs an invariant-violation error.
func Invariant(msg string) *DomainError {
	return &DomainError{Kind: KindInvariant, Msg: msg}
}

// KindOf classifies an error, unwrapping as needed. Unknown errors are
// internal.
func KindOf(err error) ErrorKind {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether an error should go through the retry engine.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindTimeout:
		return true
	}
	return false
}

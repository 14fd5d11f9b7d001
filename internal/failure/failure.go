// Package failure defines the error taxonomy shared by the registration pipeline.
//
// Every failure that crosses a component boundary is an *Error carrying a Kind.
// Callers branch on the Kind (via the Is* helpers, which see through wrapping)
// and never on message text.
//
// An already-registered decision is not a failure: it is reported as a skipped
// result by the registry package.
package failure

import (
	"errors"
	"fmt"
)

// Kind categorizes a pipeline failure.
type Kind string

const (
	// KindValidation rejects malformed input before any side effect.
	KindValidation Kind = "VALIDATION"

	// KindTransient marks a network or node-level rejection that may succeed on retry.
	KindTransient Kind = "TRANSIENT_SUBMISSION"

	// KindConfirmationTimeout means inclusion was not observed within the wait budget.
	// The transaction may still land later.
	KindConfirmationTimeout Kind = "CONFIRMATION_TIMEOUT"

	// KindRetriesExhausted is terminal: every attempt failed transiently.
	KindRetriesExhausted Kind = "RETRIES_EXHAUSTED"

	// KindConfiguration covers invalid credentials, addresses or endpoints.
	KindConfiguration Kind = "CONFIGURATION"

	// KindReverted means the transaction was included but the contract call reverted.
	KindReverted Kind = "REVERTED"

	// KindStorage means the local idempotency ledger could not be read or written.
	KindStorage Kind = "STORAGE"
)

// Error is a classified pipeline failure.
type Error struct {
	// Kind identifies the failure category.
	Kind Kind

	// Message is a human-readable description. Never contains credentials.
	Message string

	// Attempts is the number of submission attempts made, when relevant.
	Attempts int

	// TxHash is the hash of the last broadcast transaction, if any was broadcast.
	// Operators use it to reconcile ambiguous outcomes.
	TxHash string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s (attempts=%d)", msg, e.Attempts)
	}
	if e.TxHash != "" {
		msg = fmt.Sprintf("%s (tx=%s)", msg, e.TxHash)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the submit loop may retry after this failure.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindConfirmationTimeout
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind around an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation creates a KindValidation error.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

// Configuration creates a KindConfiguration error.
func Configuration(format string, args ...any) *Error {
	return New(KindConfiguration, fmt.Sprintf(format, args...))
}

// Transient wraps err as a KindTransient error.
func Transient(message string, err error) *Error {
	return Wrap(KindTransient, message, err)
}

// KindOf returns the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsRetryable reports whether err is a failure the submit loop retries.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return false
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsTransient reports whether err is a transient submission failure.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsConfirmationTimeout reports whether err is a confirmation timeout.
func IsConfirmationTimeout(err error) bool { return KindOf(err) == KindConfirmationTimeout }

// IsRetriesExhausted reports whether err is terminal after exhausting retries.
func IsRetriesExhausted(err error) bool { return KindOf(err) == KindRetriesExhausted }

// IsConfiguration reports whether err is a configuration failure.
func IsConfiguration(err error) bool { return KindOf(err) == KindConfiguration }

// IsReverted reports whether err is a KindReverted failure.
func IsReverted(err error) bool { return KindOf(err) == KindReverted }

// IsStorage reports whether err is a KindStorage failure.
func IsStorage(err error) bool { return KindOf(err) == KindStorage }

package providers

import (
	"errors"
	"fmt"
)

// ErrorKind is the failure classification providers must report. The
// executor keys its retry and rollback decisions off the kind, never off
// error message text.
type ErrorKind string

const (
	// KindThrottled: the provider rate-limited the call. Retryable.
	KindThrottled ErrorKind = "throttled"
	// KindDenied: the caller lacks permission. Fatal for the action.
	KindDenied ErrorKind = "denied"
	// KindNotFound: the RuleSet or rule does not exist.
	KindNotFound ErrorKind = "not_found"
	// KindUnavailable: transport or unclassified provider failure.
	KindUnavailable ErrorKind = "unavailable"
)

// Error is a tagged provider failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with an operation name and kind.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// kindOf extracts the ErrorKind from err, defaulting to KindUnavailable
// for untagged errors.
func kindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnavailable
}

// IsThrottled reports whether err is a retryable throttling failure.
func IsThrottled(err error) bool { return kindOf(err) == KindThrottled }

// IsDenied reports whether err is a permission failure.
func IsDenied(err error) bool { return kindOf(err) == KindDenied }

// IsNotFound reports whether err indicates a missing RuleSet or rule.
func IsNotFound(err error) bool { return kindOf(err) == KindNotFound }

// Package errors classifies the failure modes the cache can hit internally.
//
// Apart from the KindValidation error graphcache.New returns for invalid
// Options, the cache never returns these to callers of the public API (see
// graphcache.Result, which carries a classification instead of an error
// value for miss/partial); Kind exists so internal components agree on one
// vocabulary when they log or annotate a transaction.
package errors

import "fmt"

// Kind categorizes a cache-internal error.
type Kind string

const (
	// KindCacheMiss is not really an error - it flags a read that found no
	// data anywhere in the layer stack.
	KindCacheMiss Kind = "CACHE_MISS"
	// KindPartialResult flags a read that tolerated one or more missing
	// optional/nullable fields.
	KindPartialResult Kind = "PARTIAL_RESULT"
	// KindNetworkError wraps an error the host pipeline attached to an
	// incoming result; the cache retains it verbatim on the emitted result.
	KindNetworkError Kind = "NETWORK_ERROR"
	// KindUpdaterException flags a panic/error raised from a user-supplied
	// updater callback.
	KindUpdaterException Kind = "UPDATER_EXCEPTION"
	// KindInvariantViolation flags a record/link conflict or a missing
	// typename where one was required.
	KindInvariantViolation Kind = "INVARIANT_VIOLATION"
	// KindValidation flags bad constructor options or malformed input.
	KindValidation Kind = "VALIDATION"
)

// Error is the cache's internal error type. It is never surfaced to the
// public API as a Go error value for CacheMiss/PartialResult - those are
// classifications - but InvariantViolation and UpdaterException are logged
// through it.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error of the given kind.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and message context to an existing error.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}

// InvariantViolation is a convenience constructor for KindInvariantViolation,
// used by the write traversal to report a field shape conflict.
func InvariantViolation(format string, args ...interface{}) error {
	return Newf(KindInvariantViolation, format, args...)
}

// UpdaterException wraps a panic or error recovered from a user updater.
func UpdaterException(fieldKey string, err error) error {
	return Wrap(KindUpdaterException, err, fmt.Sprintf("updater for %q failed", fieldKey))
}

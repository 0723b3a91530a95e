// Package errs defines the typed error kinds shared across the federation
// engine. Every service-layer function that can fail in a way a
// caller needs to branch on returns an *errs.Error rather than a bare error.
package errs

import "fmt"

// Kind classifies why an operation failed. CLI and HTTP layers map Kind to
// exit codes / status codes; the sync engine maps it to retry policy.
type Kind string

const (
	KindInvalidInput       Kind = "invalid_input"
	KindForbidden          Kind = "forbidden"
	KindIllegalTransition  Kind = "illegal_transition"
	KindConflict           Kind = "conflict"
	KindStaleReviews       Kind = "stale_reviews"
	KindServerUnavailable  Kind = "server_unavailable"
	KindDuplicate          Kind = "duplicate"
	KindTransient          Kind = "transient"
	KindFatal              Kind = "fatal"
)

// Error is the concrete error type returned by service-layer functions.
// Detail carries structured context (e.g. {"field": "merge_mode"}) for
// callers that want to render a precise message without string-parsing.
type Error struct {
	Kind   Kind
	Msg    string
	Detail map[string]string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an *Error with no detail map and no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds an *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an underlying error, preserving it for Unwrap.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, cause: cause}
}

// WithDetail returns a copy of e with the given key/value merged into Detail.
func (e *Error) WithDetail(key, value string) *Error {
	cp := *e
	cp.Detail = make(map[string]string, len(e.Detail)+1)
	for k, v := range e.Detail {
		cp.Detail[k] = v
	}
	cp.Detail[key] = value
	return &cp
}

// KindOf returns the Kind of err if err, or any error in its Unwrap chain, is
// an *Error, and reports whether one was found.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
		return e.Kind, true
	}
	type unwrapper interface{ Unwrap() error }
	for u, ok := err.(unwrapper); ok; u, ok = err.(unwrapper) {
		err = u.Unwrap()
		if e, ok := err.(*Error); ok {
			return e.Kind, true
		}
	}
	return "", false
}

// Retryable reports whether the sync engine should retry an operation that
// failed with this Kind rather than treating it as terminal.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransient, KindServerUnavailable, KindStaleReviews:
		return true
	default:
		return false
	}
}

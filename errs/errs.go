// Package errs defines Sombra's error taxonomy (spec.md §6, §7): a
// single tagged-union error type shared by every layer, so that a
// caller can errors.Is/errors.As against a stable kind regardless of
// which component raised it.
package errs

import "fmt"

// Kind is one of the stable error tags from spec.md §6. The tag, not
// the message, is the contract.
type Kind string

const (
	KindUnknown         Kind = "unknown"
	KindAnalyzer        Kind = "analyzer"
	KindJSON            Kind = "json"
	KindIO              Kind = "io"
	KindCorruption      Kind = "corruption"
	KindConflict        Kind = "conflict"
	KindSnapshotTooOld  Kind = "snapshot_too_old"
	KindCancelled       Kind = "cancelled"
	KindInvalidArg      Kind = "invalid_arg"
	KindNotFound        Kind = "not_found"
	KindClosed          Kind = "closed"
)

// Error is the tagged-union error type carried across every Sombra
// layer (storage, index, mvcc, graph) and surfaced verbatim at the
// public API boundary.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, &Error{Kind: KindNotFound}) style matching
// by kind alone, ignoring Message/Cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a tagged error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a tagged error that wraps an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, and
// KindUnknown otherwise.
func KindOf(err error) Kind {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// As walks err's Unwrap chain and stores the first *Error it finds in
// target, so callers of this package don't need a second import for
// the common case. It follows single-error Unwrap only.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

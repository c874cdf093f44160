// Package errs defines the error taxonomy shared by the executor, adapters,
// and the API surface. Errors carry a Kind discriminant that the executor
// matches on; callers never branch on error strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and propagation decisions.
type Kind string

const (
	KindValidation       Kind = "validation_error"
	KindPolicy           Kind = "policy_error"
	KindAdapterTransient Kind = "adapter_transient"
	KindAdapterPermanent Kind = "adapter_permanent"
	KindAdapterTimeout   Kind = "adapter_timeout"
	KindAgentMalformed   Kind = "agent_malformed"
	KindStore            Kind = "store_error"
	KindConcurrency      Kind = "concurrency_error"
	KindInternal         Kind = "internal"
)

// Retryable reports whether the executor may retry locally.
func (k Kind) Retryable() bool {
	return k == KindAdapterTransient || k == KindAdapterTimeout
}

// Error is a classified error. Reasons carries machine-readable detail for
// policy errors.
type Error struct {
	Kind    Kind
	Msg     string
	Reasons []string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonsOf extracts machine-readable reasons from err, if any.
func ReasonsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reasons
	}
	return nil
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

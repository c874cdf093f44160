// Package adapter defines the effector contract and the tool registry.
//
// An adapter is the implementation behind one dotted tool id. Adapters may
// have external side effects but are pure with respect to the registry: they
// never consult other adapters or the run store.
package adapter

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tejun/internal/model"
)

// Classification describes the blast radius of an adapter.
type Classification string

const (
	ClassRead        Classification = "read"
	ClassWrite       Classification = "write"
	ClassDestructive Classification = "destructive"
)

// Mutating reports whether invocations change external state.
func (c Classification) Mutating() bool { return c == ClassWrite || c == ClassDestructive }

// ErrorKind classifies an invocation failure. Only ErrTransient and
// ErrTimeout are retried by the executor; the rest surface immediately.
type ErrorKind string

const (
	ErrValidationFailed   ErrorKind = "validation_failed"
	ErrPreconditionFailed ErrorKind = "precondition_failed"
	ErrTransient          ErrorKind = "transient"
	ErrPermanent          ErrorKind = "permanent"
	ErrTimeout            ErrorKind = "timeout"
	ErrUnauthorized       ErrorKind = "unauthorized"
	// ErrUnknownOutcome is synthesized by the executor when a crash left a
	// non-idempotent invocation unconfirmed and the adapter cannot reconcile.
	ErrUnknownOutcome ErrorKind = "unknown_outcome"
)

// Retryable reports whether the executor may retry this failure.
func (k ErrorKind) Retryable() bool { return k == ErrTransient || k == ErrTimeout }

// Error is a failed invocation outcome. It is a value, not a Go error: the
// executor matches on Kind.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Result is the uniform outcome of one invocation. Usage always carries
// WallMS; adapters that call LLMs also fill token counts and cost.
type Result struct {
	OK     bool           `json:"ok"`
	Output map[string]any `json:"output,omitempty"`
	Usage  model.Usage    `json:"usage"`
	Err    *Error         `json:"error,omitempty"`
}

// Failure builds an error result.
func Failure(kind ErrorKind, msg string) Result {
	return Result{Err: &Error{Kind: kind, Message: msg}}
}

// InvocationContext carries the run-scoped inputs an adapter may use. The
// idempotency key is stable across replays of the same (run, step, args).
type InvocationContext struct {
	TenantID       string
	RunID          uuid.UUID
	StepIndex      int
	IdempotencyKey string
}

// InvokeFunc performs the effector call.
type InvokeFunc func(ctx context.Context, args map[string]any, ictx InvocationContext) Result

// ReconcileFunc queries the adapter's idempotency API for the outcome of a
// possibly-completed invocation after a crash. A nil Result with nil error
// means the adapter cannot tell.
type ReconcileFunc func(ctx context.Context, idempotencyKey string) (*Result, error)

// Definition registers one adapter: identity, argument schema, safety
// metadata, and the invocation function.
type Definition struct {
	Tool            string
	Description     string
	Schema          Schema
	Classification  Classification
	Idempotent      bool
	SafeToInterrupt bool
	// Timeout is the maximum wall-clock budget per invocation. Zero means
	// the registry default (60s).
	Timeout time.Duration
	// CompensationTool is the inverse operation invoked during rollback, or
	// empty when the adapter declares none.
	CompensationTool string
	Invoke           InvokeFunc
	Reconcile        ReconcileFunc
}

// DefaultTimeout applies when a definition leaves Timeout zero.
const DefaultTimeout = 60 * time.Second

// EffectiveTimeout returns the wall-clock budget for this adapter.
func (d *Definition) EffectiveTimeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return DefaultTimeout
}

// Package store defines the persisted projection of runs, steps, approvals
// and run events. The audit chain is the source of truth for what happened;
// these records are the read-side projection the executor maintains and the
// APIs serve.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tejun/internal/model"
)

var (
	// ErrNotFound is returned when a run, step, approval, or runbook does
	// not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrApprovalDecided is returned when a decision races another: exactly
	// one concurrent DecideApproval call wins.
	ErrApprovalDecided = errors.New("store: approval already decided")
	// ErrLeaseHeld is returned when another executor instance owns the run.
	ErrLeaseHeld = errors.New("store: run lease held by another owner")
	// ErrLeaseLost is returned on renew/write when the caller's lease
	// expired or was taken over; the caller must abandon the run.
	ErrLeaseLost = errors.New("store: run lease lost")
)

// RunEventType enumerates the events on the per-run stream.
type RunEventType string

const (
	EventStepStarted       RunEventType = "step_started"
	EventStepFinished      RunEventType = "step_finished"
	EventApprovalRequested RunEventType = "approval_requested"
	EventApprovalResolved  RunEventType = "approval_resolved"
	EventRunTerminated     RunEventType = "run_terminated"
)

// RunEvent is one entry on a run's ordered, cursor-addressable event stream.
type RunEvent struct {
	Cursor  int64          `json:"cursor"`
	RunID   uuid.UUID      `json:"run_id"`
	Type    RunEventType   `json:"type"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}

// InvocationIntent brackets a non-idempotent adapter call: written before the
// call (state intent), confirmed after (state confirmed). On restart an
// unconfirmed intent means the outcome is unknown.
type InvocationIntent struct {
	Key       string    `json:"key"`
	RunID     uuid.UUID `json:"run_id"`
	StepIndex int       `json:"step_index"`
	Confirmed bool      `json:"confirmed"`
	CreatedAt time.Time `json:"created_at"`
}

// RunStore persists runs, steps, approvals, run events, leases, and
// invocation intents. Implementations must be serializable, offer
// at-least-once durability, and read-your-writes within a tenant. Writes to a
// single run are serialized by the executor holding its lease.
type RunStore interface {
	// CreateRun persists a new run. When idempotencyKey is non-empty and a
	// run was already created under it, the existing run is returned with
	// created=false.
	CreateRun(ctx context.Context, run model.Run, idempotencyKey string) (stored model.Run, created bool, err error)
	LoadRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	// SaveRun overwrites the run projection. The store rejects status
	// transitions that are not legal per the run state machine, and keeps
	// CancelRequested set once any writer has set it.
	SaveRun(ctx context.Context, run model.Run) error
	ListRuns(ctx context.Context, tenant string, limit, offset int) ([]model.Run, error)

	SaveStep(ctx context.Context, step model.Step) error
	GetStep(ctx context.Context, runID uuid.UUID, index int) (model.Step, error)
	ListSteps(ctx context.Context, runID uuid.UUID) ([]model.Step, error)

	SaveApproval(ctx context.Context, a model.Approval) error
	GetApproval(ctx context.Context, id uuid.UUID) (model.Approval, error)
	// PendingApproval returns the non-terminal approval for (run, step), if
	// one exists.
	PendingApproval(ctx context.Context, runID uuid.UUID, stepIndex int) (model.Approval, error)
	// DecideApproval atomically moves a pending approval to a terminal
	// state. Returns ErrApprovalDecided if it is no longer pending.
	DecideApproval(ctx context.Context, id uuid.UUID, state model.ApprovalState, decider, comment string, at time.Time) (model.Approval, error)
	// ExpireApprovals moves pending approvals whose expiry has passed to
	// expired and returns them.
	ExpireApprovals(ctx context.Context, now time.Time) ([]model.Approval, error)

	// AcquireLease grants owner exclusive write access to the run until TTL
	// elapses. Returns ErrLeaseHeld when a live lease belongs to another
	// owner; a dead lease is taken over.
	AcquireLease(ctx context.Context, runID uuid.UUID, owner string, ttl time.Duration) error
	// RenewLease extends the caller's lease; ErrLeaseLost when it expired
	// or changed hands.
	RenewLease(ctx context.Context, runID uuid.UUID, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, runID uuid.UUID, owner string) error

	// BeginIntent records the dedup token before a non-idempotent adapter
	// call. If the key already exists, the prior intent is returned with
	// fresh=false.
	BeginIntent(ctx context.Context, intent InvocationIntent) (prior InvocationIntent, fresh bool, err error)
	ConfirmIntent(ctx context.Context, key string) error
	// CleanupIntents removes confirmed intents older than ttl.
	CleanupIntents(ctx context.Context, ttl time.Duration) (int, error)

	AppendRunEvent(ctx context.Context, ev RunEvent) (RunEvent, error)
	// RunEvents returns events with cursor >= from, in cursor order, up to
	// limit (0 means no limit). Restartable: callers resume from the last
	// cursor they saw.
	RunEvents(ctx context.Context, runID uuid.UUID, from int64, limit int) ([]RunEvent, error)
}

// RunbookStore persists immutable runbook versions.
type RunbookStore interface {
	PutRunbook(ctx context.Context, rb model.Runbook) error
	GetRunbook(ctx context.Context, tenant string, id uuid.UUID) (model.Runbook, error)
	// GetRunbookByName returns the head (latest created) version.
	GetRunbookByName(ctx context.Context, tenant, name string) (model.Runbook, error)
}

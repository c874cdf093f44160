// Package model defines the core domain types for Tejun.
//
// Types correspond directly to database tables and audit event payloads.
// Strong typing (UUIDs, time.Time, enums) is used throughout; map[string]any
// appears only where a field is genuinely free-form (run context, step args).
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunMode selects how much of the outside world a run may touch.
type RunMode string

const (
	// ModeDryRun records intended invocations without calling adapters.
	ModeDryRun RunMode = "dry-run"
	// ModeShadow executes the agent pipeline against a no-op adapter shim
	// and scores the produced intents against a reference list.
	ModeShadow RunMode = "shadow"
	// ModeExecute performs real adapter invocations.
	ModeExecute RunMode = "execute"
)

// Valid reports whether m is a known run mode.
func (m RunMode) Valid() bool {
	switch m {
	case ModeDryRun, ModeShadow, ModeExecute:
		return true
	}
	return false
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending          RunStatus = "pending"
	RunRunning          RunStatus = "running"
	RunAwaitingApproval RunStatus = "awaiting_approval"
	RunSucceeded        RunStatus = "succeeded"
	RunFailed           RunStatus = "failed"
	RunCancelled        RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal run status transition.
// The executor rejects everything else; stores enforce it with guarded updates.
func (s RunStatus) CanTransition(to RunStatus) bool {
	switch s {
	case RunPending:
		return to == RunRunning || to == RunCancelled
	case RunRunning:
		return to == RunRunning || to == RunAwaitingApproval ||
			to == RunSucceeded || to == RunFailed || to == RunCancelled
	case RunAwaitingApproval:
		return to == RunRunning || to == RunCancelled || to == RunFailed
	}
	return false
}

// RunMetrics are the monotonically non-decreasing usage totals of a run.
type RunMetrics struct {
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
	WallMS    int64   `json:"wall_ms"`
}

// Add accumulates u into the totals.
func (m *RunMetrics) Add(u Usage) {
	m.TokensIn += u.TokensIn
	m.TokensOut += u.TokensOut
	m.CostUSD += u.CostUSD
	m.WallMS += u.WallMS
}

// Run is one execution of one runbook at one policy version with one context.
// Mutated only by the executor; terminal forever.
type Run struct {
	ID             uuid.UUID      `json:"id"`
	TenantID       string         `json:"tenant_id"`
	RunbookID      uuid.UUID      `json:"runbook_id"`
	RunbookVersion string         `json:"runbook_version"`
	PolicyName     string         `json:"policy_name"`
	PolicyVersion  int            `json:"policy_version"`
	Mode           RunMode        `json:"mode"`
	Status         RunStatus      `json:"status"`
	Context        map[string]any `json:"context"`
	Caller         Subject        `json:"caller"`
	Metrics        RunMetrics     `json:"metrics"`
	// CancelRequested asks the executor to stop at the next safe point. Set
	// by the API; the executor alone moves the run to cancelled.
	CancelRequested bool `json:"cancel_requested,omitempty"`
	// ErrorCode and ErrorReason are set when the run terminates abnormally.
	ErrorCode   string        `json:"error_code,omitempty"`
	ErrorReason string        `json:"error_reason,omitempty"`
	FailedStep  *int          `json:"failed_step,omitempty"`
	Shadow      *ShadowReport `json:"shadow,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Subject identifies the principal a run executes on behalf of.
type Subject struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

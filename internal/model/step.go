package model

import (
	"time"

	"github.com/google/uuid"
)

// StepStatus is the lifecycle state of a single step within a run.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepSucceeded   StepStatus = "succeeded"
	StepFailed      StepStatus = "failed"
	StepSkipped     StepStatus = "skipped"
	StepCompensated StepStatus = "compensated"
	StepBlocked     StepStatus = "blocked"
)

// Terminal reports whether the status admits no further transitions.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped, StepCompensated, StepBlocked:
		return true
	}
	return false
}

// Usage records the resource consumption of one step (agent calls plus
// adapter invocation). WallMS is always present; token counts and cost only
// when LLM calls were involved.
type Usage struct {
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
	WallMS    int64   `json:"wall_ms"`
}

// Add accumulates another usage record into u.
func (u *Usage) Add(other Usage) {
	u.TokensIn += other.TokensIn
	u.TokensOut += other.TokensOut
	u.CostUSD += other.CostUSD
	u.WallMS += other.WallMS
}

// Step is one entry in the ordered execution of a run. Index is 0-based and
// dense within the run. Created lazily when the executor reaches it; never
// re-created after reaching a terminal status.
type Step struct {
	ID           uuid.UUID      `json:"id"`
	RunID        uuid.UUID      `json:"run_id"`
	Index        int            `json:"index"`
	Name         string         `json:"name"`
	Tool         string         `json:"tool"`
	Args         map[string]any `json:"args"`
	Status       StepStatus     `json:"status"`
	Output       map[string]any `json:"output,omitempty"`
	Error        *StepError     `json:"error,omitempty"`
	Usage        Usage          `json:"usage"`
	AttemptCount int            `json:"attempt_count"`
	// CompensatesStepIndex links a compensation step to the step it reverses.
	CompensatesStepIndex *int       `json:"compensates_step_index,omitempty"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	FinishedAt           *time.Time `json:"finished_at,omitempty"`
}

// StepError is the recorded failure of a step. Kind follows the adapter/error
// taxonomy; Reasons carries machine-readable policy reasons when relevant.
type StepError struct {
	Kind    string   `json:"kind"`
	Message string   `json:"message"`
	Reasons []string `json:"reasons,omitempty"`
}

package model

import (
	"time"

	"github.com/google/uuid"
)

// Runbook is an immutable, versioned procedure document. New versions create
// new rows; the document is never mutated after commit.
type Runbook struct {
	ID        uuid.UUID  `json:"id"`
	TenantID  string     `json:"tenant_id"`
	Name      string     `json:"name"`
	Version   string     `json:"version"`
	Document  RunbookDoc `json:"document"`
	CreatedAt time.Time  `json:"created_at"`
}

// RunbookDoc is the parsed YAML/JSON runbook document.
type RunbookDoc struct {
	Name    string         `json:"name" yaml:"name"`
	Version string         `json:"version,omitempty" yaml:"version,omitempty"`
	Steps   []StepTemplate `json:"steps" yaml:"steps"`
	// Reference is the expected step list scored against agent output in
	// shadow mode. Optional.
	Reference []StepTemplate `json:"reference,omitempty" yaml:"reference,omitempty"`
	// TimeoutMS caps the whole run's wall clock. Zero means unbounded
	// (policy may still cap it).
	TimeoutMS int `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// StepTemplate is one authored step. Either Tool+Args are set explicitly or
// Prompt carries a natural-language description for the toolcaller.
type StepTemplate struct {
	Name            string         `json:"name" yaml:"name"`
	Tool            string         `json:"tool,omitempty" yaml:"tool,omitempty"`
	Args            map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
	Prompt          string         `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	ContinueOnError bool           `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`
	Compensates     string         `json:"compensates,omitempty" yaml:"compensates,omitempty"`
	TimeoutMS       int            `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

package model

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalState is the lifecycle state of an approval request.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalDenied   ApprovalState = "denied"
	ApprovalExpired  ApprovalState = "expired"
)

// Terminal reports whether the state admits no further transitions.
func (s ApprovalState) Terminal() bool { return s != ApprovalPending }

// Approval is a human decision gate for one step of one run.
// At most one non-terminal approval exists per (run, step).
type Approval struct {
	ID          uuid.UUID `json:"id"`
	RunID       uuid.UUID `json:"run_id"`
	TenantID    string    `json:"tenant_id"`
	StepIndex   int       `json:"step_index"`
	RequestedBy string    `json:"requested_by"`
	Reason      string    `json:"reason"`
	// RequiredRoles restricts who may decide; empty means any subject.
	RequiredRoles []string `json:"required_roles,omitempty"`
	// AllowSelf disables the four-eyes rule for this approval.
	AllowSelf bool          `json:"allow_self,omitempty"`
	State     ApprovalState `json:"state"`
	Decider   string        `json:"decider,omitempty"`
	Comment   string        `json:"comment,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	DecidedAt *time.Time    `json:"decided_at,omitempty"`
}

package model

import "time"

// ActorKind classifies the principal behind an audit event.
type ActorKind string

const (
	ActorUser   ActorKind = "user"
	ActorSystem ActorKind = "system"
	ActorAPI    ActorKind = "api"
)

// AuditEvent is one link in a tenant-scoped hash chain. Seq is dense and
// gap-free within a tenant; ThisHash covers every other field including
// PrevHash. Append-only: never updated or deleted.
type AuditEvent struct {
	Seq          int64          `json:"seq"`
	TS           time.Time      `json:"ts"`
	TenantID     string         `json:"tenant"`
	Actor        string         `json:"actor"`
	ActorKind    ActorKind      `json:"actor_kind"`
	Action       string         `json:"action"`
	ResourceKind string         `json:"resource_kind"`
	ResourceID   string         `json:"resource_id"`
	Payload      map[string]any `json:"payload"`
	PrevHash     string         `json:"prev_hash"`
	ThisHash     string         `json:"this_hash"`
}

// Audit actions emitted by the core. Dotted verbs, resource first.
const (
	ActionRunStarted        = "run.started"
	ActionRunSucceeded      = "run.succeeded"
	ActionRunFailed         = "run.failed"
	ActionRunCancelled      = "run.cancelled"
	ActionRunDowngraded     = "run.downgraded"
	ActionStepStarted       = "step.started"
	ActionStepSucceeded     = "step.succeeded"
	ActionStepFailed        = "step.failed"
	ActionStepBlocked       = "step.blocked"
	ActionStepSkipped       = "step.skipped"
	ActionStepCompensated   = "step.compensated"
	ActionStepWouldInvoke   = "step.would_invoke"
	ActionApprovalRequested = "approval.requested"
	ActionApprovalResolved  = "approval.resolved"
	ActionReviewDisagreed   = "review.disagreed"
	ActionShadowScored      = "shadow.scored"
	ActionPolicyActivated   = "policy.activated"
)

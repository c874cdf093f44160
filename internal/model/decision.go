package model

// Effect is the outcome of a policy or reviewer decision.
type Effect string

const (
	EffectAllow           Effect = "allow"
	EffectBlock           Effect = "block"
	EffectRequireApproval Effect = "require_approval"
)

// stricter orders effects: block > require_approval > allow.
func (e Effect) rank() int {
	switch e {
	case EffectBlock:
		return 2
	case EffectRequireApproval:
		return 1
	default:
		return 0
	}
}

// Stricter returns the stricter of two effects. Blocks win over approvals,
// approvals win over allows. Used when intersecting an LLM reviewer verdict
// with the policy evaluator's.
func (e Effect) Stricter(other Effect) Effect {
	if other.rank() > e.rank() {
		return other
	}
	return e
}

// Decision is a policy or reviewer verdict with machine-readable reasons in
// rule-firing order. Decisions are plain return values, never errors.
type Decision struct {
	Effect  Effect   `json:"decision"`
	Reasons []string `json:"reasons"`
}

// Machine-readable decision reasons. Parameterized reasons append a
// ":<detail>" suffix.
const (
	ReasonToolNotAllowed      = "tool_not_allowed"
	ReasonSchemaViolation     = "schema_violation"
	ReasonPreconditionFailed  = "precondition_failed"
	ReasonBudgetExceeded      = "budget_exceeded"
	ReasonApprovalRequired    = "approval_required"
	ReasonDestructiveTool     = "destructive_tool"
	ReasonAllowed             = "allowed"
)

// PlannedStep is a concrete (name, tool, args) candidate produced by the
// planner or toolcaller, before review.
type PlannedStep struct {
	Name string         `json:"name"`
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// ShadowReport is the comparator's score of an agent-produced step list
// against a reference list.
type ShadowReport struct {
	Match         float64           `json:"match"`
	Missing       float64           `json:"missing"`
	Hallucination float64           `json:"hallucination"`
	Steps         []ShadowStepDiff  `json:"steps,omitempty"`
}

// ShadowStepDiff is the per-step comparison detail.
type ShadowStepDiff struct {
	Name               string         `json:"name"`
	ToolMatch          bool           `json:"tool_match"`
	ArgsFieldDiff      map[string]any `json:"args_field_diff,omitempty"`
	OrderIndexAgent    int            `json:"order_index_agent"`
	OrderIndexExpected int            `json:"order_index_expected"`
}

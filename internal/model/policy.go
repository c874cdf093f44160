package model

import "time"

// Policy is a named, versioned policy document. Exactly one version is active
// per tenant at any instant; older versions are retained for audit. Runs
// capture the full document at start, so later activations never retro-change
// a run's decisions.
type Policy struct {
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	Active    bool      `json:"active"`
	Document  PolicyDoc `json:"document"`
	CreatedAt time.Time `json:"created_at"`
}

// PolicyDoc is the parsed policy document.
type PolicyDoc struct {
	Roles         []string            `json:"roles" yaml:"roles"`
	ToolAllowlist map[string][]string `json:"tool_allowlist" yaml:"tool_allowlist"`
	Budgets       Budgets             `json:"budgets" yaml:"budgets"`
	ApprovalRules []ApprovalRule      `json:"approval_rules,omitempty" yaml:"approval_rules,omitempty"`
	Preconditions []Precondition      `json:"preconditions,omitempty" yaml:"preconditions,omitempty"`
	// FailFast terminates the run on the first blocked step. Default true;
	// set to false to skip blocked steps and continue.
	FailFast *bool `json:"fail_fast,omitempty" yaml:"fail_fast,omitempty"`
	// RetryUnknownOutcome permits retrying a non-idempotent adapter call whose
	// outcome after a crash could not be reconciled.
	RetryUnknownOutcome bool `json:"retry_unknown_outcome,omitempty" yaml:"retry_unknown_outcome,omitempty"`
}

// Budgets are per-run caps. Zero means uncapped.
type Budgets struct {
	MaxCostPerRunUSD float64 `json:"max_cost_per_run_usd,omitempty" yaml:"max_cost_per_run_usd,omitempty"`
	MaxTokensPerRun  int64   `json:"max_tokens_per_run,omitempty" yaml:"max_tokens_per_run,omitempty"`
	MaxWallMSPerRun  int64   `json:"max_wall_ms_per_run,omitempty" yaml:"max_wall_ms_per_run,omitempty"`
}

// ApprovalRule forces human approval for tools matching ToolGlob.
type ApprovalRule struct {
	ToolGlob      string   `json:"tool_glob" yaml:"tool_glob"`
	RequiresRoles []string `json:"requires_roles,omitempty" yaml:"requires_roles,omitempty"`
	// Quorum is the number of approving deciders. A single decision resolves
	// every approval, so only 0 (meaning 1) and 1 are accepted; validation
	// rejects anything higher.
	Quorum        int `json:"quorum,omitempty" yaml:"quorum,omitempty"`
	ExpirySeconds int `json:"expiry_seconds,omitempty" yaml:"expiry_seconds,omitempty"`
	// AllowSelf disables the four-eyes rule for this tool glob.
	AllowSelf bool `json:"allow_self,omitempty" yaml:"allow_self,omitempty"`
}

// PrecondOp is a precondition comparison operator.
type PrecondOp string

const (
	OpEq      PrecondOp = "eq"
	OpNeq     PrecondOp = "neq"
	OpIn      PrecondOp = "in"
	OpNotIn   PrecondOp = "not_in"
	OpMatches PrecondOp = "matches"
	OpLT      PrecondOp = "lt"
	OpLTE     PrecondOp = "lte"
	OpGT      PrecondOp = "gt"
	OpGTE     PrecondOp = "gte"
)

// Precondition is a declarative predicate evaluated against the run context
// and step args. A failing predicate blocks the step.
type Precondition struct {
	Name       string      `json:"name" yaml:"name"`
	Expression PrecondExpr `json:"expression" yaml:"expression"`
}

// PrecondExpr addresses a value by dotted path. Paths beginning with "args."
// resolve against the step's args; everything else against the run context.
type PrecondExpr struct {
	Path  string    `json:"path" yaml:"path"`
	Op    PrecondOp `json:"op" yaml:"op"`
	Value any       `json:"value" yaml:"value"`
}

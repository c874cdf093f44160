package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tejun/internal/adapter"
	"github.com/ashita-ai/tejun/internal/model"
)

func adminDoc() model.PolicyDoc {
	return model.PolicyDoc{
		Roles: []string{"Admin", "Viewer"},
		ToolAllowlist: map[string][]string{
			"Admin":  {"tracker.*", "cluster.scale"},
			"Viewer": {"tracker.read"},
		},
	}
}

func writeDef(tool string) *adapter.Definition {
	return &adapter.Definition{
		Tool:           tool,
		Classification: adapter.ClassWrite,
		Schema: adapter.Schema{
			Fields:   map[string]adapter.Field{"title": {Type: "string"}, "body": {Type: "string"}},
			Required: []string{"title"},
		},
	}
}

func TestEvaluateAllow(t *testing.T) {
	e := NewEvaluator(DefaultBlock)
	d := e.Evaluate(Input{
		Subject: model.Subject{ID: "alice", Roles: []string{"Admin"}},
		Tool:    "tracker.create_issue",
		Args:    map[string]any{"title": "X"},
		Def:     writeDef("tracker.create_issue"),
	}, adminDoc())

	assert.Equal(t, model.EffectAllow, d.Effect)
	assert.Equal(t, []string{model.ReasonAllowed}, d.Reasons)
}

func TestEvaluateBlocksToolNotAllowed(t *testing.T) {
	e := NewEvaluator(DefaultBlock)
	d := e.Evaluate(Input{
		Subject: model.Subject{ID: "bob", Roles: []string{"Viewer"}},
		Tool:    "tracker.create_issue",
		Args:    map[string]any{"title": "X"},
		Def:     writeDef("tracker.create_issue"),
	}, adminDoc())

	assert.Equal(t, model.EffectBlock, d.Effect)
	assert.Contains(t, d.Reasons, model.ReasonToolNotAllowed)
}

func TestEvaluateSchemaViolationCarriesPointer(t *testing.T) {
	e := NewEvaluator(DefaultBlock)
	d := e.Evaluate(Input{
		Subject: model.Subject{ID: "alice", Roles: []string{"Admin"}},
		Tool:    "tracker.create_issue",
		Args:    map[string]any{"body": "no title"},
		Def:     writeDef("tracker.create_issue"),
	}, adminDoc())

	assert.Equal(t, model.EffectBlock, d.Effect)
	assert.Contains(t, d.Reasons, "schema_violation:/title")
}

func TestEvaluatePreconditions(t *testing.T) {
	doc := adminDoc()
	doc.Preconditions = []model.Precondition{
		{Name: "prod-only", Expression: model.PrecondExpr{Path: "env", Op: model.OpEq, Value: "prod"}},
		{Name: "small-batch", Expression: model.PrecondExpr{Path: "args.batch", Op: model.OpLTE, Value: 10}},
	}
	e := NewEvaluator(DefaultBlock)
	in := Input{
		Subject:    model.Subject{ID: "alice", Roles: []string{"Admin"}},
		Tool:       "tracker.create_issue",
		Args:       map[string]any{"title": "X", "batch": float64(5)},
		RunContext: map[string]any{"env": "prod"},
		Def: &adapter.Definition{
			Tool: "tracker.create_issue",
			Schema: adapter.Schema{Fields: map[string]adapter.Field{
				"title": {Type: "string"}, "batch": {Type: "number"},
			}},
		},
	}
	assert.Equal(t, model.EffectAllow, e.Evaluate(in, doc).Effect)

	in.RunContext = map[string]any{"env": "staging"}
	d := e.Evaluate(in, doc)
	assert.Equal(t, model.EffectBlock, d.Effect)
	assert.Contains(t, d.Reasons, "precondition_failed:prod-only")

	in.RunContext = map[string]any{"env": "prod"}
	in.Args["batch"] = float64(50)
	d = e.Evaluate(in, doc)
	assert.Contains(t, d.Reasons, "precondition_failed:small-batch")
}

func TestEvaluateBudgets(t *testing.T) {
	doc := adminDoc()
	doc.Budgets = model.Budgets{MaxCostPerRunUSD: 1.0, MaxTokensPerRun: 1000}
	e := NewEvaluator(DefaultBlock)

	d := e.Evaluate(Input{
		Subject:  model.Subject{ID: "alice", Roles: []string{"Admin"}},
		Tool:     "tracker.create_issue",
		Args:     map[string]any{"title": "X"},
		Totals:   model.RunMetrics{CostUSD: 0.9},
		Estimate: model.Usage{CostUSD: 0.2},
		Def:      writeDef("tracker.create_issue"),
	}, doc)

	assert.Equal(t, model.EffectBlock, d.Effect)
	assert.Contains(t, d.Reasons, "budget_exceeded:max_cost_per_run_usd")
}

func TestEvaluateDestructiveRequiresApproval(t *testing.T) {
	doc := adminDoc()
	doc.ToolAllowlist["Admin"] = append(doc.ToolAllowlist["Admin"], "cluster.drain_node")
	e := NewEvaluator(DefaultBlock)

	d := e.Evaluate(Input{
		Subject: model.Subject{ID: "alice", Roles: []string{"Admin"}},
		Tool:    "cluster.drain_node",
		Args:    map[string]any{"node": "n1"},
		Def: &adapter.Definition{
			Tool:           "cluster.drain_node",
			Classification: adapter.ClassDestructive,
			Schema:         adapter.Schema{Fields: map[string]adapter.Field{"node": {Type: "string"}}},
		},
	}, doc)

	assert.Equal(t, model.EffectRequireApproval, d.Effect)
	assert.Contains(t, d.Reasons, model.ReasonDestructiveTool)
}

func TestEvaluateApprovalRuleByGlob(t *testing.T) {
	doc := adminDoc()
	doc.ApprovalRules = []model.ApprovalRule{{ToolGlob: "cluster.*", ExpirySeconds: 600}}
	e := NewEvaluator(DefaultBlock)

	d := e.Evaluate(Input{
		Subject: model.Subject{ID: "alice", Roles: []string{"Admin"}},
		Tool:    "cluster.scale",
		Args:    map[string]any{"deployment": "api", "replicas": 3},
		Def: &adapter.Definition{
			Tool:           "cluster.scale",
			Classification: adapter.ClassWrite,
			Schema: adapter.Schema{Fields: map[string]adapter.Field{
				"deployment": {Type: "string"}, "replicas": {Type: "integer"},
			}},
		},
	}, doc)

	assert.Equal(t, model.EffectRequireApproval, d.Effect)
	assert.Contains(t, d.Reasons, model.ReasonApprovalRequired)
}

func TestBlocksWinOverApprovals(t *testing.T) {
	doc := adminDoc()
	doc.ApprovalRules = []model.ApprovalRule{{ToolGlob: "tracker.*"}}
	e := NewEvaluator(DefaultBlock)

	// Viewer has no allowlist match: block must win over the approval rule.
	d := e.Evaluate(Input{
		Subject: model.Subject{ID: "bob", Roles: []string{"Viewer"}},
		Tool:    "tracker.create_issue",
		Args:    map[string]any{"title": "X"},
		Def:     writeDef("tracker.create_issue"),
	}, doc)

	assert.Equal(t, model.EffectBlock, d.Effect)
	assert.Equal(t, model.ReasonToolNotAllowed, d.Reasons[0])
	assert.Contains(t, d.Reasons, model.ReasonApprovalRequired)
}

func TestDefaultAllowOnlyForUnknownTools(t *testing.T) {
	e := NewEvaluator(DefaultAllow)
	doc := adminDoc()

	// Tool unknown to every rule: allowed by POLICY_DEFAULT_ACTION=allow.
	d := e.Evaluate(Input{
		Subject: model.Subject{ID: "bob", Roles: []string{"Viewer"}},
		Tool:    "weather.report",
		Args:    map[string]any{},
	}, doc)
	assert.Equal(t, model.EffectAllow, d.Effect)

	// Tool known to the policy but not granted to this role: still blocked.
	d = e.Evaluate(Input{
		Subject: model.Subject{ID: "bob", Roles: []string{"Viewer"}},
		Tool:    "cluster.scale",
		Args:    map[string]any{},
	}, doc)
	assert.Equal(t, model.EffectBlock, d.Effect)
}

func TestValidateRejectsNonTrailingWildcard(t *testing.T) {
	doc := adminDoc()
	doc.ToolAllowlist["Admin"] = []string{"*.create_issue"}
	err := Validate(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing segment")
}

func TestValidateRejectsMultiDeciderQuorum(t *testing.T) {
	doc := adminDoc()
	doc.ApprovalRules = []model.ApprovalRule{{ToolGlob: "cluster.*", Quorum: 2}}
	err := Validate(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quorum")

	// Zero means the default of one; both pass.
	doc.ApprovalRules = []model.ApprovalRule{{ToolGlob: "cluster.*"}}
	require.NoError(t, Validate(doc))
	doc.ApprovalRules = []model.ApprovalRule{{ToolGlob: "cluster.*", Quorum: 1}}
	require.NoError(t, Validate(doc))
}

func TestParsePolicyYAML(t *testing.T) {
	doc := []byte(`
roles: [Admin, Viewer]
tool_allowlist:
  Admin: ["tracker.*"]
  Viewer: ["tracker.read"]
budgets:
  max_cost_per_run_usd: 5.0
approval_rules:
  - tool_glob: "cluster.*"
    expiry_seconds: 900
preconditions:
  - name: prod-only
    expression: {path: env, op: eq, value: prod}
`)
	pd, err := Parse(doc)
	require.NoError(t, err)
	assert.Equal(t, 5.0, pd.Budgets.MaxCostPerRunUSD)
	assert.Len(t, pd.ApprovalRules, 1)
	assert.Equal(t, model.OpEq, pd.Preconditions[0].Expression.Op)
}

func TestMemoryStoreVersioningAndActivation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	p1, err := s.Put(ctx, "t1", "default", adminDoc())
	require.NoError(t, err)
	assert.Equal(t, 1, p1.Version)

	active, err := s.Active(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, active.Version)

	doc2 := adminDoc()
	doc2.Budgets.MaxCostPerRunUSD = 2
	p2, err := s.Put(ctx, "t1", "default", doc2)
	require.NoError(t, err)
	assert.Equal(t, 2, p2.Version)

	// Still v1 until activated.
	active, err = s.Active(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, active.Version)

	require.NoError(t, s.Activate(ctx, "t1", "default", 2))
	active, err = s.Active(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)

	// Older versions are retained for audit.
	old, err := s.Get(ctx, "t1", "default", 1)
	require.NoError(t, err)
	assert.Equal(t, float64(0), old.Document.Budgets.MaxCostPerRunUSD)
}

package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/gobwas/glob"

	"github.com/ashita-ai/tejun/internal/adapter"
	"github.com/ashita-ai/tejun/internal/model"
)

// DefaultAction is the verdict for tools no policy rule knows about
// (POLICY_DEFAULT_ACTION).
type DefaultAction string

const (
	DefaultBlock DefaultAction = "block"
	DefaultAllow DefaultAction = "allow"
)

// Input is everything one gate decision depends on. Totals are the run's
// accumulated metrics; Estimate is a bounded upper estimate of the step about
// to execute. Def is nil when the tool is not registered.
type Input struct {
	Subject    model.Subject
	Tool       string
	Args       map[string]any
	RunContext map[string]any
	Totals     model.RunMetrics
	Estimate   model.Usage
	Def        *adapter.Definition
}

// Evaluator applies the deterministic decision procedure: allowlist, schema,
// preconditions, budgets, approval rules. Blocks win over approvals, approvals
// win over allows; reasons accumulate in rule-firing order.
type Evaluator struct {
	defaultAction DefaultAction
}

// NewEvaluator creates an evaluator with the configured default action.
func NewEvaluator(defaultAction DefaultAction) *Evaluator {
	if defaultAction == "" {
		defaultAction = DefaultBlock
	}
	return &Evaluator{defaultAction: defaultAction}
}

// Evaluate decides one step against a policy snapshot. It never returns an
// error: malformed inputs are blocks with machine-readable reasons.
func (e *Evaluator) Evaluate(in Input, doc model.PolicyDoc) model.Decision {
	effect := model.EffectAllow
	var reasons []string

	fire := func(eff model.Effect, reason string) {
		effect = effect.Stricter(eff)
		reasons = append(reasons, reason)
	}

	// 1. Allowlist.
	if !e.toolAllowed(in.Subject.Roles, in.Tool, doc) {
		if e.defaultAction == DefaultAllow && !e.toolKnown(in.Tool, doc) {
			// Unknown to every rule and the operator opted into allow-by-default.
		} else {
			fire(model.EffectBlock, model.ReasonToolNotAllowed)
		}
	}

	// 2. Adapter schema.
	if in.Def != nil {
		if v := in.Def.Schema.Validate(in.Args); v != nil {
			fire(model.EffectBlock, fmt.Sprintf("%s:%s", model.ReasonSchemaViolation, v.Pointer))
		}
	}

	// 3. Preconditions.
	for _, pc := range doc.Preconditions {
		if !evalPrecondition(pc, in.RunContext, in.Args) {
			fire(model.EffectBlock, fmt.Sprintf("%s:%s", model.ReasonPreconditionFailed, pc.Name))
		}
	}

	// 4. Budgets.
	for _, br := range budgetChecks(doc.Budgets, in.Totals, in.Estimate) {
		fire(model.EffectBlock, fmt.Sprintf("%s:%s", model.ReasonBudgetExceeded, br))
	}

	// 5. Approval rules and destructive classification.
	if in.Def != nil && in.Def.Classification == adapter.ClassDestructive {
		fire(model.EffectRequireApproval, model.ReasonDestructiveTool)
	}
	if rule := ApprovalRuleFor(doc, in.Tool); rule != nil {
		fire(model.EffectRequireApproval, model.ReasonApprovalRequired)
	}

	if effect == model.EffectAllow {
		reasons = append(reasons, model.ReasonAllowed)
	}
	return model.Decision{Effect: effect, Reasons: reasons}
}

// toolAllowed reports whether any of the subject's roles allowlists the tool.
func (e *Evaluator) toolAllowed(roles []string, tool string, doc model.PolicyDoc) bool {
	for _, role := range roles {
		for _, pattern := range doc.ToolAllowlist[role] {
			if matchToolGlob(pattern, tool) {
				return true
			}
		}
	}
	return false
}

// toolKnown reports whether any rule in the document mentions the tool at all.
func (e *Evaluator) toolKnown(tool string, doc model.PolicyDoc) bool {
	for _, patterns := range doc.ToolAllowlist {
		for _, p := range patterns {
			if matchToolGlob(p, tool) {
				return true
			}
		}
	}
	return ApprovalRuleFor(doc, tool) != nil
}

// ApprovalRuleFor returns the first approval rule matching the tool, or nil.
func ApprovalRuleFor(doc model.PolicyDoc, tool string) *model.ApprovalRule {
	for i, rule := range doc.ApprovalRules {
		if matchToolGlob(rule.ToolGlob, tool) {
			return &doc.ApprovalRules[i]
		}
	}
	return nil
}

func matchToolGlob(pattern, tool string) bool {
	g, err := glob.Compile(pattern, '.')
	if err != nil {
		return false
	}
	return g.Match(tool)
}

// budgetChecks returns the names of metrics whose cap would be exceeded by
// totals plus the step estimate. Zero caps mean uncapped.
func budgetChecks(b model.Budgets, totals model.RunMetrics, est model.Usage) []string {
	var out []string
	if b.MaxCostPerRunUSD > 0 && totals.CostUSD+est.CostUSD > b.MaxCostPerRunUSD {
		out = append(out, "max_cost_per_run_usd")
	}
	if b.MaxTokensPerRun > 0 && totals.TokensIn+totals.TokensOut+est.TokensIn+est.TokensOut > b.MaxTokensPerRun {
		out = append(out, "max_tokens_per_run")
	}
	if b.MaxWallMSPerRun > 0 && totals.WallMS+est.WallMS > b.MaxWallMSPerRun {
		out = append(out, "max_wall_ms_per_run")
	}
	return out
}

// evalPrecondition evaluates one declarative predicate. Paths beginning with
// "args." resolve against the step args, everything else against the run
// context. A missing value fails the predicate.
func evalPrecondition(pc model.Precondition, runContext, args map[string]any) bool {
	expr := pc.Expression
	var root map[string]any
	path := expr.Path
	if strings.HasPrefix(path, "args.") {
		root, path = args, strings.TrimPrefix(path, "args.")
	} else {
		root = runContext
		path = strings.TrimPrefix(path, "context.")
	}
	val, ok := lookupPath(root, path)
	if !ok {
		return false
	}

	switch expr.Op {
	case model.OpEq:
		return looseEqual(val, expr.Value)
	case model.OpNeq:
		return !looseEqual(val, expr.Value)
	case model.OpIn:
		return inList(val, expr.Value)
	case model.OpNotIn:
		return !inList(val, expr.Value)
	case model.OpMatches:
		pat, _ := expr.Value.(string)
		re, err := regexp.Compile(pat)
		if err != nil {
			return false
		}
		return re.MatchString(fmt.Sprintf("%v", val))
	case model.OpLT, model.OpLTE, model.OpGT, model.OpGTE:
		a, aok := toFloat(val)
		b, bok := toFloat(expr.Value)
		if !aok || !bok {
			return false
		}
		switch expr.Op {
		case model.OpLT:
			return a < b
		case model.OpLTE:
			return a <= b
		case model.OpGT:
			return a > b
		default:
			return a >= b
		}
	}
	return false
}

func lookupPath(m map[string]any, path string) (any, bool) {
	cur := any(m)
	for _, seg := range strings.Split(path, ".") {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = mm[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// looseEqual compares scalars with numeric coercion so YAML ints match JSON
// floats.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func inList(v, list any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if looseEqual(v, item) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

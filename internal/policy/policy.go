// Package policy parses policy documents, holds the per-tenant active
// version, and decides allow/block/require_approval for every effector call.
package policy

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/tejun/internal/errs"
	"github.com/ashita-ai/tejun/internal/model"
)

// Parse decodes and validates a policy document (YAML or JSON).
func Parse(doc []byte) (model.PolicyDoc, error) {
	var pd model.PolicyDoc
	if err := yaml.Unmarshal(doc, &pd); err != nil {
		return model.PolicyDoc{}, errs.Wrap(errs.KindValidation, "policy: parse document", err)
	}
	if err := Validate(pd); err != nil {
		return model.PolicyDoc{}, err
	}
	return pd, nil
}

// Validate checks the structural invariants of a policy document.
func Validate(pd model.PolicyDoc) error {
	roles := make(map[string]bool, len(pd.Roles))
	for _, r := range pd.Roles {
		if strings.TrimSpace(r) == "" {
			return errs.New(errs.KindValidation, "policy: empty role name")
		}
		roles[r] = true
	}

	for role, patterns := range pd.ToolAllowlist {
		if !roles[role] {
			return errs.Newf(errs.KindValidation, "policy: allowlist references undeclared role %q", role)
		}
		for _, p := range patterns {
			if err := validateToolGlob(p); err != nil {
				return errs.Newf(errs.KindValidation, "policy: allowlist for %q: %v", role, err)
			}
		}
	}

	for i, rule := range pd.ApprovalRules {
		if err := validateToolGlob(rule.ToolGlob); err != nil {
			return errs.Newf(errs.KindValidation, "policy: approval rule %d: %v", i, err)
		}
		if rule.Quorum < 0 || rule.Quorum > 1 {
			return errs.Newf(errs.KindValidation, "policy: approval rule %d: quorum must be 1", i)
		}
		if rule.ExpirySeconds < 0 {
			return errs.Newf(errs.KindValidation, "policy: approval rule %d: negative expiry", i)
		}
	}

	seen := make(map[string]bool, len(pd.Preconditions))
	for _, pc := range pd.Preconditions {
		if strings.TrimSpace(pc.Name) == "" {
			return errs.New(errs.KindValidation, "policy: precondition without a name")
		}
		if seen[pc.Name] {
			return errs.Newf(errs.KindValidation, "policy: duplicate precondition %q", pc.Name)
		}
		seen[pc.Name] = true
		if pc.Expression.Path == "" {
			return errs.Newf(errs.KindValidation, "policy: precondition %q: empty path", pc.Name)
		}
		switch pc.Expression.Op {
		case model.OpEq, model.OpNeq, model.OpIn, model.OpNotIn, model.OpMatches,
			model.OpLT, model.OpLTE, model.OpGT, model.OpGTE:
		default:
			return errs.Newf(errs.KindValidation, "policy: precondition %q: unknown op %q", pc.Name, pc.Expression.Op)
		}
	}

	if pd.Budgets.MaxCostPerRunUSD < 0 || pd.Budgets.MaxTokensPerRun < 0 || pd.Budgets.MaxWallMSPerRun < 0 {
		return errs.New(errs.KindValidation, "policy: negative budget cap")
	}
	return nil
}

// validateToolGlob enforces the allowlist grammar: dotted segments, with the
// '*' wildcard permitted only as the whole trailing segment (or the entire
// pattern).
func validateToolGlob(p string) error {
	if p == "" {
		return fmt.Errorf("empty tool glob")
	}
	if p == "*" {
		return nil
	}
	segs := strings.Split(p, ".")
	for i, seg := range segs {
		if seg == "*" {
			if i != len(segs)-1 {
				return fmt.Errorf("wildcard only allowed in trailing segment: %q", p)
			}
			continue
		}
		if seg == "" || strings.Contains(seg, "*") {
			return fmt.Errorf("malformed tool glob %q", p)
		}
	}
	if _, err := glob.Compile(p, '.'); err != nil {
		return fmt.Errorf("compile tool glob %q: %w", p, err)
	}
	return nil
}

// Marshal re-encodes a document as canonical YAML for storage.
func Marshal(pd model.PolicyDoc) ([]byte, error) {
	out, err := yaml.Marshal(pd)
	if err != nil {
		return nil, fmt.Errorf("policy: marshal document: %w", err)
	}
	return out, nil
}

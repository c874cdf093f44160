// Package shadow scores an agent-produced step list against a reference list
// without producing side effects. The comparator never calls adapters.
package shadow

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ashita-ai/tejun/internal/model"
)

// templatePattern matches {{placeholder}} segments inside reference string
// values; a placeholder matches any non-empty substring of the actual value.
var templatePattern = regexp.MustCompile(`\{\{[^}]*\}\}`)

// Compare scores agent list A against reference list R.
//
//	match         = aligned steps whose tool matches and whose reference args
//	                are a subset of the agent args, over |R|
//	missing       = reference tools absent from A anywhere, over |R|
//	hallucination = agent tools absent from R anywhere, over |A|
func Compare(agent, reference []model.PlannedStep) model.ShadowReport {
	refLen := max(len(reference), 1)
	agentLen := max(len(agent), 1)

	matched := 0
	diffs := make([]model.ShadowStepDiff, 0, len(reference))
	for i, ref := range reference {
		diff := model.ShadowStepDiff{
			Name:               ref.Name,
			OrderIndexExpected: i,
			OrderIndexAgent:    agentIndex(agent, ref.Tool),
		}
		if i < len(agent) && agent[i].Tool == ref.Tool {
			diff.ToolMatch = true
			fieldDiff := argsDiff(ref.Args, agent[i].Args)
			if len(fieldDiff) == 0 {
				matched++
			} else {
				diff.ArgsFieldDiff = fieldDiff
			}
		}
		diffs = append(diffs, diff)
	}

	missing := 0
	for _, ref := range reference {
		if agentIndex(agent, ref.Tool) < 0 {
			missing++
		}
	}

	hallucinated := 0
	for _, a := range agent {
		if refIndex(reference, a.Tool) < 0 {
			hallucinated++
		}
	}

	return model.ShadowReport{
		Match:         float64(matched) / float64(refLen),
		Missing:       float64(missing) / float64(refLen),
		Hallucination: float64(hallucinated) / float64(agentLen),
		Steps:         diffs,
	}
}

// argsDiff returns the expected keys whose values are absent or unequal in
// actual, mapped to {"expected": ..., "actual": ...}. String comparison is
// template-aware.
func argsDiff(expected, actual map[string]any) map[string]any {
	var diff map[string]any
	for k, want := range expected {
		got, ok := actual[k]
		if ok && valueMatches(want, got) {
			continue
		}
		if diff == nil {
			diff = make(map[string]any)
		}
		if !ok {
			diff[k] = map[string]any{"expected": want, "actual": nil}
		} else {
			diff[k] = map[string]any{"expected": want, "actual": got}
		}
	}
	return diff
}

// valueMatches compares one expected value against the actual one. Strings
// with {{...}} placeholders template-match; everything else compares by
// canonical formatting.
func valueMatches(expected, actual any) bool {
	es, eok := expected.(string)
	as, aok := actual.(string)
	if eok && aok {
		if templatePattern.MatchString(es) {
			return templateMatch(es, as)
		}
		return es == as
	}
	return fmt.Sprintf("%v", expected) == fmt.Sprintf("%v", actual)
}

// templateMatch converts a {{placeholder}} template into an anchored regexp
// and matches the actual string against it.
func templateMatch(template, actual string) bool {
	var b strings.Builder
	b.WriteString("^")
	rest := template
	for {
		loc := templatePattern.FindStringIndex(rest)
		if loc == nil {
			b.WriteString(regexp.QuoteMeta(rest))
			break
		}
		b.WriteString(regexp.QuoteMeta(rest[:loc[0]]))
		b.WriteString(".+")
		rest = rest[loc[1]:]
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(actual)
}

func agentIndex(agent []model.PlannedStep, tool string) int {
	for i, a := range agent {
		if a.Tool == tool {
			return i
		}
	}
	return -1
}

func refIndex(reference []model.PlannedStep, tool string) int {
	for i, r := range reference {
		if r.Tool == tool {
			return i
		}
	}
	return -1
}

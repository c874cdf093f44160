package agent

import (
	"context"
	"fmt"

	"github.com/ashita-ai/tejun/internal/errs"
	"github.com/ashita-ai/tejun/internal/model"
	"github.com/ashita-ai/tejun/internal/policy"
)

// StubPlanner materializes the document's explicit tool+args pairs verbatim.
// Prompt-only steps pass through with an empty tool; the toolcaller resolves
// them later (or fails, in stub mode).
type StubPlanner struct{}

func (StubPlanner) Plan(_ context.Context, doc model.RunbookDoc, _ map[string]any, _ []string) (Plan, error) {
	steps := make([]model.PlannedStep, 0, len(doc.Steps))
	for _, s := range doc.Steps {
		steps = append(steps, model.PlannedStep{Name: s.Name, Tool: s.Tool, Args: s.Args})
	}
	return Plan{Steps: steps}, nil
}

// StubToolcaller passes explicit tool+args through with full confidence. It
// cannot resolve prompt-only steps; those need the LLM toolcaller.
type StubToolcaller struct{}

func (StubToolcaller) Call(_ context.Context, step model.StepTemplate, _ map[string]any, _ []string) (ToolCall, error) {
	if step.Tool == "" {
		return ToolCall{}, errs.Newf(errs.KindAgentMalformed,
			"agent: stub toolcaller cannot resolve prompt-only step %q", step.Name)
	}
	return ToolCall{
		Tool:       step.Tool,
		Args:       step.Args,
		Confidence: 1.0,
		Rationale:  fmt.Sprintf("explicit tool %s from runbook", step.Tool),
	}, nil
}

// StubReviewer delegates to the policy evaluator verbatim.
type StubReviewer struct {
	Eval *policy.Evaluator
}

func (r StubReviewer) Review(_ context.Context, in ReviewInput) (Review, error) {
	return Review{Decision: r.Eval.Evaluate(in.Policy, in.Doc)}, nil
}

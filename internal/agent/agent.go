// Package agent defines the planner, toolcaller, and reviewer roles of the
// pipeline. Each role has a deterministic stub implementation and an LLM
// implementation; the executor only sees the interfaces.
package agent

import (
	"context"

	"github.com/ashita-ai/tejun/internal/model"
	"github.com/ashita-ai/tejun/internal/policy"
)

// Plan is the planner's output: an ordered candidate step list plus the usage
// accrued producing it.
type Plan struct {
	Steps []model.PlannedStep
	Usage model.Usage
}

// ToolCall is the toolcaller's refinement of one pending step.
type ToolCall struct {
	Tool       string
	Args       map[string]any
	Confidence float64
	Rationale  string
	Usage      model.Usage
}

// ReviewInput is everything the reviewer needs for one gate decision: the
// policy evaluator's input plus the policy snapshot it decides against.
type ReviewInput struct {
	Policy policy.Input
	Doc    model.PolicyDoc
}

// Review is the reviewer's verdict. When an LLM reviewer is active, LLM holds
// its raw verdict and Disagreed reports whether it differed from the policy
// evaluator; the executor audits disagreements. Decision is always the final,
// authoritative verdict.
type Review struct {
	Decision  model.Decision
	LLM       *model.Decision
	Disagreed bool
	Usage     model.Usage
}

// Planner turns a runbook document plus run context into an ordered candidate
// step list. The catalog is the sorted list of registered tool ids.
type Planner interface {
	Plan(ctx context.Context, doc model.RunbookDoc, runContext map[string]any, catalog []string) (Plan, error)
}

// Toolcaller resolves one pending step, possibly missing or loose on args,
// into a concrete tool and argument map.
type Toolcaller interface {
	Call(ctx context.Context, step model.StepTemplate, runContext map[string]any, catalog []string) (ToolCall, error)
}

// Reviewer produces the verdict that authorises (or refuses) an adapter
// invocation. Verdicts are return values, never errors; an error from Review
// means the reviewer itself could not run.
type Reviewer interface {
	Review(ctx context.Context, in ReviewInput) (Review, error)
}

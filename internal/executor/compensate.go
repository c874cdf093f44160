package executor

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/tejun/internal/adapter"
	"github.com/ashita-ai/tejun/internal/errs"
	"github.com/ashita-ai/tejun/internal/model"
	"github.com/ashita-ai/tejun/internal/store"
)

// compensateRun walks the steps that succeeded with a mutating classification
// before failedIndex, newest first, and invokes each adapter's declared
// inverse. Best effort: a failed compensation is recorded and logged, never
// retried, and never compensated itself.
func (e *Executor) compensateRun(ctx context.Context, run *model.Run, failedIndex int) error {
	steps, err := e.deps.Store.ListSteps(ctx, run.ID)
	if err != nil {
		return errs.Wrap(errs.KindStore, "executor: list steps for compensation", err)
	}

	nextIndex := 0
	compensated := make(map[int]bool)
	for _, s := range steps {
		if s.Index >= nextIndex {
			nextIndex = s.Index + 1
		}
		if s.CompensatesStepIndex != nil {
			compensated[*s.CompensatesStepIndex] = true
		}
	}

	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if s.Index >= failedIndex || s.Status != model.StepSucceeded ||
			s.CompensatesStepIndex != nil || compensated[s.Index] {
			continue
		}
		def, ok := e.deps.Registry.Lookup(s.Tool)
		if !ok || def.CompensationTool == "" || !def.Classification.Mutating() {
			continue
		}

		key := compensationKey(invocationKey(run.ID, s.Name, s.Args))
		res := e.deps.Registry.Invoke(ctx, def.CompensationTool, s.Args, adapter.InvocationContext{
			TenantID:       run.TenantID,
			RunID:          run.ID,
			StepIndex:      nextIndex,
			IdempotencyKey: key,
		})
		run.Metrics.Add(res.Usage)

		origIndex := s.Index
		now := e.now().UTC()
		comp := model.Step{
			ID:                   uuid.New(),
			RunID:                run.ID,
			Index:                nextIndex,
			Name:                 s.Name + "-comp",
			Tool:                 def.CompensationTool,
			Args:                 s.Args,
			Status:               model.StepCompensated,
			Usage:                res.Usage,
			AttemptCount:         1,
			CompensatesStepIndex: &origIndex,
			StartedAt:            &now,
			FinishedAt:           &now,
		}
		if res.OK {
			comp.Output = res.Output
		} else {
			comp.Error = &model.StepError{Kind: string(res.Err.Kind), Message: res.Err.Message}
			e.deps.Logger.Warn("compensation failed",
				"run_id", run.ID, "step_index", origIndex, "tool", def.CompensationTool,
				"error_kind", res.Err.Kind, "error", res.Err.Message)
		}
		if err := e.deps.Store.SaveStep(ctx, comp); err != nil {
			return errs.Wrap(errs.KindStore, "executor: save compensation step", err)
		}
		nextIndex++

		if err := e.saveRun(ctx, run); err != nil {
			return err
		}
		payload := map[string]any{
			"step_index":  comp.Index,
			"compensates": origIndex,
			"tool":        comp.Tool,
			"ok":          res.OK,
		}
		if _, err := e.record(ctx, run, model.ActionStepCompensated, "step", comp.ID.String(), payload, nil); err != nil {
			return err
		}
		if _, err := e.deps.Store.AppendRunEvent(ctx, store.RunEvent{
			RunID: run.ID,
			Type:  store.EventStepFinished,
			At:    now,
			Payload: map[string]any{
				"step_index": comp.Index,
				"name":       comp.Name,
				"status":     string(comp.Status),
			},
		}); err != nil {
			return errs.Wrap(errs.KindStore, "executor: append compensation event", err)
		}
	}
	return nil
}

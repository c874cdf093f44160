package executor

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ashita-ai/tejun/internal/adapter"
	"github.com/ashita-ai/tejun/internal/agent"
	"github.com/ashita-ai/tejun/internal/approval"
	"github.com/ashita-ai/tejun/internal/errs"
	"github.com/ashita-ai/tejun/internal/model"
	"github.com/ashita-ai/tejun/internal/policy"
	"github.com/ashita-ai/tejun/internal/store"
)

// runFailure describes why a step failed the run. continueRun defers the
// failure: later steps still execute but the run terminates failed.
type runFailure struct {
	stepIndex   int
	code        string
	reason      string
	compensate  bool
	cancelled   bool
	continueRun bool
}

// runStep drives one step through gate, invoke, and record. The returned
// error is infrastructure failure (store, audit); step-level failures come
// back as a runFailure or, with continue_on_error, as a plain advance.
func (e *Executor) runStep(ctx context.Context, run *model.Run, doc model.RunbookDoc, pol model.PolicyDoc, invoker adapter.Invoker, index int) (*runFailure, error) {
	st, err := e.deps.Store.GetStep(ctx, run.ID, index)
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, "executor: load step", err)
	}
	if st.Status.Terminal() {
		return nil, nil
	}

	ctx, span := e.deps.Metrics.StartSpan(ctx, "executor.step",
		attribute.String("run_id", run.ID.String()),
		attribute.Int("step_index", st.Index),
		attribute.String("tool", st.Tool))
	defer span.End()

	stepStart := e.now()
	if st.StartedAt == nil {
		now := stepStart.UTC()
		st.StartedAt = &now
		if _, err := e.deps.Store.AppendRunEvent(ctx, store.RunEvent{
			RunID:   run.ID,
			Type:    store.EventStepStarted,
			At:      now,
			Payload: map[string]any{"step_index": st.Index, "name": st.Name},
		}); err != nil {
			return nil, errs.Wrap(errs.KindStore, "executor: append step event", err)
		}
	}

	tmpl := templateFor(doc, st)

	// Plan-or-pass: a step without a concrete tool goes to the toolcaller.
	if st.Tool == "" {
		call, cerr := e.deps.Toolcaller.Call(ctx, tmpl, run.Context, e.deps.Registry.Tools())
		st.Usage.Add(call.Usage)
		if cerr != nil {
			st.Status = model.StepFailed
			st.Error = &model.StepError{Kind: string(errs.KindOf(cerr)), Message: cerr.Error()}
			if ferr := e.finishStep(ctx, run, &st, model.ActionStepFailed, nil, stepStart); ferr != nil {
				return nil, ferr
			}
			return e.stepFailure(&st, tmpl, true), nil
		}
		st.Tool = call.Tool
		st.Args = call.Args
		if err := e.deps.Store.SaveStep(ctx, st); err != nil {
			return nil, errs.Wrap(errs.KindStore, "executor: save resolved step", err)
		}
	}

	def, _ := invoker.Lookup(st.Tool)
	var secretKeys map[string]bool
	estimate := model.Usage{}
	if def != nil {
		secretKeys = def.Schema.SecretKeys()
		estimate.WallMS = def.EffectiveTimeout().Milliseconds()
	}

	rev, rerr := e.deps.Reviewer.Review(ctx, agent.ReviewInput{
		Policy: policy.Input{
			Subject:    run.Caller,
			Tool:       st.Tool,
			Args:       st.Args,
			RunContext: run.Context,
			Totals:     run.Metrics,
			Estimate:   estimate,
			Def:        def,
		},
		Doc: pol,
	})
	st.Usage.Add(rev.Usage)
	if rerr != nil {
		st.Status = model.StepFailed
		st.Error = &model.StepError{Kind: string(errs.KindOf(rerr)), Message: rerr.Error()}
		if ferr := e.finishStep(ctx, run, &st, model.ActionStepFailed, secretKeys, stepStart); ferr != nil {
			return nil, ferr
		}
		return e.stepFailure(&st, tmpl, true), nil
	}
	if rev.Disagreed && rev.LLM != nil {
		if _, err := e.record(ctx, run, model.ActionReviewDisagreed, "step", st.ID.String(), map[string]any{
			"step_index":     st.Index,
			"tool":           st.Tool,
			"policy_effect":  string(rev.Decision.Effect),
			"llm_effect":     string(rev.LLM.Effect),
			"policy_reasons": rev.Decision.Reasons,
			"llm_reasons":    rev.LLM.Reasons,
		}, nil); err != nil {
			return nil, err
		}
	}

	switch rev.Decision.Effect {
	case model.EffectBlock:
		e.deps.Metrics.CountPolicyBlock(ctx, run.TenantID,
			attribute.String("tool", st.Tool))
		if failFast(pol) {
			st.Status = model.StepBlocked
			st.Error = &model.StepError{Kind: "policy", Message: "blocked by policy", Reasons: rev.Decision.Reasons}
			if err := e.finishStep(ctx, run, &st, model.ActionStepBlocked, secretKeys, stepStart); err != nil {
				return nil, err
			}
			code := "policy_blocked"
			for _, r := range rev.Decision.Reasons {
				if strings.HasPrefix(r, model.ReasonBudgetExceeded) {
					code = model.ReasonBudgetExceeded
					break
				}
			}
			return &runFailure{
				stepIndex:  st.Index,
				code:       code,
				reason:     strings.Join(rev.Decision.Reasons, ","),
				compensate: true,
			}, nil
		}
		// Without fail-fast a blocked step is skipped and the run continues.
		st.Status = model.StepSkipped
		st.Error = &model.StepError{Kind: "policy", Message: "skipped by policy", Reasons: rev.Decision.Reasons}
		if err := e.finishStep(ctx, run, &st, model.ActionStepSkipped, secretKeys, stepStart); err != nil {
			return nil, err
		}
		return nil, nil

	case model.EffectRequireApproval:
		outcome, err := e.awaitApproval(ctx, run, &st, pol, rev.Decision.Reasons)
		if errors.Is(err, approval.ErrRunCancelled) {
			return &runFailure{stepIndex: st.Index, cancelled: true}, nil
		}
		if err != nil {
			return nil, err
		}
		if outcome != model.ApprovalApproved {
			st.Status = model.StepBlocked
			st.Error = &model.StepError{Kind: "approval", Message: "approval " + string(outcome)}
			if ferr := e.finishStep(ctx, run, &st, model.ActionStepBlocked, secretKeys, stepStart); ferr != nil {
				return nil, ferr
			}
			return &runFailure{
				stepIndex: st.Index,
				code:      "approval_" + string(outcome),
				reason:    "step " + st.Name + " was not approved",
			}, nil
		}
	}

	// Dry-run records intent and succeeds without invoking.
	if run.Mode == model.ModeDryRun {
		if _, err := e.record(ctx, run, model.ActionStepWouldInvoke, "step", st.ID.String(),
			map[string]any{"step_index": st.Index, "tool": st.Tool, "args": st.Args}, secretKeys); err != nil {
			return nil, err
		}
		st.Status = model.StepSucceeded
		st.Output = map[string]any{"would_invoke": st.Tool, "args": st.Args}
		if err := e.finishStep(ctx, run, &st, model.ActionStepSucceeded, secretKeys, stepStart); err != nil {
			return nil, err
		}
		return nil, nil
	}

	res, cancelled, err := e.invokeStep(ctx, run, &st, def, invoker, pol)
	if err != nil {
		return nil, err
	}

	if res.OK {
		st.Status = model.StepSucceeded
		st.Output = res.Output
		if err := e.finishStep(ctx, run, &st, model.ActionStepSucceeded, secretKeys, stepStart); err != nil {
			return nil, err
		}
		return nil, nil
	}

	st.Status = model.StepFailed
	st.Error = &model.StepError{Kind: string(res.Err.Kind), Message: res.Err.Message}
	if err := e.finishStep(ctx, run, &st, model.ActionStepFailed, secretKeys, stepStart); err != nil {
		return nil, err
	}
	if cancelled {
		return &runFailure{stepIndex: st.Index, cancelled: true}, nil
	}
	return e.stepFailure(&st, tmpl, true), nil
}

// awaitApproval suspends the run on a pending approval and resumes with its
// terminal state.
func (e *Executor) awaitApproval(ctx context.Context, run *model.Run, st *model.Step, pol model.PolicyDoc, reasons []string) (model.ApprovalState, error) {
	rule := policy.ApprovalRuleFor(pol, st.Tool)
	a, err := e.deps.Approvals.Request(ctx, *run, st.Index, st.Tool, strings.Join(reasons, ","), rule)
	if err != nil {
		return "", err
	}
	e.deps.Metrics.CountApprovalRequested(ctx, run.TenantID,
		attribute.String("tool", st.Tool))

	if run.Status != model.RunAwaitingApproval {
		run.Status = model.RunAwaitingApproval
		if err := e.saveRun(ctx, run); err != nil {
			return "", err
		}
	}

	state, err := e.deps.Approvals.Wait(ctx, a.ID, a.ExpiresAt)
	if err != nil {
		// Shutdown or lost lease: leave the run awaiting so a restart resumes
		// the wait.
		return "", err
	}

	// A cancel request that raced the decision wins: the step never fires
	// even when the verdict was approved. cancelRequested also syncs the flag
	// into run so the save below cannot overwrite it.
	if cancelled, cerr := e.cancelRequested(ctx, run); cerr != nil {
		return "", cerr
	} else if cancelled {
		return "", approval.ErrRunCancelled
	}

	run.Status = model.RunRunning
	if err := e.saveRun(ctx, run); err != nil {
		return "", err
	}
	return state, nil
}

// invokeStep calls the adapter with retry and intent bracketing. The returned
// result is terminal for the step; cancelled reports that a cancellation
// request cut the retry loop short.
func (e *Executor) invokeStep(ctx context.Context, run *model.Run, st *model.Step, def *adapter.Definition, invoker adapter.Invoker, pol model.PolicyDoc) (adapter.Result, bool, error) {
	st.Status = model.StepRunning
	if err := e.deps.Store.SaveStep(ctx, *st); err != nil {
		return adapter.Result{}, false, errs.Wrap(errs.KindStore, "executor: save running step", err)
	}

	key := invocationKey(run.ID, st.Name, st.Args)
	ictx := adapter.InvocationContext{
		TenantID:       run.TenantID,
		RunID:          run.ID,
		StepIndex:      st.Index,
		IdempotencyKey: key,
	}
	// Only real mutations need dedup brackets; dry-run and shadow never reach
	// here with a live effector.
	needsIntent := def != nil && !def.Idempotent && def.Classification.Mutating() &&
		run.Mode == model.ModeExecute

	var res adapter.Result
	for {
		st.AttemptCount++
		if err := e.deps.Store.SaveStep(ctx, *st); err != nil {
			return adapter.Result{}, false, errs.Wrap(errs.KindStore, "executor: save attempt", err)
		}

		if needsIntent {
			reconciled, halt, err := e.beginIntent(ctx, run, st, def, pol, key)
			if err != nil {
				return adapter.Result{}, false, err
			}
			if reconciled != nil {
				res = *reconciled
				st.Usage.Add(res.Usage)
				return res, false, nil
			}
			if halt {
				return adapter.Failure(adapter.ErrUnknownOutcome,
					"outcome of interrupted invocation unknown; retry disallowed by policy"), false, nil
			}
		}

		res = invoker.Invoke(ctx, st.Tool, st.Args, ictx)
		st.Usage.Add(res.Usage)
		e.deps.Metrics.CountAdapterCall(ctx, run.TenantID,
			attribute.String("tool", st.Tool),
			attribute.Bool("ok", res.OK))

		// A timed-out call has an unknown outcome; leaving the intent
		// unconfirmed routes a later resume through reconciliation.
		if needsIntent && (res.Err == nil || res.Err.Kind != adapter.ErrTimeout) {
			if err := e.deps.Store.ConfirmIntent(ctx, key); err != nil {
				return adapter.Result{}, false, errs.Wrap(errs.KindStore, "executor: confirm intent", err)
			}
		}

		if res.OK || !res.Err.Kind.Retryable() || st.AttemptCount >= e.cfg.MaxStepAttempts {
			return res, false, nil
		}

		// Cancellation is observed between retry attempts.
		if cancelled, err := e.cancelRequested(ctx, run); err != nil {
			return adapter.Result{}, false, err
		} else if cancelled {
			return res, true, nil
		}
		if err := e.sleep(ctx, e.backoff(st.AttemptCount)); err != nil {
			return adapter.Result{}, false, err
		}
	}
}

// beginIntent writes the dedup bracket for a non-idempotent call. A non-nil
// result means the prior outcome was reconciled from the adapter; halt means
// the outcome stays unknown and policy forbids retrying.
func (e *Executor) beginIntent(ctx context.Context, run *model.Run, st *model.Step, def *adapter.Definition, pol model.PolicyDoc, key string) (*adapter.Result, bool, error) {
	prior, fresh, err := e.deps.Store.BeginIntent(ctx, store.InvocationIntent{
		Key:       key,
		RunID:     run.ID,
		StepIndex: st.Index,
	})
	if err != nil {
		return nil, false, errs.Wrap(errs.KindStore, "executor: begin intent", err)
	}
	if fresh || prior.Confirmed {
		return nil, false, nil
	}

	// An unconfirmed intent survived a crash: the call may or may not have
	// happened.
	if def.Reconcile != nil {
		r, rerr := def.Reconcile(ctx, key)
		if rerr == nil && r != nil {
			if cerr := e.deps.Store.ConfirmIntent(ctx, key); cerr != nil {
				return nil, false, errs.Wrap(errs.KindStore, "executor: confirm reconciled intent", cerr)
			}
			e.deps.Logger.Info("reconciled interrupted invocation",
				"run_id", run.ID, "step_index", st.Index, "tool", st.Tool, "ok", r.OK)
			return r, false, nil
		}
	}
	if !pol.RetryUnknownOutcome {
		return nil, true, nil
	}
	return nil, false, nil
}

// finishStep persists the terminal step, folds its usage into the run totals,
// and emits the audit event, run event, and metrics.
func (e *Executor) finishStep(ctx context.Context, run *model.Run, st *model.Step, action string, secretKeys map[string]bool, startedAt time.Time) error {
	now := e.now().UTC()
	st.FinishedAt = &now
	if err := e.deps.Store.SaveStep(ctx, *st); err != nil {
		return errs.Wrap(errs.KindStore, "executor: save terminal step", err)
	}

	run.Metrics.Add(st.Usage)
	if err := e.saveRun(ctx, run); err != nil {
		return err
	}

	payload := map[string]any{
		"step_index": st.Index,
		"name":       st.Name,
		"tool":       st.Tool,
		"args":       st.Args,
		"status":     string(st.Status),
		"attempts":   st.AttemptCount,
	}
	if st.Error != nil {
		payload["error_kind"] = st.Error.Kind
		payload["error_message"] = st.Error.Message
		if len(st.Error.Reasons) > 0 {
			payload["reasons"] = st.Error.Reasons
		}
	}
	if _, err := e.record(ctx, run, action, "step", st.ID.String(), payload, secretKeys); err != nil {
		return err
	}

	if _, err := e.deps.Store.AppendRunEvent(ctx, store.RunEvent{
		RunID: run.ID,
		Type:  store.EventStepFinished,
		At:    now,
		Payload: map[string]any{
			"step_index": st.Index,
			"name":       st.Name,
			"status":     string(st.Status),
		},
	}); err != nil {
		return errs.Wrap(errs.KindStore, "executor: append step event", err)
	}

	e.deps.Metrics.CountStepExecuted(ctx, run.TenantID,
		attribute.String("status", string(st.Status)))
	e.deps.Metrics.ObserveStepLatency(ctx,
		float64(e.now().Sub(startedAt).Milliseconds()), run.TenantID,
		attribute.String("tool", st.Tool))
	return nil
}

// stepFailure builds the failure for a failed step. With continue_on_error
// the failure is deferred: the run keeps executing but cannot succeed.
func (e *Executor) stepFailure(st *model.Step, tmpl model.StepTemplate, compensate bool) *runFailure {
	f := &runFailure{stepIndex: st.Index, compensate: compensate}
	if tmpl.ContinueOnError {
		f.continueRun = true
		f.compensate = false
	}
	if st.Error != nil {
		f.code = st.Error.Kind
		f.reason = st.Error.Message
	}
	return f
}

// backoff is exponential in the attempt number with full jitter in the upper
// half of the window.
func (e *Executor) backoff(attempt int) time.Duration {
	d := e.cfg.RetryBaseDelay << (attempt - 1)
	return time.Duration(float64(d) * (0.5 + rand.Float64()/2))
}

// templateFor finds the authored template behind a materialized step, first
// by name, then by position.
func templateFor(doc model.RunbookDoc, st model.Step) model.StepTemplate {
	for _, t := range doc.Steps {
		if t.Name == st.Name {
			return t
		}
	}
	if st.Index < len(doc.Steps) {
		return doc.Steps[st.Index]
	}
	return model.StepTemplate{Name: st.Name, Tool: st.Tool, Args: st.Args}
}

// failFast defaults to true.
func failFast(pol model.PolicyDoc) bool {
	return pol.FailFast == nil || *pol.FailFast
}

// Package executor drives runs from creation to a terminal status: durable
// resume, per-step gating, adapter invocation with retry, compensation, and
// shadow scoring. One executor instance owns a run at a time via a store
// lease; within a run, steps are strictly sequential.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ashita-ai/tejun/internal/adapter"
	"github.com/ashita-ai/tejun/internal/agent"
	"github.com/ashita-ai/tejun/internal/audit"
	"github.com/ashita-ai/tejun/internal/errs"
	"github.com/ashita-ai/tejun/internal/model"
	"github.com/ashita-ai/tejun/internal/policy"
	"github.com/ashita-ai/tejun/internal/shadow"
	"github.com/ashita-ai/tejun/internal/store"
	"github.com/ashita-ai/tejun/internal/telemetry"
)

// Config tunes one executor instance.
type Config struct {
	// Owner identifies this instance in run leases.
	Owner           string
	MaxStepAttempts int
	RetryBaseDelay  time.Duration
	LeaseTTL        time.Duration
	// DryRunForced downgrades every execute submission to dry-run.
	DryRunForced bool
}

// Deps are the collaborators an executor needs.
type Deps struct {
	Store      store.RunStore
	Runbooks   store.RunbookStore
	Policies   policy.Store
	Registry   *adapter.Registry
	Planner    agent.Planner
	Toolcaller agent.Toolcaller
	Reviewer   agent.Reviewer
	Approvals  ApprovalService
	Recorder   *audit.Recorder
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger
}

// ApprovalService is the executor's view of the approval rendezvous.
type ApprovalService interface {
	Request(ctx context.Context, run model.Run, stepIndex int, tool, reason string, rule *model.ApprovalRule) (model.Approval, error)
	Wait(ctx context.Context, approvalID uuid.UUID, expiresAt time.Time) (model.ApprovalState, error)
}

// Executor is the run state machine.
type Executor struct {
	deps Deps
	cfg  Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an executor.
func New(deps Deps, cfg Config) *Executor {
	if cfg.MaxStepAttempts < 1 {
		cfg.MaxStepAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.Owner == "" {
		cfg.Owner = uuid.NewString()
	}
	return &Executor{
		deps:  deps,
		cfg:   cfg,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// WithClock overrides the time source. Tests only.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// WithSleep overrides backoff sleeping. Tests only.
func (e *Executor) WithSleep(sleep func(context.Context, time.Duration) error) *Executor {
	e.sleep = sleep
	return e
}

// SubmitRequest describes a run to create. Exactly one of RunbookID and
// RunbookName selects the runbook; a name resolves to the head version.
type SubmitRequest struct {
	TenantID       string
	RunbookID      uuid.UUID
	RunbookName    string
	Mode           model.RunMode
	Context        map[string]any
	Caller         model.Subject
	IdempotencyKey string
}

// Submit creates a pending run bound to the runbook version and the tenant's
// active policy version at this instant. A duplicate idempotency key returns
// the previously created run with created=false.
func (e *Executor) Submit(ctx context.Context, req SubmitRequest) (model.Run, bool, error) {
	if !req.Mode.Valid() {
		return model.Run{}, false, errs.Newf(errs.KindValidation, "executor: invalid run mode %q", req.Mode)
	}

	var rb model.Runbook
	var err error
	if req.RunbookID != uuid.Nil {
		rb, err = e.deps.Runbooks.GetRunbook(ctx, req.TenantID, req.RunbookID)
	} else {
		rb, err = e.deps.Runbooks.GetRunbookByName(ctx, req.TenantID, req.RunbookName)
	}
	if err != nil {
		return model.Run{}, false, errs.Wrap(errs.KindValidation, "executor: resolve runbook", err)
	}

	pol, err := e.deps.Policies.Active(ctx, req.TenantID)
	if err != nil {
		return model.Run{}, false, err
	}

	run := model.Run{
		ID:             uuid.New(),
		TenantID:       req.TenantID,
		RunbookID:      rb.ID,
		RunbookVersion: rb.Version,
		PolicyName:     pol.Name,
		PolicyVersion:  pol.Version,
		Mode:           req.Mode,
		Status:         model.RunPending,
		Context:        req.Context,
		Caller:         req.Caller,
		CreatedAt:      e.now().UTC(),
	}
	stored, created, err := e.deps.Store.CreateRun(ctx, run, req.IdempotencyKey)
	if err != nil {
		return model.Run{}, false, errs.Wrap(errs.KindStore, "executor: create run", err)
	}
	return stored, created, nil
}

// Cancel requests cancellation. The executor observes the flag at the next
// safe point; an in-flight adapter call completes and is recorded first.
func (e *Executor) Cancel(ctx context.Context, runID uuid.UUID) error {
	run, err := e.deps.Store.LoadRun(ctx, runID)
	if err != nil {
		return errs.Wrap(errs.KindStore, "executor: load run for cancel", err)
	}
	if run.Status.Terminal() {
		return errs.Newf(errs.KindConcurrency, "executor: run %s already %s", runID, run.Status)
	}
	run.CancelRequested = true
	if err := e.deps.Store.SaveRun(ctx, run); err != nil {
		return errs.Wrap(errs.KindStore, "executor: save cancel request", err)
	}
	return nil
}

// Execute drives a run until it reaches a terminal status or the context is
// cancelled. Safe to call again after a crash: terminal steps are skipped and
// the run resumes at the first non-terminal step.
func (e *Executor) Execute(ctx context.Context, runID uuid.UUID) error {
	run, err := e.deps.Store.LoadRun(ctx, runID)
	if err != nil {
		return errs.Wrap(errs.KindStore, "executor: load run", err)
	}
	if run.Status.Terminal() {
		return nil
	}

	if err := e.deps.Store.AcquireLease(ctx, runID, e.cfg.Owner, e.cfg.LeaseTTL); err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			return errs.Wrap(errs.KindConcurrency, "executor: run owned elsewhere", err)
		}
		return errs.Wrap(errs.KindStore, "executor: acquire lease", err)
	}
	defer func() { _ = e.deps.Store.ReleaseLease(context.WithoutCancel(ctx), runID, e.cfg.Owner) }()

	// Losing the lease cancels the run context so no further writes race the
	// new owner.
	leaseCtx, cancelLease := context.WithCancel(ctx)
	defer cancelLease()
	stopRenew := e.renewLoop(leaseCtx, runID, cancelLease)
	defer stopRenew()

	err = e.drive(leaseCtx, &run)
	if err != nil {
		e.deps.Logger.Error("run execution aborted", "run_id", runID, "error", err)
	}
	return err
}

// renewLoop keeps the lease alive until stopped.
func (e *Executor) renewLoop(ctx context.Context, runID uuid.UUID, onLost func()) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(e.cfg.LeaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.deps.Store.RenewLease(ctx, runID, e.cfg.Owner, e.cfg.LeaseTTL); err != nil {
					e.deps.Logger.Warn("run lease lost", "run_id", runID, "error", err)
					onLost()
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

// drive runs the state machine while holding the lease.
func (e *Executor) drive(ctx context.Context, run *model.Run) error {
	rb, err := e.deps.Runbooks.GetRunbook(ctx, run.TenantID, run.RunbookID)
	if err != nil {
		return e.terminate(ctx, run, model.RunFailed, "store_error", "runbook not found", nil)
	}
	pol, err := e.deps.Policies.Get(ctx, run.TenantID, run.PolicyName, run.PolicyVersion)
	if err != nil {
		return e.terminate(ctx, run, model.RunFailed, "store_error", "policy snapshot not found", nil)
	}

	if run.Status == model.RunPending {
		if e.cfg.DryRunForced && run.Mode == model.ModeExecute {
			run.Mode = model.ModeDryRun
			if _, err := e.record(ctx, run, model.ActionRunDowngraded, "run", run.ID.String(),
				map[string]any{"from": string(model.ModeExecute), "to": string(model.ModeDryRun)}, nil); err != nil {
				return err
			}
		}
		run.Status = model.RunRunning
		if err := e.saveRun(ctx, run); err != nil {
			return err
		}
		if _, err := e.record(ctx, run, model.ActionRunStarted, "run", run.ID.String(),
			map[string]any{"runbook_id": run.RunbookID.String(), "runbook_version": run.RunbookVersion,
				"policy": run.PolicyName, "policy_version": run.PolicyVersion, "mode": string(run.Mode)}, nil); err != nil {
			return err
		}
		e.deps.Metrics.CountRunStarted(ctx, run.TenantID,
			attribute.String("mode", string(run.Mode)))
	}

	invoker := adapter.Invoker(e.deps.Registry)
	var shim *adapter.Shim
	if run.Mode == model.ModeShadow {
		shim = adapter.NewShim(e.deps.Registry)
		invoker = shim
	}

	steps, err := e.materialize(ctx, run, rb)
	if err != nil {
		var agentErr *errs.Error
		if errors.As(err, &agentErr) && agentErr.Kind == errs.KindAgentMalformed {
			return e.terminate(ctx, run, model.RunFailed, string(errs.KindAgentMalformed), agentErr.Msg, nil)
		}
		return e.terminate(ctx, run, model.RunFailed, "store_error", err.Error(), nil)
	}

	// A continue_on_error failure is deferred: later steps still execute but
	// the run terminates failed.
	var deferred *runFailure
	for _, st := range steps {
		if st.CompensatesStepIndex != nil {
			continue
		}
		if cancelled, err := e.cancelRequested(ctx, run); err != nil {
			return err
		} else if cancelled {
			return e.terminate(ctx, run, model.RunCancelled, "", "", nil)
		}
		if rb.Document.TimeoutMS > 0 && e.now().Sub(run.CreatedAt).Milliseconds() > int64(rb.Document.TimeoutMS) {
			idx := st.Index
			return e.terminate(ctx, run, model.RunFailed, "run_timeout", "runbook deadline exceeded", &idx)
		}

		failure, err := e.runStep(ctx, run, rb.Document, pol.Document, invoker, st.Index)
		if err != nil {
			fidx := st.Index
			return e.terminate(ctx, run, model.RunFailed, "store_error", err.Error(), &fidx)
		}
		if failure == nil {
			continue
		}
		if failure.continueRun {
			if deferred == nil {
				deferred = failure
			}
			continue
		}
		if failure.cancelled {
			return e.terminate(ctx, run, model.RunCancelled, "", "", nil)
		}
		if run.Mode == model.ModeExecute && failure.compensate {
			if err := e.compensateRun(ctx, run, failure.stepIndex); err != nil {
				e.deps.Logger.Error("compensation incomplete", "run_id", run.ID, "error", err)
			}
		}
		idx := failure.stepIndex
		return e.terminate(ctx, run, model.RunFailed, failure.code, failure.reason, &idx)
	}

	if run.Mode == model.ModeShadow && shim != nil {
		if err := e.scoreShadow(ctx, run, rb.Document, shim); err != nil {
			return err
		}
	}
	if deferred != nil {
		idx := deferred.stepIndex
		return e.terminate(ctx, run, model.RunFailed, deferred.code, deferred.reason, &idx)
	}
	return e.terminate(ctx, run, model.RunSucceeded, "", "", nil)
}

// materialize loads the run's step rows, planning and creating them on first
// entry. On resume the persisted rows are authoritative so a replanned LLM
// plan can never rewrite history.
func (e *Executor) materialize(ctx context.Context, run *model.Run, rb model.Runbook) ([]model.Step, error) {
	steps, err := e.deps.Store.ListSteps(ctx, run.ID)
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, "executor: list steps", err)
	}
	if len(steps) > 0 {
		return steps, nil
	}

	plan, err := e.deps.Planner.Plan(ctx, rb.Document, run.Context, e.deps.Registry.Tools())
	if err != nil {
		// Planning failed and produced no steps to carry its usage; fold it
		// into the run so the spend is not lost.
		run.Metrics.Add(plan.Usage)
		if serr := e.saveRun(ctx, run); serr != nil {
			return nil, serr
		}
		return nil, err
	}

	for i, ps := range plan.Steps {
		st := model.Step{
			ID:     uuid.New(),
			RunID:  run.ID,
			Index:  i,
			Name:   ps.Name,
			Tool:   ps.Tool,
			Args:   ps.Args,
			Status: model.StepPending,
		}
		// Planner usage is charged to the first step so the run totals stay
		// the sum of step usage.
		if i == 0 {
			st.Usage.Add(plan.Usage)
		}
		if err := e.deps.Store.SaveStep(ctx, st); err != nil {
			return nil, errs.Wrap(errs.KindStore, "executor: save planned step", err)
		}
		steps = append(steps, st)
	}
	return steps, nil
}

// scoreShadow compares the recorded intents against the runbook's reference
// list and attaches the report to the run.
func (e *Executor) scoreShadow(ctx context.Context, run *model.Run, doc model.RunbookDoc, shim *adapter.Shim) error {
	reference := make([]model.PlannedStep, 0, len(doc.Reference))
	for _, r := range doc.Reference {
		reference = append(reference, model.PlannedStep{Name: r.Name, Tool: r.Tool, Args: r.Args})
	}
	intents := shim.Intents()
	report := shadow.Compare(intents, reference)
	run.Shadow = &report
	if err := e.saveRun(ctx, run); err != nil {
		return err
	}

	hallucinated := 0
	for _, a := range intents {
		found := false
		for _, r := range reference {
			if r.Tool == a.Tool {
				found = true
				break
			}
		}
		if !found {
			hallucinated++
		}
	}
	e.deps.Metrics.CountHallucinations(ctx, int64(hallucinated), run.TenantID)

	_, err := e.record(ctx, run, model.ActionShadowScored, "run", run.ID.String(), map[string]any{
		"match":         report.Match,
		"missing":       report.Missing,
		"hallucination": report.Hallucination,
	}, nil)
	return err
}

// terminate moves the run to its terminal status, audits it, and emits the
// closing run event and latency metrics.
func (e *Executor) terminate(ctx context.Context, run *model.Run, status model.RunStatus, code, reason string, failedStep *int) error {
	now := e.now().UTC()
	run.Status = status
	run.CompletedAt = &now
	run.ErrorCode = code
	run.ErrorReason = reason
	run.FailedStep = failedStep
	if err := e.saveRun(ctx, run); err != nil {
		return err
	}

	action := model.ActionRunSucceeded
	switch status {
	case model.RunFailed:
		action = model.ActionRunFailed
	case model.RunCancelled:
		action = model.ActionRunCancelled
	}
	payload := map[string]any{"status": string(status)}
	if code != "" {
		payload["error_code"] = code
		payload["error_reason"] = reason
	}
	if failedStep != nil {
		payload["failed_step"] = *failedStep
	}
	if _, err := e.record(ctx, run, action, "run", run.ID.String(), payload, nil); err != nil {
		return err
	}

	if _, err := e.deps.Store.AppendRunEvent(ctx, store.RunEvent{
		RunID:   run.ID,
		Type:    store.EventRunTerminated,
		At:      now,
		Payload: payload,
	}); err != nil {
		return errs.Wrap(errs.KindStore, "executor: append terminal event", err)
	}

	e.deps.Metrics.ObserveRunLatency(ctx,
		float64(now.Sub(run.CreatedAt).Milliseconds()), run.TenantID,
		attribute.String("status", string(status)))
	e.deps.Metrics.ObserveTokenCost(ctx, run.Metrics.CostUSD, run.TenantID)

	e.deps.Logger.Info("run terminated",
		"run_id", run.ID, "status", status, "error_code", code, "steps_cost_usd", run.Metrics.CostUSD)
	return nil
}

// cancelRequested reloads the cancel flag; the API sets it without the lease.
func (e *Executor) cancelRequested(ctx context.Context, run *model.Run) (bool, error) {
	fresh, err := e.deps.Store.LoadRun(ctx, run.ID)
	if err != nil {
		return false, errs.Wrap(errs.KindStore, "executor: reload run", err)
	}
	run.CancelRequested = fresh.CancelRequested
	return fresh.CancelRequested, nil
}

func (e *Executor) saveRun(ctx context.Context, run *model.Run) error {
	if err := e.deps.Store.SaveRun(ctx, *run); err != nil {
		return errs.Wrap(errs.KindStore, "executor: save run", err)
	}
	return nil
}

// record writes an audit event attributed to the run's caller acting through
// the system.
func (e *Executor) record(ctx context.Context, run *model.Run, action, resourceKind, resourceID string, payload map[string]any, secretKeys map[string]bool) (model.AuditEvent, error) {
	return e.deps.Recorder.Record(ctx, run.TenantID, run.Caller.ID, model.ActorSystem,
		action, resourceKind, resourceID, payload, secretKeys)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("executor: sleep interrupted: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}

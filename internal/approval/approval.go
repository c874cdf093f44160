// Package approval implements the human decision rendezvous: a run suspends
// on a pending approval, a distinct subject decides it, and the waiting
// executor resumes. Decisions arriving through another process instance are
// picked up by polling, so waiters never depend on in-process delivery.
package approval

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tejun/internal/audit"
	"github.com/ashita-ai/tejun/internal/errs"
	"github.com/ashita-ai/tejun/internal/model"
	"github.com/ashita-ai/tejun/internal/store"
)

// defaultPollInterval bounds how stale a cross-process decision or cancel
// request can look to a waiter.
const defaultPollInterval = 2 * time.Second

// ErrRunCancelled reports that the waiting run's cancel flag was set while an
// approval was pending. The waiter must stop without invoking anything.
var ErrRunCancelled = errors.New("approval: run cancel requested")

// Service manages the approval lifecycle for all runs in this process.
type Service struct {
	store    store.RunStore
	recorder *audit.Recorder
	logger   *slog.Logger
	// defaultExpiry applies when the firing approval rule sets none.
	defaultExpiry time.Duration
	pollInterval  time.Duration

	mu      sync.Mutex
	waiters map[uuid.UUID]chan model.ApprovalState

	now func() time.Time
}

// NewService creates an approval service.
func NewService(st store.RunStore, recorder *audit.Recorder, logger *slog.Logger, defaultExpiry time.Duration) *Service {
	return &Service{
		store:         st,
		recorder:      recorder,
		logger:        logger,
		defaultExpiry: defaultExpiry,
		pollInterval:  defaultPollInterval,
		waiters:       make(map[uuid.UUID]chan model.ApprovalState),
		now:           time.Now,
	}
}

// WithPollInterval overrides the waiter poll interval. Tests only.
func (s *Service) WithPollInterval(d time.Duration) *Service {
	s.pollInterval = d
	return s
}

// WithClock overrides the time source. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Request creates a pending approval for (run, step) and audits it. On resume
// an existing pending approval is returned instead of creating a duplicate.
// rule may be nil when the approval was forced by a destructive classification
// rather than an explicit rule.
func (s *Service) Request(ctx context.Context, run model.Run, stepIndex int, tool, reason string, rule *model.ApprovalRule) (model.Approval, error) {
	if existing, err := s.store.PendingApproval(ctx, run.ID, stepIndex); err == nil {
		return existing, nil
	}

	now := s.now().UTC()
	expiry := s.defaultExpiry
	a := model.Approval{
		ID:          uuid.New(),
		RunID:       run.ID,
		TenantID:    run.TenantID,
		StepIndex:   stepIndex,
		RequestedBy: run.Caller.ID,
		Reason:      reason,
		State:       model.ApprovalPending,
		CreatedAt:   now,
	}
	if rule != nil {
		if rule.ExpirySeconds > 0 {
			expiry = time.Duration(rule.ExpirySeconds) * time.Second
		}
		a.RequiredRoles = rule.RequiresRoles
		a.AllowSelf = rule.AllowSelf
	}
	a.ExpiresAt = now.Add(expiry)

	if err := s.store.SaveApproval(ctx, a); err != nil {
		return model.Approval{}, errs.Wrap(errs.KindStore, "approval: save request", err)
	}

	_, err := s.recorder.Record(ctx, run.TenantID, run.Caller.ID, model.ActorSystem,
		model.ActionApprovalRequested, "approval", a.ID.String(),
		map[string]any{"run_id": run.ID.String(), "step_index": stepIndex, "tool": tool, "reason": reason, "expires_at": a.ExpiresAt},
		nil)
	if err != nil {
		return model.Approval{}, err
	}

	if _, err := s.store.AppendRunEvent(ctx, store.RunEvent{
		RunID: run.ID,
		Type:  store.EventApprovalRequested,
		At:    now,
		Payload: map[string]any{
			"approval_id": a.ID.String(),
			"step_index":  stepIndex,
			"tool":        tool,
			"expires_at":  a.ExpiresAt,
		},
	}); err != nil {
		return model.Approval{}, errs.Wrap(errs.KindStore, "approval: append run event", err)
	}

	s.logger.Info("approval requested",
		"approval_id", a.ID, "run_id", run.ID, "step_index", stepIndex, "tool", tool)
	return a, nil
}

// Decide resolves a pending approval. The decider must be a distinct subject
// from the run's caller unless the approval allows self-approval, and must
// hold one of the required roles when any are set. Exactly one of two
// concurrent decisions wins; the loser gets a concurrency error.
func (s *Service) Decide(ctx context.Context, approvalID uuid.UUID, decider model.Subject, approve bool, comment string) (model.Approval, error) {
	a, err := s.store.GetApproval(ctx, approvalID)
	if err != nil {
		return model.Approval{}, errs.Wrap(errs.KindStore, "approval: load", err)
	}
	if a.State.Terminal() {
		return model.Approval{}, errs.Newf(errs.KindConcurrency, "approval: %s already %s", approvalID, a.State)
	}
	if !a.AllowSelf && decider.ID == a.RequestedBy {
		return model.Approval{}, errs.New(errs.KindPolicy, "approval: decider must differ from requester")
	}
	if len(a.RequiredRoles) > 0 && !hasAnyRole(decider.Roles, a.RequiredRoles) {
		return model.Approval{}, errs.New(errs.KindPolicy, "approval: decider lacks a required role")
	}

	state := model.ApprovalDenied
	if approve {
		state = model.ApprovalApproved
	}
	decided, err := s.store.DecideApproval(ctx, approvalID, state, decider.ID, comment, s.now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrApprovalDecided) {
			return model.Approval{}, errs.Newf(errs.KindConcurrency, "approval: %s already decided", approvalID)
		}
		return model.Approval{}, errs.Wrap(errs.KindStore, "approval: decide", err)
	}

	if err := s.recordResolved(ctx, decided); err != nil {
		return model.Approval{}, err
	}
	s.notify(decided.ID, decided.State)
	s.logger.Info("approval decided",
		"approval_id", decided.ID, "state", decided.State, "decider", decider.ID)
	return decided, nil
}

// Wait blocks until the approval reaches a terminal state, its expiry passes,
// the run's cancel flag is set, or ctx is cancelled. An approval wait is a
// cancellation safe point: the poll observes the run's cancel request and
// returns ErrRunCancelled so the waiting step never fires. On expiry the
// service moves the approval to expired itself so a waiter never spins past
// the deadline.
func (s *Service) Wait(ctx context.Context, approvalID uuid.UUID, expiresAt time.Time) (model.ApprovalState, error) {
	ch := s.register(approvalID)
	defer s.unregister(approvalID)

	a, err := s.store.GetApproval(ctx, approvalID)
	if err != nil {
		return "", errs.Wrap(errs.KindStore, "approval: load for wait", err)
	}
	// The decision may have landed before the waiter registered.
	if a.State.Terminal() {
		return a.State, nil
	}
	if cancelled, err := s.runCancelRequested(ctx, a.RunID); err != nil {
		return "", err
	} else if cancelled {
		return "", ErrRunCancelled
	}

	expiry := time.NewTimer(time.Until(expiresAt))
	defer expiry.Stop()
	poll := time.NewTicker(s.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", errs.Wrap(errs.KindConcurrency, "approval: wait cancelled", ctx.Err())

		case state := <-ch:
			return state, nil

		case <-poll.C:
			cur, err := s.store.GetApproval(ctx, approvalID)
			if err != nil {
				return "", errs.Wrap(errs.KindStore, "approval: poll", err)
			}
			if cur.State.Terminal() {
				return cur.State, nil
			}
			if cancelled, err := s.runCancelRequested(ctx, a.RunID); err != nil {
				return "", err
			} else if cancelled {
				return "", ErrRunCancelled
			}

		case <-expiry.C:
			return s.expire(ctx, approvalID)
		}
	}
}

func (s *Service) runCancelRequested(ctx context.Context, runID uuid.UUID) (bool, error) {
	run, err := s.store.LoadRun(ctx, runID)
	if err != nil {
		return false, errs.Wrap(errs.KindStore, "approval: load run for wait", err)
	}
	return run.CancelRequested, nil
}

// Sweep expires every pending approval whose deadline passed. Run as a
// background loop; waiters in this process get notified, waiters elsewhere
// observe the state on their next poll.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	expired, err := s.store.ExpireApprovals(ctx, s.now().UTC())
	if err != nil {
		return 0, errs.Wrap(errs.KindStore, "approval: sweep", err)
	}
	for _, a := range expired {
		if err := s.recordResolved(ctx, a); err != nil {
			return 0, err
		}
		s.notify(a.ID, a.State)
	}
	if len(expired) > 0 {
		s.logger.Info("approvals expired", "count", len(expired))
	}
	return len(expired), nil
}

// expire moves one approval to expired, tolerating a concurrent decision.
func (s *Service) expire(ctx context.Context, approvalID uuid.UUID) (model.ApprovalState, error) {
	a, err := s.store.DecideApproval(ctx, approvalID, model.ApprovalExpired, "system", "expired", s.now().UTC())
	if errors.Is(err, store.ErrApprovalDecided) {
		decided, gerr := s.store.GetApproval(ctx, approvalID)
		if gerr != nil {
			return "", errs.Wrap(errs.KindStore, "approval: load after expiry race", gerr)
		}
		return decided.State, nil
	}
	if err != nil {
		return "", errs.Wrap(errs.KindStore, "approval: expire", err)
	}
	if err := s.recordResolved(ctx, a); err != nil {
		return "", err
	}
	return a.State, nil
}

func (s *Service) recordResolved(ctx context.Context, a model.Approval) error {
	actor := a.Decider
	kind := model.ActorUser
	if actor == "" || actor == "system" {
		actor, kind = "system", model.ActorSystem
	}
	_, err := s.recorder.Record(ctx, a.TenantID, actor, kind,
		model.ActionApprovalResolved, "approval", a.ID.String(),
		map[string]any{"run_id": a.RunID.String(), "step_index": a.StepIndex, "state": string(a.State), "comment": a.Comment},
		nil)
	if err != nil {
		return err
	}
	if _, err := s.store.AppendRunEvent(ctx, store.RunEvent{
		RunID: a.RunID,
		Type:  store.EventApprovalResolved,
		At:    s.now().UTC(),
		Payload: map[string]any{
			"approval_id": a.ID.String(),
			"step_index":  a.StepIndex,
			"state":       string(a.State),
		},
	}); err != nil {
		return errs.Wrap(errs.KindStore, "approval: append run event", err)
	}
	return nil
}

func (s *Service) register(id uuid.UUID) chan model.ApprovalState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan model.ApprovalState, 1)
	s.waiters[id] = ch
	return ch
}

func (s *Service) unregister(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waiters, id)
}

// notify delivers a terminal state to an in-process waiter, if any. The send
// never blocks: the channel is buffered and a missing waiter is fine.
func (s *Service) notify(id uuid.UUID, state model.ApprovalState) {
	s.mu.Lock()
	ch, ok := s.waiters[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- state:
	default:
	}
}

func hasAnyRole(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tejun/internal/model"
)

// Memory is the in-process RunStore and RunbookStore for development and
// tests. A single mutex serializes everything; run volumes in-process never
// make that the bottleneck before durability does.
type Memory struct {
	mu        sync.RWMutex
	runs      map[uuid.UUID]model.Run
	runsByKey map[string]uuid.UUID // tenant/idempotency-key -> run
	steps     map[uuid.UUID]map[int]model.Step
	approvals map[uuid.UUID]model.Approval
	leases    map[uuid.UUID]lease
	intents   map[string]InvocationIntent
	events    map[uuid.UUID][]RunEvent
	runbooks  map[uuid.UUID]model.Runbook
	now       func() time.Time
}

type lease struct {
	owner   string
	expires time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:      make(map[uuid.UUID]model.Run),
		runsByKey: make(map[string]uuid.UUID),
		steps:     make(map[uuid.UUID]map[int]model.Step),
		approvals: make(map[uuid.UUID]model.Approval),
		leases:    make(map[uuid.UUID]lease),
		intents:   make(map[string]InvocationIntent),
		events:    make(map[uuid.UUID][]RunEvent),
		runbooks:  make(map[uuid.UUID]model.Runbook),
		now:       time.Now,
	}
}

// WithClock overrides the time source. Tests only.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) CreateRun(ctx context.Context, run model.Run, idempotencyKey string) (model.Run, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idempotencyKey != "" {
		key := run.TenantID + "/" + idempotencyKey
		if id, ok := m.runsByKey[key]; ok {
			return m.runs[id], false, nil
		}
		m.runsByKey[key] = run.ID
	}
	if _, exists := m.runs[run.ID]; exists {
		return model.Run{}, false, fmt.Errorf("store: duplicate run id %s", run.ID)
	}
	m.runs[run.ID] = run
	return run, true, nil
}

func (m *Memory) LoadRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return model.Run{}, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	return run, nil
}

func (m *Memory) SaveRun(ctx context.Context, run model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.runs[run.ID]
	if !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, run.ID)
	}
	if prev.Status != run.Status && !prev.Status.CanTransition(run.Status) {
		return fmt.Errorf("store: illegal run transition %s -> %s", prev.Status, run.Status)
	}
	// A cancel request is one-way: a writer holding a stale copy cannot
	// unset it.
	if prev.CancelRequested {
		run.CancelRequested = true
	}
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) ListRuns(ctx context.Context, tenant string, limit, offset int) ([]model.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Run
	for _, r := range m.runs {
		if r.TenantID == tenant {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ActiveRunIDs returns the ids of all non-terminal runs across tenants. Used
// on startup to resume runs the previous process left in flight.
func (m *Memory) ActiveRunIDs(ctx context.Context) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []uuid.UUID
	for id, r := range m.runs {
		if !r.Status.Terminal() {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *Memory) SaveStep(ctx context.Context, step model.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[step.RunID]; !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, step.RunID)
	}
	steps := m.steps[step.RunID]
	if steps == nil {
		steps = make(map[int]model.Step)
		m.steps[step.RunID] = steps
	}
	if prev, ok := steps[step.Index]; ok && prev.Status.Terminal() && prev.Status != step.Status {
		return fmt.Errorf("store: step %s[%d] is terminal (%s)", step.RunID, step.Index, prev.Status)
	}
	steps[step.Index] = step
	return nil
}

func (m *Memory) GetStep(ctx context.Context, runID uuid.UUID, index int) (model.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	step, ok := m.steps[runID][index]
	if !ok {
		return model.Step{}, fmt.Errorf("%w: step %s[%d]", ErrNotFound, runID, index)
	}
	return step, nil
}

func (m *Memory) ListSteps(ctx context.Context, runID uuid.UUID) ([]model.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Step
	for _, s := range m.steps[runID] {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (m *Memory) SaveApproval(ctx context.Context, a model.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !a.State.Terminal() {
		for _, other := range m.approvals {
			if other.RunID == a.RunID && other.StepIndex == a.StepIndex &&
				other.ID != a.ID && !other.State.Terminal() {
				return fmt.Errorf("store: pending approval already exists for %s[%d]", a.RunID, a.StepIndex)
			}
		}
	}
	m.approvals[a.ID] = a
	return nil
}

func (m *Memory) GetApproval(ctx context.Context, id uuid.UUID) (model.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.approvals[id]
	if !ok {
		return model.Approval{}, fmt.Errorf("%w: approval %s", ErrNotFound, id)
	}
	return a, nil
}

func (m *Memory) PendingApproval(ctx context.Context, runID uuid.UUID, stepIndex int) (model.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.approvals {
		if a.RunID == runID && a.StepIndex == stepIndex && !a.State.Terminal() {
			return a, nil
		}
	}
	return model.Approval{}, fmt.Errorf("%w: pending approval for %s[%d]", ErrNotFound, runID, stepIndex)
}

func (m *Memory) DecideApproval(ctx context.Context, id uuid.UUID, state model.ApprovalState, decider, comment string, at time.Time) (model.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[id]
	if !ok {
		return model.Approval{}, fmt.Errorf("%w: approval %s", ErrNotFound, id)
	}
	if a.State != model.ApprovalPending {
		return a, ErrApprovalDecided
	}
	a.State = state
	a.Decider = decider
	a.Comment = comment
	a.DecidedAt = &at
	m.approvals[id] = a
	return a, nil
}

func (m *Memory) ExpireApprovals(ctx context.Context, now time.Time) ([]model.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []model.Approval
	for id, a := range m.approvals {
		if a.State == model.ApprovalPending && !a.ExpiresAt.After(now) {
			a.State = model.ApprovalExpired
			at := now
			a.DecidedAt = &at
			m.approvals[id] = a
			expired = append(expired, a)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].CreatedAt.Before(expired[j].CreatedAt) })
	return expired, nil
}

func (m *Memory) AcquireLease(ctx context.Context, runID uuid.UUID, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if l, ok := m.leases[runID]; ok && l.owner != owner && l.expires.After(now) {
		return fmt.Errorf("%w: %s", ErrLeaseHeld, l.owner)
	}
	m.leases[runID] = lease{owner: owner, expires: now.Add(ttl)}
	return nil
}

func (m *Memory) RenewLease(ctx context.Context, runID uuid.UUID, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	l, ok := m.leases[runID]
	if !ok || l.owner != owner || !l.expires.After(now) {
		return ErrLeaseLost
	}
	m.leases[runID] = lease{owner: owner, expires: now.Add(ttl)}
	return nil
}

func (m *Memory) ReleaseLease(ctx context.Context, runID uuid.UUID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[runID]; ok && l.owner == owner {
		delete(m.leases, runID)
	}
	return nil
}

func (m *Memory) BeginIntent(ctx context.Context, intent InvocationIntent) (InvocationIntent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prior, ok := m.intents[intent.Key]; ok {
		return prior, false, nil
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = m.now().UTC()
	}
	m.intents[intent.Key] = intent
	return intent, true, nil
}

func (m *Memory) ConfirmIntent(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[key]
	if !ok {
		return fmt.Errorf("%w: intent %s", ErrNotFound, key)
	}
	intent.Confirmed = true
	m.intents[key] = intent
	return nil
}

func (m *Memory) CleanupIntents(ctx context.Context, ttl time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-ttl)
	deleted := 0
	for key, intent := range m.intents {
		if intent.Confirmed && intent.CreatedAt.Before(cutoff) {
			delete(m.intents, key)
			deleted++
		}
	}
	return deleted, nil
}

func (m *Memory) AppendRunEvent(ctx context.Context, ev RunEvent) (RunEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.Cursor = int64(len(m.events[ev.RunID]))
	if ev.At.IsZero() {
		ev.At = m.now().UTC()
	}
	m.events[ev.RunID] = append(m.events[ev.RunID], ev)
	return ev, nil
}

func (m *Memory) RunEvents(ctx context.Context, runID uuid.UUID, from int64, limit int) ([]RunEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []RunEvent
	for _, ev := range m.events[runID] {
		if ev.Cursor < from {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) PutRunbook(ctx context.Context, rb model.Runbook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runbooks[rb.ID]; exists {
		return fmt.Errorf("store: runbook %s already committed", rb.ID)
	}
	m.runbooks[rb.ID] = rb
	return nil
}

func (m *Memory) GetRunbook(ctx context.Context, tenant string, id uuid.UUID) (model.Runbook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rb, ok := m.runbooks[id]
	if !ok || rb.TenantID != tenant {
		return model.Runbook{}, fmt.Errorf("%w: runbook %s", ErrNotFound, id)
	}
	return rb, nil
}

func (m *Memory) GetRunbookByName(ctx context.Context, tenant, name string) (model.Runbook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var head model.Runbook
	found := false
	for _, rb := range m.runbooks {
		if rb.TenantID == tenant && rb.Name == name {
			if !found || rb.CreatedAt.After(head.CreatedAt) {
				head = rb
				found = true
			}
		}
	}
	if !found {
		return model.Runbook{}, fmt.Errorf("%w: runbook %q", ErrNotFound, name)
	}
	return head, nil
}

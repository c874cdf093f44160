package approval

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tejun/internal/audit"
	"github.com/ashita-ai/tejun/internal/errs"
	"github.com/ashita-ai/tejun/internal/model"
	"github.com/ashita-ai/tejun/internal/store"
)

func newService(t *testing.T) (*Service, *store.Memory, *audit.Recorder) {
	t.Helper()
	mem := store.NewMemory()
	redactor, err := audit.NewRedactor("salt", nil)
	require.NoError(t, err)
	rec := audit.NewRecorder(audit.NewMemoryLog(), redactor)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	svc := NewService(mem, rec, logger, time.Hour)
	return svc, mem, rec
}

func testRun(t *testing.T, mem *store.Memory) model.Run {
	t.Helper()
	run := model.Run{
		ID:       uuid.New(),
		TenantID: "t1",
		Mode:     model.ModeExecute,
		Status:   model.RunRunning,
		Caller:   model.Subject{ID: "alice", Roles: []string{"Operator"}},
	}
	_, _, err := mem.CreateRun(context.Background(), run, "")
	require.NoError(t, err)
	return run
}

func TestRequestCreatesPendingApproval(t *testing.T) {
	svc, mem, rec := newService(t)
	ctx := context.Background()
	run := testRun(t, mem)

	a, err := svc.Request(ctx, run, 2, "cluster.drain_node", "destructive_tool", &model.ApprovalRule{
		ToolGlob: "cluster.*", RequiresRoles: []string{"Admin"}, ExpirySeconds: 600,
	})
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalPending, a.State)
	assert.Equal(t, "alice", a.RequestedBy)
	assert.Equal(t, []string{"Admin"}, a.RequiredRoles)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), a.ExpiresAt, 5*time.Second)

	// Resume returns the same pending approval instead of a duplicate.
	again, err := svc.Request(ctx, run, 2, "cluster.drain_node", "destructive_tool", nil)
	require.NoError(t, err)
	assert.Equal(t, a.ID, again.ID)

	events, err := rec.Log().List(ctx, "t1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.ActionApprovalRequested, events[0].Action)
}

func TestDecideEnforcesFourEyes(t *testing.T) {
	svc, mem, _ := newService(t)
	ctx := context.Background()
	run := testRun(t, mem)

	a, err := svc.Request(ctx, run, 0, "cluster.scale", "approval_required", nil)
	require.NoError(t, err)

	_, err = svc.Decide(ctx, a.ID, model.Subject{ID: "alice"}, true, "self serve")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindPolicy))

	decided, err := svc.Decide(ctx, a.ID, model.Subject{ID: "bob"}, true, "looks right")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, decided.State)
	assert.Equal(t, "bob", decided.Decider)
}

func TestDecideAllowSelf(t *testing.T) {
	svc, mem, _ := newService(t)
	ctx := context.Background()
	run := testRun(t, mem)

	a, err := svc.Request(ctx, run, 0, "tracker.create_issue", "approval_required",
		&model.ApprovalRule{ToolGlob: "tracker.*", AllowSelf: true})
	require.NoError(t, err)

	decided, err := svc.Decide(ctx, a.ID, model.Subject{ID: "alice"}, true, "")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, decided.State)
}

func TestDecideRequiresRole(t *testing.T) {
	svc, mem, _ := newService(t)
	ctx := context.Background()
	run := testRun(t, mem)

	a, err := svc.Request(ctx, run, 0, "cluster.drain_node", "destructive_tool",
		&model.ApprovalRule{ToolGlob: "cluster.*", RequiresRoles: []string{"Admin"}})
	require.NoError(t, err)

	_, err = svc.Decide(ctx, a.ID, model.Subject{ID: "bob", Roles: []string{"Operator"}}, true, "")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindPolicy))

	_, err = svc.Decide(ctx, a.ID, model.Subject{ID: "bob", Roles: []string{"Admin"}}, true, "")
	require.NoError(t, err)
}

func TestDecideSecondDeciderConflicts(t *testing.T) {
	svc, mem, _ := newService(t)
	ctx := context.Background()
	run := testRun(t, mem)

	a, err := svc.Request(ctx, run, 0, "cluster.scale", "approval_required", nil)
	require.NoError(t, err)

	_, err = svc.Decide(ctx, a.ID, model.Subject{ID: "bob"}, true, "")
	require.NoError(t, err)
	_, err = svc.Decide(ctx, a.ID, model.Subject{ID: "carol"}, false, "")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConcurrency))
}

func TestWaitResumesOnDecision(t *testing.T) {
	svc, mem, _ := newService(t)
	ctx := context.Background()
	run := testRun(t, mem)

	a, err := svc.Request(ctx, run, 0, "cluster.scale", "approval_required", nil)
	require.NoError(t, err)

	done := make(chan model.ApprovalState, 1)
	go func() {
		state, werr := svc.Wait(ctx, a.ID, a.ExpiresAt)
		if werr == nil {
			done <- state
		}
	}()

	// Give the waiter a moment to register before deciding.
	time.Sleep(20 * time.Millisecond)
	_, err = svc.Decide(ctx, a.ID, model.Subject{ID: "bob"}, false, "not now")
	require.NoError(t, err)

	select {
	case state := <-done:
		assert.Equal(t, model.ApprovalDenied, state)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not observe the decision")
	}
}

func TestWaitExpires(t *testing.T) {
	svc, mem, _ := newService(t)
	ctx := context.Background()
	run := testRun(t, mem)

	a, err := svc.Request(ctx, run, 0, "cluster.scale", "approval_required", nil)
	require.NoError(t, err)

	state, err := svc.Wait(ctx, a.ID, time.Now().Add(30*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalExpired, state)

	stored, err := mem.GetApproval(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalExpired, stored.State)
}

func TestWaitReturnsPriorDecision(t *testing.T) {
	svc, mem, _ := newService(t)
	ctx := context.Background()
	run := testRun(t, mem)

	a, err := svc.Request(ctx, run, 0, "cluster.scale", "approval_required", nil)
	require.NoError(t, err)
	_, err = svc.Decide(ctx, a.ID, model.Subject{ID: "bob"}, true, "")
	require.NoError(t, err)

	state, err := svc.Wait(ctx, a.ID, a.ExpiresAt)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, state)
}

func TestWaitStopsWhenRunCancelAlreadyRequested(t *testing.T) {
	svc, mem, _ := newService(t)
	ctx := context.Background()
	run := testRun(t, mem)

	a, err := svc.Request(ctx, run, 0, "cluster.scale", "approval_required", nil)
	require.NoError(t, err)

	run.CancelRequested = true
	require.NoError(t, mem.SaveRun(ctx, run))

	_, err = svc.Wait(ctx, a.ID, a.ExpiresAt)
	require.ErrorIs(t, err, ErrRunCancelled)

	// The approval itself stays pending; only the waiter backs off.
	stored, err := mem.GetApproval(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalPending, stored.State)
}

func TestWaitPollObservesRunCancel(t *testing.T) {
	svc, mem, _ := newService(t)
	svc.WithPollInterval(10 * time.Millisecond)
	ctx := context.Background()
	run := testRun(t, mem)

	a, err := svc.Request(ctx, run, 0, "cluster.scale", "approval_required", nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, werr := svc.Wait(ctx, a.ID, a.ExpiresAt)
		done <- werr
	}()

	time.Sleep(20 * time.Millisecond)
	run.CancelRequested = true
	require.NoError(t, mem.SaveRun(ctx, run))

	select {
	case werr := <-done:
		require.ErrorIs(t, werr, ErrRunCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not observe the cancel request")
	}
}

func TestSweepExpiresOverdueApprovals(t *testing.T) {
	svc, mem, rec := newService(t)
	ctx := context.Background()
	run := testRun(t, mem)

	a, err := svc.Request(ctx, run, 0, "cluster.scale", "approval_required",
		&model.ApprovalRule{ToolGlob: "cluster.*", ExpirySeconds: 1})
	require.NoError(t, err)

	svc.WithClock(func() time.Time { return time.Now().Add(time.Minute) })
	n, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := mem.GetApproval(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalExpired, stored.State)

	events, err := rec.Log().List(ctx, "t1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.ActionApprovalResolved, events[1].Action)
}

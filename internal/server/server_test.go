package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tejun/internal/adapter"
	"github.com/ashita-ai/tejun/internal/agent"
	"github.com/ashita-ai/tejun/internal/approval"
	"github.com/ashita-ai/tejun/internal/audit"
	"github.com/ashita-ai/tejun/internal/auth"
	"github.com/ashita-ai/tejun/internal/executor"
	"github.com/ashita-ai/tejun/internal/model"
	"github.com/ashita-ai/tejun/internal/policy"
	"github.com/ashita-ai/tejun/internal/server"
	"github.com/ashita-ai/tejun/internal/store"
)

type env struct {
	ts        *httptest.Server
	mem       *store.Memory
	policies  *policy.MemoryStore
	recorder  *audit.Recorder
	approvals *approval.Service
	exec      *executor.Executor
	jwtMgr    *auth.JWTManager
	keys      *memKeys
	tenant    string
}

// goLauncher drives submitted runs in the background, like the production app.
type goLauncher struct {
	exec   *executor.Executor
	logger *slog.Logger
	wg     sync.WaitGroup
}

func (l *goLauncher) Launch(runID uuid.UUID) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.exec.Execute(context.Background(), runID); err != nil {
			l.logger.Error("execute", "run_id", runID, "error", err)
		}
	}()
}

// memKeys is an in-process APIKeyStore for handler tests.
type memKeys struct {
	mu   sync.Mutex
	keys []model.APIKey
}

func (m *memKeys) CreateAPIKey(_ context.Context, k model.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, k)
	return nil
}

func (m *memKeys) ActiveAPIKeys(_ context.Context, tenant, subject string) ([]model.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.APIKey
	for _, k := range m.keys {
		if k.TenantID == tenant && k.Subject == subject && k.Active() {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *memKeys) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for i := range m.keys {
		if m.keys[i].ID == id {
			m.keys[i].RevokedAt = &now
		}
	}
	return nil
}

func newEnv(t *testing.T, defs ...*adapter.Definition) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	mem := store.NewMemory()
	reg := adapter.NewRegistry()
	for _, d := range defs {
		require.NoError(t, reg.Register(d))
	}
	reg.Freeze()

	redactor, err := audit.NewRedactor("salt", nil)
	require.NoError(t, err)
	rec := audit.NewRecorder(audit.NewMemoryLog(), redactor)
	approvals := approval.NewService(mem, rec, logger, 5*time.Second).
		WithPollInterval(10 * time.Millisecond)
	policies := policy.NewMemoryStore()

	exec := executor.New(executor.Deps{
		Store:      mem,
		Runbooks:   mem,
		Policies:   policies,
		Registry:   reg,
		Planner:    agent.StubPlanner{},
		Toolcaller: agent.StubToolcaller{},
		Reviewer:   agent.StubReviewer{Eval: policy.NewEvaluator(policy.DefaultBlock)},
		Approvals:  approvals,
		Recorder:   rec,
		Logger:     logger,
	}, executor.Config{
		Owner:           "test-owner",
		MaxStepAttempts: 3,
		RetryBaseDelay:  time.Millisecond,
		LeaseTTL:        time.Second,
	}).WithSleep(func(context.Context, time.Duration) error { return nil })

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	keys := &memKeys{}

	srv := server.New(server.ServerConfig{
		Runs:                mem,
		Runbooks:            mem,
		Policies:            policies,
		Executor:            exec,
		Approvals:           approvals,
		Recorder:            rec,
		Launcher:            &goLauncher{exec: exec, logger: logger},
		JWTMgr:              jwtMgr,
		APIKeys:             keys,
		Logger:              logger,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &env{
		ts:        ts,
		mem:       mem,
		policies:  policies,
		recorder:  rec,
		approvals: approvals,
		exec:      exec,
		jwtMgr:    jwtMgr,
		keys:      keys,
		tenant:    "t1",
	}
}

func (e *env) token(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	tok, _, err := e.jwtMgr.IssueToken(model.Subject{ID: subject, Roles: roles}, e.tenant)
	require.NoError(t, err)
	return tok
}

func (e *env) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		buf = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		buf = bytes.NewBuffer(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, data
}

// dataOf unwraps the response envelope into target.
func dataOf(t *testing.T, raw []byte, target any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, target))
}

func echoAdapter() *adapter.Definition {
	return &adapter.Definition{
		Tool: "test.echo",
		Schema: adapter.Schema{
			Fields:   map[string]adapter.Field{"msg": {Type: "string"}},
			Required: []string{"msg"},
		},
		Classification: adapter.ClassWrite,
		Idempotent:     true,
		Invoke: func(_ context.Context, args map[string]any, _ adapter.InvocationContext) adapter.Result {
			return adapter.Result{OK: true, Output: map[string]any{"echoed": args["msg"]}}
		},
	}
}

const echoRunbookYAML = `
name: echo-runbook
steps:
  - name: say
    tool: test.echo
    args:
      msg: hello
`

func adminPolicy() model.PolicyDoc {
	return model.PolicyDoc{
		Roles:         []string{"admin", "approver"},
		ToolAllowlist: map[string][]string{"admin": {"test.*"}},
	}
}

// seed commits the runbook and policy through the API and returns the runbook.
func (e *env) seed(t *testing.T, admin string, doc string, pol model.PolicyDoc) model.Runbook {
	t.Helper()
	resp, raw := e.do(t, http.MethodPost, "/v1/runbooks", admin, doc)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var rb model.Runbook
	dataOf(t, raw, &rb)

	resp, raw = e.do(t, http.MethodPost, "/v1/policies", admin,
		server.PutPolicyRequest{Name: "default", Document: pol})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	return rb
}

func (e *env) awaitStatus(t *testing.T, admin string, runID uuid.UUID, want model.RunStatus) server.GetRunResponse {
	t.Helper()
	var got server.GetRunResponse
	require.Eventually(t, func() bool {
		resp, raw := e.do(t, http.MethodGet, "/v1/runs/"+runID.String(), admin, nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		dataOf(t, raw, &got)
		return got.Run.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t)
	resp, _ := e.do(t, http.MethodGet, "/v1/runs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/v1/runs", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSubmitRunThroughAPI(t *testing.T) {
	e := newEnv(t, echoAdapter())
	admin := e.token(t, "alice", "admin")
	rb := e.seed(t, admin, echoRunbookYAML, adminPolicy())

	resp, raw := e.do(t, http.MethodPost, "/v1/runs", admin, server.SubmitRunRequest{
		RunbookID: &rb.ID,
		Mode:      model.ModeExecute,
		Context:   map[string]any{"service": "billing", "api_token": "super-secret"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var run server.RunView
	dataOf(t, raw, &run)

	got := e.awaitStatus(t, admin, run.ID, model.RunSucceeded)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, model.StepSucceeded, got.Steps[0].Status)

	// Secret-looking context keys come back as redaction placeholders.
	assert.Equal(t, "billing", got.Run.Context["service"])
	placeholder, ok := got.Run.Context["api_token"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, placeholder, "redacted")
}

func TestSubmitIdempotencyReplay(t *testing.T) {
	e := newEnv(t, echoAdapter())
	admin := e.token(t, "alice", "admin")
	rb := e.seed(t, admin, echoRunbookYAML, adminPolicy())

	body := server.SubmitRunRequest{RunbookID: &rb.ID, Mode: model.ModeDryRun, IdempotencyKey: "once"}
	resp, raw := e.do(t, http.MethodPost, "/v1/runs", admin, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var first server.RunView
	dataOf(t, raw, &first)

	resp, raw = e.do(t, http.MethodPost, "/v1/runs", admin, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second server.RunView
	dataOf(t, raw, &second)
	assert.Equal(t, first.ID, second.ID)
}

func TestRunIsTenantScoped(t *testing.T) {
	e := newEnv(t, echoAdapter())
	admin := e.token(t, "alice", "admin")
	rb := e.seed(t, admin, echoRunbookYAML, adminPolicy())

	resp, raw := e.do(t, http.MethodPost, "/v1/runs", admin, server.SubmitRunRequest{
		RunbookID: &rb.ID, Mode: model.ModeDryRun,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var run server.RunView
	dataOf(t, raw, &run)

	outsider, _, err := e.jwtMgr.IssueToken(model.Subject{ID: "eve", Roles: []string{"admin"}}, "t2")
	require.NoError(t, err)
	resp, _ = e.do(t, http.MethodGet, "/v1/runs/"+run.ID.String(), outsider, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRoleEnforcement(t *testing.T) {
	e := newEnv(t, echoAdapter())
	viewer := e.token(t, "vera", "viewer")
	resp, _ := e.do(t, http.MethodPost, "/v1/runs", viewer, server.SubmitRunRequest{Mode: model.ModeDryRun})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Read endpoints only need authentication.
	resp, _ = e.do(t, http.MethodGet, "/v1/runs", viewer, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubmitValidationErrors(t *testing.T) {
	e := newEnv(t)
	admin := e.token(t, "alice", "admin")

	resp, raw := e.do(t, http.MethodPost, "/v1/runs", admin, server.SubmitRunRequest{Mode: "warp"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(raw, &apiErr))
	assert.Equal(t, model.ErrCodeValidation, apiErr.Error.Code)

	resp, _ = e.do(t, http.MethodPost, "/v1/runbooks", admin, "steps: [{}]")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestApprovalDecisionThroughAPI(t *testing.T) {
	e := newEnv(t, echoAdapter())
	admin := e.token(t, "alice", "admin")
	pol := adminPolicy()
	pol.ApprovalRules = []model.ApprovalRule{{ToolGlob: "test.*", RequiresRoles: []string{"approver"}}}
	rb := e.seed(t, admin, echoRunbookYAML, pol)

	resp, raw := e.do(t, http.MethodPost, "/v1/runs", admin, server.SubmitRunRequest{
		RunbookID: &rb.ID, Mode: model.ModeExecute,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var run server.RunView
	dataOf(t, raw, &run)

	e.awaitStatus(t, admin, run.ID, model.RunAwaitingApproval)
	pending, err := e.mem.PendingApproval(context.Background(), run.ID, 0)
	require.NoError(t, err)

	// The requester cannot approve their own request.
	resp, _ = e.do(t, http.MethodPost, "/v1/approvals/"+pending.ID.String()+"/decide",
		e.token(t, "alice", "admin", "approver"), server.DecideApprovalRequest{Approve: true})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	bob := e.token(t, "bob", "approver")
	resp, raw = e.do(t, http.MethodPost, "/v1/approvals/"+pending.ID.String()+"/decide",
		bob, server.DecideApprovalRequest{Approve: true, Comment: "lgtm"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var decided model.Approval
	dataOf(t, raw, &decided)
	assert.Equal(t, model.ApprovalApproved, decided.State)

	e.awaitStatus(t, admin, run.ID, model.RunSucceeded)

	// A second decision conflicts.
	resp, _ = e.do(t, http.MethodPost, "/v1/approvals/"+pending.ID.String()+"/decide",
		bob, server.DecideApprovalRequest{Approve: false})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRunEventStream(t *testing.T) {
	e := newEnv(t, echoAdapter())
	admin := e.token(t, "alice", "admin")
	rb := e.seed(t, admin, echoRunbookYAML, adminPolicy())

	resp, raw := e.do(t, http.MethodPost, "/v1/runs", admin, server.SubmitRunRequest{
		RunbookID: &rb.ID, Mode: model.ModeExecute,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var run server.RunView
	dataOf(t, raw, &run)
	e.awaitStatus(t, admin, run.ID, model.RunSucceeded)

	// The stream replays from the start and ends at the terminator.
	resp, raw = e.do(t, http.MethodGet, "/v1/runs/"+run.ID.String()+"/events", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	body := string(raw)
	assert.Contains(t, body, "event: step_started")
	assert.Contains(t, body, "event: run_terminated")
	assert.Contains(t, body, "id: 0")

	// Resuming past the end yields an empty drained stream.
	resp, raw = e.do(t, http.MethodGet, "/v1/runs/"+run.ID.String()+"/events?cursor=100", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, string(raw))
}

func TestExportVerifiesAndImports(t *testing.T) {
	e := newEnv(t, echoAdapter())
	admin := e.token(t, "alice", "admin")
	rb := e.seed(t, admin, echoRunbookYAML, adminPolicy())

	resp, raw := e.do(t, http.MethodPost, "/v1/runs", admin, server.SubmitRunRequest{
		RunbookID: &rb.ID, Mode: model.ModeExecute,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var run server.RunView
	dataOf(t, raw, &run)
	e.awaitStatus(t, admin, run.ID, model.RunSucceeded)

	resp, raw = e.do(t, http.MethodGet, "/v1/runs/"+run.ID.String()+"/export", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var export server.RunExport
	dataOf(t, raw, &export)
	require.NotEmpty(t, export.AuditEvents)
	require.Len(t, export.Steps, 1)
	assert.Nil(t, audit.VerifyDetached(export.AuditEvents))

	// Import into a second site: stored and verified.
	other := newEnv(t, echoAdapter())
	otherAdmin := other.token(t, "alice", "admin")
	resp, raw = other.do(t, http.MethodPost, "/v1/runs/import", otherAdmin, export)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var imported server.ImportRunResponse
	dataOf(t, raw, &imported)
	assert.True(t, imported.Verified)
	assert.Equal(t, 1, imported.Steps)

	resp, _ = other.do(t, http.MethodGet, "/v1/runs/"+run.ID.String(), otherAdmin, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Importing the same run again conflicts.
	resp, _ = other.do(t, http.MethodPost, "/v1/runs/import", otherAdmin, export)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// A tampered export is rejected before anything is stored.
	tampered := export
	tampered.Run.ID = uuid.New()
	tampered.AuditEvents = append([]model.AuditEvent(nil), export.AuditEvents...)
	tampered.AuditEvents[0].Payload = map[string]any{"forged": true}
	third := newEnv(t)
	resp, raw = third.do(t, http.MethodPost, "/v1/runs/import", third.token(t, "alice", "admin"), tampered)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(raw))
}

func TestPolicyLifecycleThroughAPI(t *testing.T) {
	e := newEnv(t)
	admin := e.token(t, "alice", "admin")

	resp, raw := e.do(t, http.MethodPost, "/v1/policies", admin,
		server.PutPolicyRequest{Name: "default", Document: adminPolicy()})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var v1 model.Policy
	dataOf(t, raw, &v1)
	assert.Equal(t, 1, v1.Version)
	assert.True(t, v1.Active)

	doc2 := adminPolicy()
	doc2.Budgets.MaxCostPerRunUSD = 10
	resp, raw = e.do(t, http.MethodPost, "/v1/policies", admin,
		server.PutPolicyRequest{Name: "default", Document: doc2})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var v2 model.Policy
	dataOf(t, raw, &v2)
	assert.Equal(t, 2, v2.Version)
	assert.False(t, v2.Active)

	resp, _ = e.do(t, http.MethodPost, "/v1/policies/default/versions/2/activate", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw = e.do(t, http.MethodGet, "/v1/policies/active", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var active model.Policy
	dataOf(t, raw, &active)
	assert.Equal(t, 2, active.Version)

	// Activation is itself on the audit chain, and the chain verifies.
	resp, raw = e.do(t, http.MethodGet, "/v1/audit/verify", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var verify struct {
		Intact bool `json:"intact"`
	}
	dataOf(t, raw, &verify)
	assert.True(t, verify.Intact)

	resp, raw = e.do(t, http.MethodGet, "/v1/audit", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed struct {
		Events []model.AuditEvent `json:"events"`
	}
	dataOf(t, raw, &listed)
	require.NotEmpty(t, listed.Events)
	assert.Equal(t, model.ActionPolicyActivated, listed.Events[len(listed.Events)-1].Action)
}

func TestAPIKeyExchange(t *testing.T) {
	e := newEnv(t)
	admin := e.token(t, "alice", "admin")

	resp, raw := e.do(t, http.MethodPost, "/v1/apikeys", admin,
		server.CreateAPIKeyRequest{Subject: "ci-bot", Roles: []string{"operator"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var created server.CreateAPIKeyResponse
	dataOf(t, raw, &created)
	require.NotEmpty(t, created.APIKey)

	resp, raw = e.do(t, http.MethodPost, "/auth/token", "", server.AuthTokenRequest{
		TenantID: e.tenant, Subject: "ci-bot", APIKey: created.APIKey,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var tok server.AuthTokenResponse
	dataOf(t, raw, &tok)

	resp, _ = e.do(t, http.MethodGet, "/v1/runs", tok.Token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Wrong key fails; revoked key fails.
	resp, _ = e.do(t, http.MethodPost, "/auth/token", "", server.AuthTokenRequest{
		TenantID: e.tenant, Subject: "ci-bot", APIKey: "tjn_wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.do(t, http.MethodDelete, "/v1/apikeys/"+created.Key.ID.String(), admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/auth/token", "", server.AuthTokenRequest{
		TenantID: e.tenant, Subject: "ci-bot", APIKey: created.APIKey,
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthOpen(t *testing.T) {
	e := newEnv(t)
	resp, raw := e.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health struct {
		Status string `json:"status"`
	}
	dataOf(t, raw, &health)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestCancelRunEndpoint(t *testing.T) {
	e := newEnv(t, echoAdapter())
	admin := e.token(t, "alice", "admin")
	pol := adminPolicy()
	pol.ApprovalRules = []model.ApprovalRule{{ToolGlob: "test.*", RequiresRoles: []string{"approver"}}}
	twoSteps := `
name: two-steps
steps:
  - name: one
    tool: test.echo
    args: {msg: first}
  - name: two
    tool: test.echo
    args: {msg: second}
`
	rb := e.seed(t, admin, twoSteps, pol)

	resp, raw := e.do(t, http.MethodPost, "/v1/runs", admin, server.SubmitRunRequest{
		RunbookID: &rb.ID, Mode: model.ModeExecute,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var run server.RunView
	dataOf(t, raw, &run)

	// Parked on the first step's approval, request cancellation. The wait is
	// a cancellation safe point: the run terminates without either step
	// firing, whatever happens to the approval afterwards.
	e.awaitStatus(t, admin, run.ID, model.RunAwaitingApproval)
	pending, err := e.mem.PendingApproval(context.Background(), run.ID, 0)
	require.NoError(t, err)
	resp, _ = e.do(t, http.MethodPost, "/v1/runs/"+run.ID.String()+"/cancel", admin, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	got := e.awaitStatus(t, admin, run.ID, model.RunCancelled)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, model.StepPending, got.Steps[0].Status)
	assert.Equal(t, model.StepPending, got.Steps[1].Status)

	// A late approval resolves the orphaned request but revives nothing.
	resp, _ = e.do(t, http.MethodPost, "/v1/approvals/"+pending.ID.String()+"/decide",
		e.token(t, "bob", "approver"), server.DecideApprovalRequest{Approve: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got = e.awaitStatus(t, admin, run.ID, model.RunCancelled)
	assert.Equal(t, model.StepPending, got.Steps[0].Status)

	// Cancelling a terminal run conflicts.
	resp, _ = e.do(t, http.MethodPost, "/v1/runs/"+run.ID.String()+"/cancel", admin, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

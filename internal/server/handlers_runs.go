package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tejun/internal/audit"
	"github.com/ashita-ai/tejun/internal/executor"
	"github.com/ashita-ai/tejun/internal/model"
	"github.com/ashita-ai/tejun/internal/store"
)

// SubmitRunRequest is the body of POST /v1/runs. Exactly one of RunbookID and
// RunbookName selects the runbook.
type SubmitRunRequest struct {
	RunbookID      *uuid.UUID     `json:"runbook_id,omitempty"`
	RunbookName    string         `json:"runbook_name,omitempty"`
	Mode           model.RunMode  `json:"mode"`
	Context        map[string]any `json:"context,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// RunView is the caller-facing projection of a run: context redacted with the
// same rules applied to the audit chain.
type RunView struct {
	model.Run
	Context map[string]any `json:"context"`
}

// HandleSubmitRun handles POST /v1/runs.
func (h *Handlers) HandleSubmitRun(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req SubmitRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	sub := executor.SubmitRequest{
		TenantID:       claims.TenantID,
		RunbookName:    req.RunbookName,
		Mode:           req.Mode,
		Context:        req.Context,
		Caller:         claims.Caller(),
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.RunbookID != nil {
		sub.RunbookID = *req.RunbookID
	}

	run, created, err := h.executor.Submit(r.Context(), sub)
	if err != nil {
		writeClassified(w, r, err)
		return
	}
	if created {
		h.launcher.Launch(run.ID)
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, r, status, h.runView(run))
}

// HandleListRuns handles GET /v1/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	limit := intQuery(r, "limit", 50)
	offset := intQuery(r, "offset", 0)

	runs, err := h.runs.ListRuns(r.Context(), claims.TenantID, limit, offset)
	if err != nil {
		writeClassified(w, r, err)
		return
	}
	views := make([]RunView, 0, len(runs))
	for _, run := range runs {
		views = append(views, h.runView(run))
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"runs": views})
}

// GetRunResponse pairs the run with its steps.
type GetRunResponse struct {
	Run   RunView      `json:"run"`
	Steps []model.Step `json:"steps"`
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadTenantRun(w, r)
	if !ok {
		return
	}
	steps, err := h.runs.ListSteps(r.Context(), run.ID)
	if err != nil {
		writeClassified(w, r, err)
		return
	}
	red := h.recorder.Redactor()
	for i := range steps {
		steps[i].Args = red.RedactMap(steps[i].Args, nil)
		steps[i].Output = red.RedactMap(steps[i].Output, nil)
	}
	writeJSON(w, r, http.StatusOK, GetRunResponse{Run: h.runView(run), Steps: steps})
}

// HandleCancelRun handles POST /v1/runs/{run_id}/cancel. Cancellation is a
// request: the executor stops at the next safe point.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadTenantRun(w, r)
	if !ok {
		return
	}
	if err := h.executor.Cancel(r.Context(), run.ID); err != nil {
		writeClassified(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]any{"cancel_requested": true})
}

// HandleRunEvents handles GET /v1/runs/{run_id}/events as an SSE stream.
// Restartable: ?cursor= or the Last-Event-ID header resumes from a position.
// The stream ends once the run is terminal and all events are drained.
func (h *Handlers) HandleRunEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadTenantRun(w, r)
	if !ok {
		return
	}

	from := int64(intQuery(r, "cursor", 0))
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		if n, err := strconv.ParseInt(lastID, 10, 64); err == nil {
			from = n + 1
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// The stream outlives the server's write timeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		events, err := h.runs.RunEvents(r.Context(), run.ID, from, 0)
		if err != nil {
			h.logger.Error("run events: fetch", "run_id", run.ID, "error", err)
			return
		}
		terminated := false
		for _, ev := range events {
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("run events: marshal", "run_id", run.ID, "error", err)
				return
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Cursor, ev.Type, data)
			from = ev.Cursor + 1
			if ev.Type == store.EventRunTerminated {
				terminated = true
			}
		}
		if len(events) > 0 {
			flusher.Flush()
		}
		if terminated {
			return
		}
		// A run cancelled before it ever executed has no terminator event.
		if len(events) == 0 {
			current, err := h.runs.LoadRun(r.Context(), run.ID)
			if err == nil && current.Status.Terminal() {
				return
			}
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// RunExport is the portable archive of one run: the run row, its steps, and
// the audit events that mention it, lifted out of the tenant chain. The hash
// fields travel with the events so a recipient can re-verify them.
type RunExport struct {
	Run         model.Run          `json:"run"`
	Steps       []model.Step       `json:"steps"`
	AuditEvents []model.AuditEvent `json:"audit_events"`
}

// HandleExportRun handles GET /v1/runs/{run_id}/export.
func (h *Handlers) HandleExportRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadTenantRun(w, r)
	if !ok {
		return
	}
	if !run.Status.Terminal() {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run is not terminal")
		return
	}
	steps, err := h.runs.ListSteps(r.Context(), run.ID)
	if err != nil {
		writeClassified(w, r, err)
		return
	}
	events, err := h.runAuditEvents(r, run, steps)
	if err != nil {
		writeClassified(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, RunExport{Run: run, Steps: steps, AuditEvents: events})
}

// runAuditEvents selects the tenant-chain events belonging to one run: run
// events by resource id, step events by step id, approval events by the
// run_id in their payload.
func (h *Handlers) runAuditEvents(r *http.Request, run model.Run, steps []model.Step) ([]model.AuditEvent, error) {
	all, err := h.recorder.Log().List(r.Context(), run.TenantID, 0, 0)
	if err != nil {
		return nil, err
	}
	stepIDs := make(map[string]bool, len(steps))
	for _, st := range steps {
		stepIDs[st.ID.String()] = true
	}
	runID := run.ID.String()

	var out []model.AuditEvent
	for _, ev := range all {
		switch {
		case ev.ResourceKind == "run" && ev.ResourceID == runID:
		case ev.ResourceKind == "step" && stepIDs[ev.ResourceID]:
		case ev.Payload != nil && ev.Payload["run_id"] == runID:
		default:
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// ImportRunResponse reports what an import stored and whether the embedded
// audit slice verified.
type ImportRunResponse struct {
	RunID    uuid.UUID         `json:"run_id"`
	Steps    int               `json:"steps"`
	Verified bool              `json:"verified"`
	Audit    *audit.Divergence `json:"audit_divergence,omitempty"`
}

// HandleImportRun handles POST /v1/runs/import. The embedded audit slice must
// verify before anything is stored; the events themselves are never appended
// to the local chain — they remain the exporting site's testimony.
func (h *Handlers) HandleImportRun(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req RunExport
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Run.TenantID != claims.TenantID {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "run belongs to another tenant")
		return
	}
	if !req.Run.Status.Terminal() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "imported run must be terminal")
		return
	}
	if div := audit.VerifyDetached(req.AuditEvents); div != nil {
		writeJSON(w, r, http.StatusUnprocessableEntity, ImportRunResponse{
			RunID: req.Run.ID, Verified: false, Audit: div,
		})
		return
	}

	if _, err := h.runs.LoadRun(r.Context(), req.Run.ID); err == nil {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run already exists")
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		writeClassified(w, r, err)
		return
	}
	if _, _, err := h.runs.CreateRun(r.Context(), req.Run, ""); err != nil {
		writeClassified(w, r, err)
		return
	}
	for _, st := range req.Steps {
		if err := h.runs.SaveStep(r.Context(), st); err != nil {
			writeClassified(w, r, err)
			return
		}
	}
	writeJSON(w, r, http.StatusCreated, ImportRunResponse{
		RunID: req.Run.ID, Steps: len(req.Steps), Verified: true,
	})
}

// loadTenantRun loads the run in the path and enforces tenant isolation. A
// foreign run is indistinguishable from a missing one.
func (h *Handlers) loadTenantRun(w http.ResponseWriter, r *http.Request) (model.Run, bool) {
	claims := ClaimsFromContext(r.Context())
	id, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid run id")
		return model.Run{}, false
	}
	run, err := h.runs.LoadRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && run.TenantID != claims.TenantID) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		return model.Run{}, false
	}
	if err != nil {
		writeClassified(w, r, err)
		return model.Run{}, false
	}
	return run, true
}

func (h *Handlers) runView(run model.Run) RunView {
	return RunView{Run: run, Context: h.recorder.Redactor().RedactMap(run.Context, nil)}
}

func intQuery(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/tejun/internal/model"
	"github.com/ashita-ai/tejun/internal/store"
)

// DecideApprovalRequest is the body of POST /v1/approvals/{approval_id}/decide.
type DecideApprovalRequest struct {
	Approve bool   `json:"approve"`
	Comment string `json:"comment,omitempty"`
}

// HandleDecideApproval handles POST /v1/approvals/{approval_id}/decide.
// Exactly one concurrent decision wins; losers get the winning record back
// with a conflict status.
func (h *Handlers) HandleDecideApproval(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	a, ok := h.loadTenantApproval(w, r)
	if !ok {
		return
	}

	var req DecideApprovalRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	decided, err := h.approvals.Decide(r.Context(), a.ID, claims.Caller(), req.Approve, req.Comment)
	if errors.Is(err, store.ErrApprovalDecided) {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "approval already decided")
		return
	}
	if err != nil {
		writeClassified(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, decided)
}

// HandleGetApproval handles GET /v1/approvals/{approval_id}.
func (h *Handlers) HandleGetApproval(w http.ResponseWriter, r *http.Request) {
	a, ok := h.loadTenantApproval(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

func (h *Handlers) loadTenantApproval(w http.ResponseWriter, r *http.Request) (model.Approval, bool) {
	claims := ClaimsFromContext(r.Context())
	id, err := uuid.Parse(r.PathValue("approval_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid approval id")
		return model.Approval{}, false
	}
	a, err := h.runs.GetApproval(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && a.TenantID != claims.TenantID) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "approval not found")
		return model.Approval{}, false
	}
	if err != nil {
		writeClassified(w, r, err)
		return model.Approval{}, false
	}
	return a, true
}

package server

import (
	"net/http"
	"strconv"

	"github.com/ashita-ai/tejun/internal/model"
)

// PutPolicyRequest is the body of POST /v1/policies. The store assigns the
// version (previous head + 1).
type PutPolicyRequest struct {
	Name     string          `json:"name"`
	Document model.PolicyDoc `json:"document"`
}

// HandlePutPolicy handles POST /v1/policies.
func (h *Handlers) HandlePutPolicy(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req PutPolicyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "name is required")
		return
	}

	p, err := h.policies.Put(r.Context(), claims.TenantID, req.Name, req.Document)
	if err != nil {
		writeClassified(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, p)
}

// HandleActivatePolicy handles
// POST /v1/policies/{name}/versions/{version}/activate. Activation is an
// atomic swap: runs started afterwards see the new version, in-flight runs
// keep their captured snapshot.
func (h *Handlers) HandleActivatePolicy(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	name := r.PathValue("name")
	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil || version < 1 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid policy version")
		return
	}

	if err := h.policies.Activate(r.Context(), claims.TenantID, name, version); err != nil {
		writeClassified(w, r, err)
		return
	}

	if _, err := h.recorder.Record(r.Context(), claims.TenantID, claims.Subject, model.ActorUser,
		model.ActionPolicyActivated, "policy", name,
		map[string]any{"name": name, "version": version}, nil); err != nil {
		writeClassified(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"name": name, "version": version, "active": true})
}

// HandleActivePolicy handles GET /v1/policies/active.
func (h *Handlers) HandleActivePolicy(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	p, err := h.policies.Active(r.Context(), claims.TenantID)
	if err != nil {
		writeClassified(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

// HandleListAudit handles GET /v1/audit: the tenant's chain from ?from_seq.
func (h *Handlers) HandleListAudit(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	fromSeq := int64(intQuery(r, "from_seq", 0))
	limit := intQuery(r, "limit", 0)

	events, err := h.recorder.Log().List(r.Context(), claims.TenantID, fromSeq, limit)
	if err != nil {
		writeClassified(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"events": events})
}

// HandleVerifyAudit handles GET /v1/audit/verify: replays the tenant's whole
// chain and reports the first divergence, if any.
func (h *Handlers) HandleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	div, err := h.recorder.VerifyTenant(r.Context(), claims.TenantID)
	if err != nil {
		writeClassified(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"intact":     div == nil,
		"divergence": div,
	})
}

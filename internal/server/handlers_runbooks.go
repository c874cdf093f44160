package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tejun/internal/model"
	"github.com/ashita-ai/tejun/internal/runbook"
	"github.com/ashita-ai/tejun/internal/store"
)

// HandleCommitRunbook handles POST /v1/runbooks. The body is the runbook
// document itself, YAML or JSON. Each commit creates a new immutable version.
func (h *Handlers) HandleCommitRunbook(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes))
	if err != nil {
		handleDecodeError(w, r, err)
		return
	}
	doc, err := runbook.Parse(body)
	if err != nil {
		writeClassified(w, r, err)
		return
	}

	rb := model.Runbook{
		ID:        uuid.New(),
		TenantID:  claims.TenantID,
		Name:      doc.Name,
		Version:   doc.Version,
		Document:  doc,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.runbooks.PutRunbook(r.Context(), rb); err != nil {
		writeClassified(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, rb)
}

// HandleGetRunbook handles GET /v1/runbooks/{runbook_id}. The path segment is
// a runbook id, or a name to resolve the head version.
func (h *Handlers) HandleGetRunbook(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	ref := r.PathValue("runbook_id")

	var (
		rb  model.Runbook
		err error
	)
	if id, perr := uuid.Parse(ref); perr == nil {
		rb, err = h.runbooks.GetRunbook(r.Context(), claims.TenantID, id)
	} else {
		rb, err = h.runbooks.GetRunbookByName(r.Context(), claims.TenantID, ref)
	}
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "runbook not found")
		return
	}
	if err != nil {
		writeClassified(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rb)
}

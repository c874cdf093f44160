package server

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tejun/internal/approval"
	"github.com/ashita-ai/tejun/internal/audit"
	"github.com/ashita-ai/tejun/internal/auth"
	"github.com/ashita-ai/tejun/internal/executor"
	"github.com/ashita-ai/tejun/internal/model"
	"github.com/ashita-ai/tejun/internal/policy"
	"github.com/ashita-ai/tejun/internal/store"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	runs                store.RunStore
	runbooks            store.RunbookStore
	policies            policy.Store
	executor            *executor.Executor
	approvals           *approval.Service
	recorder            *audit.Recorder
	launcher            Launcher
	jwtMgr              *auth.JWTManager
	apiKeys             APIKeyStore
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): APIKeys.
type HandlersDeps struct {
	Runs                store.RunStore
	Runbooks            store.RunbookStore
	Policies            policy.Store
	Executor            *executor.Executor
	Approvals           *approval.Service
	Recorder            *audit.Recorder
	Launcher            Launcher
	JWTMgr              *auth.JWTManager
	APIKeys             APIKeyStore
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		runs:                d.Runs,
		runbooks:            d.Runbooks,
		policies:            d.Policies,
		executor:            d.Executor,
		approvals:           d.Approvals,
		recorder:            d.Recorder,
		launcher:            d.Launcher,
		jwtMgr:              d.JWTMgr,
		apiKeys:             d.APIKeys,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        h.version,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	})
}

// AuthTokenRequest is the body of POST /auth/token.
type AuthTokenRequest struct {
	TenantID string `json:"tenant_id"`
	Subject  string `json:"subject"`
	APIKey   string `json:"api_key"`
}

// AuthTokenResponse carries a freshly issued JWT.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleAuthToken handles POST /auth/token: exchanges a managed API key for
// a JWT carrying the key's roles.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.TenantID == "" || req.Subject == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "tenant_id, subject, and api_key are required")
		return
	}
	if h.apiKeys == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "api key exchange is not enabled")
		return
	}

	keys, err := h.apiKeys.ActiveAPIKeys(r.Context(), req.TenantID, req.Subject)
	if err != nil {
		h.logger.Error("auth: list api keys", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal error")
		return
	}

	var matched *model.APIKey
	for i := range keys {
		valid, verr := auth.VerifyAPIKey(req.APIKey, keys[i].KeyHash)
		if verr != nil || !valid {
			continue
		}
		matched = &keys[i]
		break
	}
	// Keep failure timing flat whether or not the subject has keys.
	if len(keys) == 0 {
		auth.DummyVerify()
	}
	if matched == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, exp, err := h.jwtMgr.IssueToken(model.Subject{ID: matched.Subject, Roles: matched.Roles}, matched.TenantID)
	if err != nil {
		h.logger.Error("auth: issue token", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal error")
		return
	}
	writeJSON(w, r, http.StatusOK, AuthTokenResponse{Token: token, ExpiresAt: exp})
}

// CreateAPIKeyRequest is the body of POST /v1/apikeys.
type CreateAPIKeyRequest struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles"`
}

// CreateAPIKeyResponse returns the key material exactly once, at creation.
type CreateAPIKeyResponse struct {
	Key    model.APIKey `json:"key"`
	APIKey string       `json:"api_key"`
}

// HandleCreateAPIKey handles POST /v1/apikeys (admin).
func (h *Handlers) HandleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req CreateAPIKeyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Subject == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "subject is required")
		return
	}

	raw, err := generateAPIKey()
	if err != nil {
		h.logger.Error("apikeys: generate", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal error")
		return
	}
	hash, err := auth.HashAPIKey(raw)
	if err != nil {
		h.logger.Error("apikeys: hash", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal error")
		return
	}

	key := model.APIKey{
		ID:        uuid.New(),
		TenantID:  claims.TenantID,
		Subject:   req.Subject,
		Roles:     req.Roles,
		KeyHash:   hash,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.apiKeys.CreateAPIKey(r.Context(), key); err != nil {
		h.logger.Error("apikeys: create", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal error")
		return
	}
	writeJSON(w, r, http.StatusCreated, CreateAPIKeyResponse{Key: key, APIKey: raw})
}

// HandleRevokeAPIKey handles DELETE /v1/apikeys/{key_id} (admin).
func (h *Handlers) HandleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("key_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid key id")
		return
	}
	if err := h.apiKeys.RevokeAPIKey(r.Context(), id); err != nil {
		writeClassified(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"revoked": true})
}

// generateAPIKey returns a fresh opaque key with a recognizable prefix.
func generateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("server: generate api key: %w", err)
	}
	return "tjn_" + base64.RawURLEncoding.EncodeToString(buf), nil
}

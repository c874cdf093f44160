package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/tejun/internal/approval"
	"github.com/ashita-ai/tejun/internal/audit"
	"github.com/ashita-ai/tejun/internal/auth"
	"github.com/ashita-ai/tejun/internal/executor"
	"github.com/ashita-ai/tejun/internal/model"
	"github.com/ashita-ai/tejun/internal/policy"
	"github.com/ashita-ai/tejun/internal/store"
)

// APIKeyStore persists managed API keys. Satisfied by *storage.DB; nil
// disables the /auth/token exchange and key administration.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, k model.APIKey) error
	ActiveAPIKeys(ctx context.Context, tenant, subject string) ([]model.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// Launcher schedules the execution of a submitted run. The server submits and
// returns; the launcher drives the run to a terminal status in the background.
type Launcher interface {
	Launch(runID uuid.UUID)
}

// Server is the Tejun HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): APIKeys, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Runs      store.RunStore
	Runbooks  store.RunbookStore
	Policies  policy.Store
	Executor  *executor.Executor
	Approvals *approval.Service
	Recorder  *audit.Recorder
	Launcher  Launcher
	JWTMgr    *auth.JWTManager
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	APIKeys   APIKeyStore
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Runs:                cfg.Runs,
		Runbooks:            cfg.Runbooks,
		Policies:            cfg.Policies,
		Executor:            cfg.Executor,
		Approvals:           cfg.Approvals,
		Recorder:            cfg.Recorder,
		Launcher:            cfg.Launcher,
		JWTMgr:              cfg.JWTMgr,
		APIKeys:             cfg.APIKeys,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Auth endpoint (no bearer token required).
	mux.HandleFunc("POST /auth/token", h.HandleAuthToken)

	// Runs: submit, inspect, cancel, stream.
	operator := requireRole("operator", "admin")
	mux.Handle("POST /v1/runs", operator(http.HandlerFunc(h.HandleSubmitRun)))
	mux.HandleFunc("GET /v1/runs", h.HandleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
	mux.Handle("POST /v1/runs/{run_id}/cancel", operator(http.HandlerFunc(h.HandleCancelRun)))
	mux.HandleFunc("GET /v1/runs/{run_id}/events", h.HandleRunEvents)

	// Run export/import for archival and cross-site replay verification.
	mux.HandleFunc("GET /v1/runs/{run_id}/export", h.HandleExportRun)
	mux.Handle("POST /v1/runs/import", operator(http.HandlerFunc(h.HandleImportRun)))

	// Approvals.
	approver := requireRole("approver", "operator", "admin")
	mux.Handle("POST /v1/approvals/{approval_id}/decide", approver(http.HandlerFunc(h.HandleDecideApproval)))
	mux.HandleFunc("GET /v1/approvals/{approval_id}", h.HandleGetApproval)

	// Runbook authoring (immutable versions).
	author := requireRole("author", "admin")
	mux.Handle("POST /v1/runbooks", author(http.HandlerFunc(h.HandleCommitRunbook)))
	mux.HandleFunc("GET /v1/runbooks/{runbook_id}", h.HandleGetRunbook)

	// Policy authoring and activation.
	mux.Handle("POST /v1/policies", author(http.HandlerFunc(h.HandlePutPolicy)))
	mux.Handle("POST /v1/policies/{name}/versions/{version}/activate", author(http.HandlerFunc(h.HandleActivatePolicy)))
	mux.HandleFunc("GET /v1/policies/active", h.HandleActivePolicy)

	// Audit chain read and verification.
	mux.HandleFunc("GET /v1/audit", h.HandleListAudit)
	mux.HandleFunc("GET /v1/audit/verify", h.HandleVerifyAudit)

	// API key administration (admin only).
	adminOnly := requireRole("admin")
	if cfg.APIKeys != nil {
		mux.Handle("POST /v1/apikeys", adminOnly(http.HandlerFunc(h.HandleCreateAPIKey)))
		mux.Handle("DELETE /v1/apikeys/{key_id}", adminOnly(http.HandlerFunc(h.HandleRevokeAPIKey)))
	}

	// MCP StreamableHTTP transport (auth required).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	// Health (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/tejun/internal/adapter"
	"github.com/ashita-ai/tejun/internal/agent"
	"github.com/ashita-ai/tejun/internal/approval"
	"github.com/ashita-ai/tejun/internal/audit"
	"github.com/ashita-ai/tejun/internal/auth"
	"github.com/ashita-ai/tejun/internal/config"
	"github.com/ashita-ai/tejun/internal/executor"
	"github.com/ashita-ai/tejun/internal/mcp"
	"github.com/ashita-ai/tejun/internal/policy"
	"github.com/ashita-ai/tejun/internal/server"
	"github.com/ashita-ai/tejun/internal/storage"
	"github.com/ashita-ai/tejun/internal/store"
	"github.com/ashita-ai/tejun/internal/telemetry"
	"github.com/ashita-ai/tejun/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("TEJUN_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("tejun starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	metrics, err := telemetry.NewMetrics("tejun")
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	// Select the persistence layer. An empty DATABASE_URL means in-memory:
	// development and tests only, nothing survives a restart.
	var (
		runs     store.RunStore
		runbooks store.RunbookStore
		policies policy.Store
		auditLog audit.Log
		apiKeys  server.APIKeyStore
		recovery activeRunLister
	)
	if cfg.DatabaseURL == "" {
		mem := store.NewMemory()
		runs, runbooks, recovery = mem, mem, mem
		policies = policy.NewMemoryStore()
		auditLog = audit.NewMemoryLog()
		logger.Warn("store: in-memory (no DATABASE_URL); runs will not survive a restart")
	} else {
		db, err := storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		defer db.Close()

		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("storage: migrations: %w", err)
		}

		runs, runbooks, recovery = db, db, db
		policies = db.Policies()
		auditLog = db.Audit()
		apiKeys = db
		logger.Info("store: postgres")
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	redactor, err := audit.NewRedactor(cfg.RedactionSalt, cfg.RedactionPatterns)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	recorder := audit.NewRecorder(auditLog, redactor)

	// Adapter registry: built-ins registered, then frozen before the first
	// executor starts.
	registry := adapter.NewRegistry().WithDefaultTimeout(cfg.AdapterTimeout)
	if err := adapter.RegisterBuiltins(registry); err != nil {
		return fmt.Errorf("adapter: %w", err)
	}
	registry.Freeze()

	evaluator := policy.NewEvaluator(policy.DefaultAction(cfg.PolicyDefaultAction))
	planner, toolcaller, reviewer := newAgents(cfg, evaluator, logger)

	approvals := approval.NewService(runs, recorder, logger, cfg.ApprovalExpiry)

	owner, _ := os.Hostname()
	exec := executor.New(executor.Deps{
		Store:      runs,
		Runbooks:   runbooks,
		Policies:   policies,
		Registry:   registry,
		Planner:    planner,
		Toolcaller: toolcaller,
		Reviewer:   reviewer,
		Approvals:  approvals,
		Recorder:   recorder,
		Metrics:    metrics,
		Logger:     logger,
	}, executor.Config{
		Owner:           owner,
		MaxStepAttempts: cfg.MaxStepAttempts,
		RetryBaseDelay:  cfg.RetryBaseDelay,
		LeaseTTL:        cfg.LeaseTTL,
		DryRunForced:    cfg.DryRunForced,
	})

	launcher := newRunLauncher(exec, logger, cfg.MaxConcurrentRuns)

	// Resume runs a previous process left in flight. Their leases have
	// expired (or will shortly), so takeover succeeds; runs parked on an
	// approval go straight back to waiting.
	if ids, err := recovery.ActiveRunIDs(ctx); err != nil {
		logger.Warn("run recovery scan failed", "error", err)
	} else if len(ids) > 0 {
		logger.Info("resuming interrupted runs", "count", len(ids))
		for _, id := range ids {
			launcher.Launch(id)
		}
	}

	mcpSrv := mcp.New(runs, exec, approvals, recorder, launcher, logger)

	srv := server.New(server.ServerConfig{
		Runs:                runs,
		Runbooks:            runbooks,
		Policies:            policies,
		Executor:            exec,
		Approvals:           approvals,
		Recorder:            recorder,
		Launcher:            launcher,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		APIKeys:             apiKeys,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Expire overdue approvals so parked runs fail closed instead of
	// waiting forever.
	go approvalSweepLoop(ctx, approvals, logger, cfg.ApprovalSweepInterval)

	// Confirmed invocation intents only matter while a crash-replay window
	// is open; reap the stale ones.
	go intentCleanupLoop(ctx, runs, logger, cfg.IdempotencyCleanupTTL)

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Stop accepting HTTP first (in-flight submissions
	// may still launch runs), then drain the launcher so every in-flight
	// run reaches a persisted state before the store goes away.
	slog.Info("tejun shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), cfg.ShutdownDrainTimeout)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownDrainTimeout)
	launcher.Drain(drainCtx)
	drainCancel()

	slog.Info("tejun stopped")
	return nil
}

// activeRunLister is the startup recovery view over the run store.
type activeRunLister interface {
	ActiveRunIDs(ctx context.Context) ([]uuid.UUID, error)
}

// newAgents selects the agent pipeline. Stub agents follow the runbook
// literally; LLM agents plan and review via chat completion but can never
// loosen what the policy evaluator decides.
func newAgents(cfg config.Config, evaluator *policy.Evaluator, logger *slog.Logger) (agent.Planner, agent.Toolcaller, agent.Reviewer) {
	switch cfg.AgentMode {
	case "llm":
		logger.Info("agent pipeline: llm", "model", cfg.AgentModel)
		client := agent.NewChatClient(cfg.OpenAIAPIKey, cfg.AgentModel, "")
		return &agent.LLMPlanner{Client: client, MaxRetries: cfg.AgentMaxRetries},
			&agent.LLMToolcaller{Client: client, MaxRetries: cfg.AgentMaxRetries},
			&agent.LLMReviewer{Client: client, Eval: evaluator, MaxRetries: cfg.AgentMaxRetries}
	default:
		logger.Info("agent pipeline: stub")
		return agent.StubPlanner{}, agent.StubToolcaller{}, agent.StubReviewer{Eval: evaluator}
	}
}

// runLauncher drives submitted runs in the background, capped by a weighted
// semaphore so a burst of submissions cannot exhaust the process.
type runLauncher struct {
	exec   *executor.Executor
	logger *slog.Logger
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
}

func newRunLauncher(exec *executor.Executor, logger *slog.Logger, maxConcurrent int) *runLauncher {
	return &runLauncher{
		exec:   exec,
		logger: logger,
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Launch schedules execution of a run. Returns immediately; the run queues
// behind the concurrency cap if necessary.
func (l *runLauncher) Launch(runID uuid.UUID) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer l.sem.Release(1)

		if err := l.exec.Execute(context.Background(), runID); err != nil {
			l.logger.Error("run execution failed", "run_id", runID, "error", err)
		}
	}()
}

// Drain waits for in-flight runs to reach a persisted state, up to the
// context deadline.
func (l *runLauncher) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		l.logger.Warn("shutdown drain timed out with runs in flight")
	}
}

func approvalSweepLoop(ctx context.Context, approvals *approval.Service, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := approvals.Sweep(ctx)
			if err != nil {
				logger.Warn("approval sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("approvals expired", "count", n)
			}
		}
	}
}

func intentCleanupLoop(ctx context.Context, runs store.RunStore, logger *slog.Logger, ttl time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := runs.CleanupIntents(ctx, ttl)
			if err != nil {
				logger.Warn("intent cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("stale intents removed", "count", n)
			}
		}
	}
}

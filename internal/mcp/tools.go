package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/tejun/internal/auth"
	"github.com/ashita-ai/tejun/internal/executor"
	"github.com/ashita-ai/tejun/internal/model"
)

func (s *Server) registerTools() {
	// tejun_submit_run — start a runbook run.
	s.mcpServer.AddTool(
		mcplib.NewTool("tejun_submit_run",
			mcplib.WithDescription(`Submit a runbook for execution under the tenant's active policy.

The run is durable: it survives restarts and resumes where it left off.
Policy may block steps, require human approval, or cap cost/tokens/wall
time. Use mode "dry-run" first to see what a run WOULD do without touching
anything, then "execute" for the real thing.

Returns the created run. Poll tejun_get_run for progress and the terminal
status.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("runbook_name",
				mcplib.Description("Name of the runbook to execute (resolves to the latest committed version)"),
				mcplib.Required(),
			),
			mcplib.WithString("mode",
				mcplib.Description("Run mode: dry-run (record intent only), shadow (score against reference), execute (real invocations)"),
				mcplib.Required(),
			),
			mcplib.WithString("context_json",
				mcplib.Description("Optional JSON object with run context (incident id, target host, parameters)"),
			),
			mcplib.WithString("idempotency_key",
				mcplib.Description("Optional key: resubmitting with the same key returns the original run instead of starting a new one"),
			),
		),
		s.handleSubmitRun,
	)

	// tejun_get_run — inspect a run.
	s.mcpServer.AddTool(
		mcplib.NewTool("tejun_get_run",
			mcplib.WithDescription(`Get a run's status, steps, metrics, and error detail.

WHAT YOU GET BACK:
- status: pending | running | awaiting_approval | succeeded | failed | cancelled
- steps: each step's status, output, attempts, and error
- error_code / error_reason / failed_step when the run failed
- metrics: token, cost, and wall-clock totals

Secret-looking values are redacted with the same rules applied to the
audit chain.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("The run's UUID"),
				mcplib.Required(),
			),
		),
		s.handleGetRun,
	)

	// tejun_decide_approval — resolve a pending approval.
	s.mcpServer.AddTool(
		mcplib.NewTool("tejun_decide_approval",
			mcplib.WithDescription(`Approve or deny a pending approval request.

Runs park in awaiting_approval when policy requires a human decision for a
step. Exactly one decision wins; the requester cannot approve their own
request unless the policy rule allows it. Denial fails the run.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("approval_id",
				mcplib.Description("The approval's UUID (from the run's event stream or approval_requested payload)"),
				mcplib.Required(),
			),
			mcplib.WithBoolean("approve",
				mcplib.Description("true to approve, false to deny"),
				mcplib.Required(),
			),
			mcplib.WithString("comment",
				mcplib.Description("Optional comment recorded on the audit chain"),
			),
		),
		s.handleDecideApproval,
	)

	// tejun_cancel_run — request cancellation.
	s.mcpServer.AddTool(
		mcplib.NewTool("tejun_cancel_run",
			mcplib.WithDescription(`Request cancellation of an in-flight run.

Cancellation is cooperative: the executor stops at the next safe point
(between steps, during an approval wait, between retry attempts). An
adapter call already in flight completes and is recorded; a step waiting
on approval never fires.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("The run's UUID"),
				mcplib.Required(),
			),
		),
		s.handleCancelRun,
	)
}

func (s *Server) handleSubmitRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := auth.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("not authenticated"), nil
	}

	name := request.GetString("runbook_name", "")
	mode := model.RunMode(request.GetString("mode", ""))
	if name == "" || mode == "" {
		return errorResult("runbook_name and mode are required"), nil
	}

	var runCtx map[string]any
	if raw := request.GetString("context_json", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &runCtx); err != nil {
			return errorResult("context_json is not a JSON object: " + err.Error()), nil
		}
	}

	run, created, err := s.exec.Submit(ctx, executor.SubmitRequest{
		TenantID:       claims.TenantID,
		RunbookName:    name,
		Mode:           mode,
		Context:        runCtx,
		Caller:         claims.Caller(),
		IdempotencyKey: request.GetString("idempotency_key", ""),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("submit failed: %v", err)), nil
	}
	if created {
		s.launcher.Launch(run.ID)
	}

	run.Context = s.recorder.Redactor().RedactMap(run.Context, nil)
	return jsonResult(map[string]any{"run": run, "created": created}), nil
}

func (s *Server) handleGetRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := auth.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("not authenticated"), nil
	}

	id, err := uuid.Parse(request.GetString("run_id", ""))
	if err != nil {
		return errorResult("run_id must be a UUID"), nil
	}
	run, err := s.runs.LoadRun(ctx, id)
	if err != nil || run.TenantID != claims.TenantID {
		return errorResult("run not found"), nil
	}
	steps, err := s.runs.ListSteps(ctx, id)
	if err != nil {
		return errorResult(fmt.Sprintf("list steps: %v", err)), nil
	}

	red := s.recorder.Redactor()
	run.Context = red.RedactMap(run.Context, nil)
	for i := range steps {
		steps[i].Args = red.RedactMap(steps[i].Args, nil)
		steps[i].Output = red.RedactMap(steps[i].Output, nil)
	}
	return jsonResult(map[string]any{"run": run, "steps": steps}), nil
}

func (s *Server) handleDecideApproval(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := auth.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("not authenticated"), nil
	}

	id, err := uuid.Parse(request.GetString("approval_id", ""))
	if err != nil {
		return errorResult("approval_id must be a UUID"), nil
	}
	a, err := s.runs.GetApproval(ctx, id)
	if err != nil || a.TenantID != claims.TenantID {
		return errorResult("approval not found"), nil
	}

	decided, err := s.approvals.Decide(ctx, id, claims.Caller(),
		request.GetBool("approve", false), request.GetString("comment", ""))
	if err != nil {
		return errorResult(fmt.Sprintf("decide failed: %v", err)), nil
	}
	return jsonResult(decided), nil
}

func (s *Server) handleCancelRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := auth.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("not authenticated"), nil
	}

	id, err := uuid.Parse(request.GetString("run_id", ""))
	if err != nil {
		return errorResult("run_id must be a UUID"), nil
	}
	run, err := s.runs.LoadRun(ctx, id)
	if err != nil || run.TenantID != claims.TenantID {
		return errorResult("run not found"), nil
	}
	if err := s.exec.Cancel(ctx, id); err != nil {
		return errorResult(fmt.Sprintf("cancel failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"run_id": id, "cancel_requested": true}), nil
}

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Metrics holds the instruments every component emits into. Instruments are
// reached only through the methods below, which are all safe on a nil
// receiver: a nil *Metrics drops everything, so tests don't have to wire
// telemetry.
type Metrics struct {
	runsStarted        metric.Int64Counter
	stepsExecuted      metric.Int64Counter
	adapterCalls       metric.Int64Counter
	policyBlocks       metric.Int64Counter
	approvalsRequested metric.Int64Counter
	hallucinations     metric.Int64Counter

	stepLatencyMS metric.Float64Histogram
	runLatencyMS  metric.Float64Histogram
	tokenCostUSD  metric.Float64Histogram

	tracer trace.Tracer
}

// NewMetrics registers the instrument set under the given scope name.
func NewMetrics(scope string) (*Metrics, error) {
	meter := Meter(scope)
	m := &Metrics{tracer: otel.GetTracerProvider().Tracer(scope)}

	var err error
	if m.runsStarted, err = meter.Int64Counter("runs_started",
		metric.WithDescription("Runs admitted by the executor")); err != nil {
		return nil, fmt.Errorf("telemetry: create runs_started: %w", err)
	}
	if m.stepsExecuted, err = meter.Int64Counter("steps_executed",
		metric.WithDescription("Steps reaching a terminal status")); err != nil {
		return nil, fmt.Errorf("telemetry: create steps_executed: %w", err)
	}
	if m.adapterCalls, err = meter.Int64Counter("adapter_calls",
		metric.WithDescription("Adapter invocations, including retries")); err != nil {
		return nil, fmt.Errorf("telemetry: create adapter_calls: %w", err)
	}
	if m.policyBlocks, err = meter.Int64Counter("policy_blocks",
		metric.WithDescription("Gate decisions with effect block")); err != nil {
		return nil, fmt.Errorf("telemetry: create policy_blocks: %w", err)
	}
	if m.approvalsRequested, err = meter.Int64Counter("approvals_requested",
		metric.WithDescription("Approval requests created")); err != nil {
		return nil, fmt.Errorf("telemetry: create approvals_requested: %w", err)
	}
	if m.hallucinations, err = meter.Int64Counter("hallucinations",
		metric.WithDescription("Shadow-mode agent steps absent from the reference list")); err != nil {
		return nil, fmt.Errorf("telemetry: create hallucinations: %w", err)
	}
	if m.stepLatencyMS, err = meter.Float64Histogram("step_latency_ms",
		metric.WithDescription("Wall time per step, gate through record"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("telemetry: create step_latency_ms: %w", err)
	}
	if m.runLatencyMS, err = meter.Float64Histogram("run_latency_ms",
		metric.WithDescription("Wall time per run, admission through terminal status"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("telemetry: create run_latency_ms: %w", err)
	}
	if m.tokenCostUSD, err = meter.Float64Histogram("token_cost_usd",
		metric.WithDescription("LLM cost per run")); err != nil {
		return nil, fmt.Errorf("telemetry: create token_cost_usd: %w", err)
	}
	return m, nil
}

// CountRunStarted records an admitted run.
func (m *Metrics) CountRunStarted(ctx context.Context, tenant string, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	m.count(ctx, m.runsStarted, 1, tenant, attrs...)
}

// CountStepExecuted records a step reaching a terminal status.
func (m *Metrics) CountStepExecuted(ctx context.Context, tenant string, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	m.count(ctx, m.stepsExecuted, 1, tenant, attrs...)
}

// CountAdapterCall records one adapter invocation attempt.
func (m *Metrics) CountAdapterCall(ctx context.Context, tenant string, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	m.count(ctx, m.adapterCalls, 1, tenant, attrs...)
}

// CountPolicyBlock records a gate decision with effect block.
func (m *Metrics) CountPolicyBlock(ctx context.Context, tenant string, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	m.count(ctx, m.policyBlocks, 1, tenant, attrs...)
}

// CountApprovalRequested records an approval request.
func (m *Metrics) CountApprovalRequested(ctx context.Context, tenant string, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	m.count(ctx, m.approvalsRequested, 1, tenant, attrs...)
}

// CountHallucinations records shadow-mode steps absent from the reference.
func (m *Metrics) CountHallucinations(ctx context.Context, n int64, tenant string) {
	if m == nil {
		return
	}
	m.count(ctx, m.hallucinations, n, tenant)
}

// ObserveStepLatency records one step's wall time in milliseconds.
func (m *Metrics) ObserveStepLatency(ctx context.Context, ms float64, tenant string, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	m.observe(ctx, m.stepLatencyMS, ms, tenant, attrs...)
}

// ObserveRunLatency records one run's wall time in milliseconds.
func (m *Metrics) ObserveRunLatency(ctx context.Context, ms float64, tenant string, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	m.observe(ctx, m.runLatencyMS, ms, tenant, attrs...)
}

// ObserveTokenCost records one run's LLM cost.
func (m *Metrics) ObserveTokenCost(ctx context.Context, usd float64, tenant string) {
	if m == nil {
		return
	}
	m.observe(ctx, m.tokenCostUSD, usd, tenant)
}

func (m *Metrics) count(ctx context.Context, c metric.Int64Counter, n int64, tenant string, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	attrs = append(attrs, attribute.String("tenant", tenant))
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}

func (m *Metrics) observe(ctx context.Context, h metric.Float64Histogram, v float64, tenant string, attrs ...attribute.KeyValue) {
	if h == nil {
		return
	}
	attrs = append(attrs, attribute.String("tenant", tenant))
	h.Record(ctx, v, metric.WithAttributes(attrs...))
}

// StartSpan opens a span under the metrics scope's tracer. Safe on a nil
// receiver: callers get a no-op span.
func (m *Metrics) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if m == nil || m.tracer == nil {
		return noop.NewTracerProvider().Tracer("").Start(ctx, name)
	}
	return m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

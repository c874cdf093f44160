package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

// A nil *Metrics must drop every emission: executors in tests run without
// wired telemetry.
func TestNilMetricsDropEverything(t *testing.T) {
	ctx := context.Background()
	var m *Metrics

	assert.NotPanics(t, func() {
		m.CountRunStarted(ctx, "t1", attribute.String("mode", "execute"))
		m.CountStepExecuted(ctx, "t1")
		m.CountAdapterCall(ctx, "t1", attribute.Bool("ok", true))
		m.CountPolicyBlock(ctx, "t1")
		m.CountApprovalRequested(ctx, "t1")
		m.CountHallucinations(ctx, 2, "t1")
		m.ObserveStepLatency(ctx, 12.5, "t1")
		m.ObserveRunLatency(ctx, 100, "t1")
		m.ObserveTokenCost(ctx, 0.01, "t1")
	})

	spanCtx, span := m.StartSpan(ctx, "noop")
	require.NotNil(t, spanCtx)
	span.End()
}

func TestMetricsEmitWithoutProvider(t *testing.T) {
	// The global meter provider defaults to noop; instruments still record
	// without error.
	m, err := NewMetrics("telemetry-test")
	require.NoError(t, err)

	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.CountRunStarted(ctx, "t1")
		m.ObserveRunLatency(ctx, 5, "t1")
	})
}

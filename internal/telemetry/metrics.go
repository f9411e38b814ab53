package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RunMetrics holds the orchestrator instruments.
type RunMetrics struct {
	started   metric.Int64Counter
	finished  metric.Int64Counter
	events    metric.Int64Counter
	decisions metric.Int64Counter
	active    metric.Int64UpDownCounter
}

// NewRunMetrics registers the run instruments on meter.
func NewRunMetrics(meter metric.Meter) (*RunMetrics, error) {
	m := &RunMetrics{}
	var err error
	if m.started, err = meter.Int64Counter("agentrun.runs.started",
		metric.WithDescription("Runs accepted by start")); err != nil {
		return nil, err
	}
	if m.finished, err = meter.Int64Counter("agentrun.runs.finished",
		metric.WithDescription("Runs that reached a terminal status")); err != nil {
		return nil, err
	}
	if m.events, err = meter.Int64Counter("agentrun.events.appended",
		metric.WithDescription("Events appended to run logs")); err != nil {
		return nil, err
	}
	if m.decisions, err = meter.Int64Counter("agentrun.approvals.decided",
		metric.WithDescription("Approval decisions applied")); err != nil {
		return nil, err
	}
	if m.active, err = meter.Int64UpDownCounter("agentrun.runs.active",
		metric.WithDescription("Runs currently executing")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *RunMetrics) RunStarted(ctx context.Context, engine string) {
	if m == nil {
		return
	}
	m.started.Add(ctx, 1, metric.WithAttributes(attribute.String("engine", engine)))
	m.active.Add(ctx, 1)
}

func (m *RunMetrics) RunFinished(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.active.Add(ctx, -1)
}

func (m *RunMetrics) EventAppended(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.events.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *RunMetrics) ApprovalDecided(ctx context.Context, decision string) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}

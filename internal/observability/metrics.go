// Package observability holds the OpenTelemetry instruments of the service.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "agentflow/backend"

// Metrics records run, step and worker activity. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	runsStarted  metric.Int64Counter
	runsFinished metric.Int64Counter
	steps        metric.Int64Counter
	invocations  metric.Int64Counter
	stepDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on meter. A nil meter uses the global
// meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &Metrics{}
	var err error
	if m.runsStarted, err = meter.Int64Counter("agentflow.runs.started",
		metric.WithDescription("Runs started")); err != nil {
		return nil, err
	}
	if m.runsFinished, err = meter.Int64Counter("agentflow.runs.finished",
		metric.WithDescription("Runs that reached a terminal status")); err != nil {
		return nil, err
	}
	if m.steps, err = meter.Int64Counter("agentflow.steps",
		metric.WithDescription("Steps that reached a terminal status")); err != nil {
		return nil, err
	}
	if m.invocations, err = meter.Int64Counter("agentflow.worker.invocations",
		metric.WithDescription("Worker invocations by outcome")); err != nil {
		return nil, err
	}
	if m.stepDuration, err = meter.Float64Histogram("agentflow.step.duration",
		metric.WithDescription("Step duration"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RunStarted(ctx context.Context, processID string) {
	if m == nil {
		return
	}
	m.runsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("process_id", processID)))
}

func (m *Metrics) RunFinished(ctx context.Context, processID, status string) {
	if m == nil {
		return
	}
	m.runsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("process_id", processID),
		attribute.String("status", status),
	))
}

func (m *Metrics) StepFinished(ctx context.Context, kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind), attribute.String("status", status))
	m.steps.Add(ctx, 1, attrs)
	m.stepDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) WorkerInvoked(ctx context.Context, worker, outcome string, attempts int) {
	if m == nil {
		return
	}
	m.invocations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("worker", worker),
		attribute.String("outcome", outcome),
		attribute.Int("attempts", attempts),
	))
}

// Package metrics holds the OpenTelemetry instruments of the analysis pipeline.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName is the instrumentation scope of the pipeline.
const MeterName = "github.com/thebtf/docreview"

// Metrics records queue and analysis measurements.
type Metrics struct {
	submitted   metric.Int64Counter
	transitions metric.Int64Counter
	running     metric.Int64UpDownCounter
	duration    metric.Float64Histogram
	score       metric.Float64Histogram
	findings    metric.Int64Counter
	skipped     metric.Int64Counter
	adaptations metric.Int64Counter
}

// New creates the instruments on meter. A nil meter uses the global meter provider.
func New(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(MeterName)
	}
	m := &Metrics{}
	var err error

	if m.submitted, err = meter.Int64Counter("docreview.tasks.submitted",
		metric.WithDescription("Analysis tasks accepted by submit")); err != nil {
		return nil, fmt.Errorf("tasks.submitted: %w", err)
	}
	if m.transitions, err = meter.Int64Counter("docreview.tasks.transitions",
		metric.WithDescription("Task state transitions by target status")); err != nil {
		return nil, fmt.Errorf("tasks.transitions: %w", err)
	}
	if m.running, err = meter.Int64UpDownCounter("docreview.tasks.running",
		metric.WithDescription("Attempts currently executing in this process")); err != nil {
		return nil, fmt.Errorf("tasks.running: %w", err)
	}
	if m.duration, err = meter.Float64Histogram("docreview.analysis.duration",
		metric.WithDescription("Wall time of one analysis attempt"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("analysis.duration: %w", err)
	}
	if m.score, err = meter.Float64Histogram("docreview.analysis.score",
		metric.WithDescription("Weighted conformity score of completed analyses")); err != nil {
		return nil, fmt.Errorf("analysis.score: %w", err)
	}
	if m.findings, err = meter.Int64Counter("docreview.analysis.findings",
		metric.WithDescription("Findings by severity")); err != nil {
		return nil, fmt.Errorf("analysis.findings: %w", err)
	}
	if m.skipped, err = meter.Int64Counter("docreview.rules.skipped",
		metric.WithDescription("Rules skipped because they could not be evaluated")); err != nil {
		return nil, fmt.Errorf("rules.skipped: %w", err)
	}
	if m.adaptations, err = meter.Int64Counter("docreview.profiles.adaptations",
		metric.WithDescription("Adaptation cycle outcomes")); err != nil {
		return nil, fmt.Errorf("profiles.adaptations: %w", err)
	}
	return m, nil
}

// Noop returns metrics that record nothing.
func Noop() *Metrics {
	m, err := New(noop.NewMeterProvider().Meter(MeterName))
	if err != nil {
		panic(err) // noop instruments never fail
	}
	return m
}

// Submitted counts a submit call; created is false when an existing task was returned.
func (m *Metrics) Submitted(ctx context.Context, orgID string, created bool) {
	m.submitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("organization_id", orgID),
		attribute.Bool("created", created),
	))
}

// Transition counts a task moving to status.
func (m *Metrics) Transition(ctx context.Context, status string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// AttemptStarted marks an attempt as running; the returned func ends it.
func (m *Metrics) AttemptStarted(ctx context.Context, orgID string) func(outcome string) {
	attrs := metric.WithAttributes(attribute.String("organization_id", orgID))
	m.running.Add(ctx, 1, attrs)
	start := time.Now()
	return func(outcome string) {
		m.running.Add(ctx, -1, attrs)
		m.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000,
			metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// Analyzed records the outcome of a completed analysis.
func (m *Metrics) Analyzed(ctx context.Context, weightedScore float64, findingsBySeverity map[string]int, rulesSkipped int) {
	m.score.Record(ctx, weightedScore)
	for sev, n := range findingsBySeverity {
		m.findings.Add(ctx, int64(n), metric.WithAttributes(attribute.String("severity", sev)))
	}
	if rulesSkipped > 0 {
		m.skipped.Add(ctx, int64(rulesSkipped))
	}
}

// Adaptation counts an adaptation cycle outcome (proposed, applied, conflict).
func (m *Metrics) Adaptation(ctx context.Context, outcome string, n int) {
	if n <= 0 {
		return
	}
	m.adaptations.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
}

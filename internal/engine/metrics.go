package engine

import (
	"context"
	"time"

	"github.com/mohammad-safakhou/academiq/internal/query"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Metrics records engine telemetry. A nil *Metrics records nothing.
type Metrics struct {
	outcomes       otelmetric.Int64Counter
	clarifications otelmetric.Int64Counter
	retries        otelmetric.Int64Counter
	storage        otelmetric.Float64Histogram
	process        otelmetric.Float64Histogram
}

// NewMetrics registers the engine instruments on meter.
func NewMetrics(meter otelmetric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.outcomes, err = meter.Int64Counter(
		"academiq_outcomes_total",
		otelmetric.WithDescription("Processed requests by outcome and error kind"),
	); err != nil {
		return nil, err
	}
	if m.clarifications, err = meter.Int64Counter(
		"academiq_clarifications_total",
		otelmetric.WithDescription("Clarification sessions opened and answered"),
	); err != nil {
		return nil, err
	}
	if m.retries, err = meter.Int64Counter(
		"academiq_storage_retries_total",
		otelmetric.WithDescription("Storage attempts retried after a transient failure"),
	); err != nil {
		return nil, err
	}
	if m.storage, err = meter.Float64Histogram(
		"academiq_storage_duration_seconds",
		otelmetric.WithDescription("Latency of successful storage executions"),
		otelmetric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.process, err = meter.Float64Histogram(
		"academiq_process_duration_seconds",
		otelmetric.WithDescription("End-to-end latency of process calls"),
		otelmetric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) outcome(ctx context.Context, o *Outcome, d time.Duration) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("outcome", string(o.Kind))}
	if o.Error != nil {
		attrs = append(attrs, attribute.String("error_kind", string(o.Error.Kind)))
	}
	m.outcomes.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
	m.process.Record(ctx, d.Seconds(), otelmetric.WithAttributes(attribute.String("outcome", string(o.Kind))))
}

func (m *Metrics) clarification(ctx context.Context, event string) {
	if m == nil {
		return
	}
	m.clarifications.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("event", event)))
}

// QueryMetrics adapts the instruments to the executor's callbacks.
func (m *Metrics) QueryMetrics() query.Metrics {
	if m == nil {
		return query.Metrics{}
	}
	return query.Metrics{
		RetryCounter: func(ctx context.Context, q *query.Structured, attempt int) {
			m.retries.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("table", q.Table)))
		},
		Duration: func(ctx context.Context, q *query.Structured, d time.Duration) {
			m.storage.Record(ctx, d.Seconds(), otelmetric.WithAttributes(
				attribute.String("table", q.Table),
				attribute.String("kind", string(q.Kind)),
			))
		},
	}
}

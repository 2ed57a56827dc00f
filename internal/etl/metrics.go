package etl

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EngineMetrics defines the metrics operations needed by the engine and the
// provider runners.
type EngineMetrics interface {
	// Provider lifecycle metrics.
	IncProviderTransitions(ctx context.Context, state string)
	IncTransitionRejections(ctx context.Context)

	// Work loop metrics.
	IncUnitsProcessed(ctx context.Context, items int64)
	IncCheckpointsAppended(ctx context.Context, success bool)
	IncQuotaWaits(ctx context.Context)
	IncBackoffRetries(ctx context.Context)

	// Batch fan-out metrics.
	ObserveBatchDuration(ctx context.Context, operation string, duration time.Duration)
}

// engineMetrics implements EngineMetrics on an otel meter.
type engineMetrics struct {
	providerTransitions  metric.Int64Counter
	transitionRejections metric.Int64Counter

	unitsProcessed      metric.Int64Counter
	checkpointsAppended metric.Int64Counter
	quotaWaits          metric.Int64Counter
	backoffRetries      metric.Int64Counter

	batchDuration metric.Float64Histogram
}

// NewEngineMetrics builds the otel-backed metrics implementation.
func NewEngineMetrics(meter metric.Meter) (EngineMetrics, error) {
	var (
		m   engineMetrics
		err error
	)

	if m.providerTransitions, err = meter.Int64Counter("etl_provider_transitions_total",
		metric.WithDescription("Total provider state transitions applied")); err != nil {
		return nil, err
	}
	if m.transitionRejections, err = meter.Int64Counter("etl_transition_rejections_total",
		metric.WithDescription("Control operations rejected by the guard table")); err != nil {
		return nil, err
	}
	if m.unitsProcessed, err = meter.Int64Counter("etl_units_processed_total",
		metric.WithDescription("Records produced by completed work units")); err != nil {
		return nil, err
	}
	if m.checkpointsAppended, err = meter.Int64Counter("etl_checkpoints_appended_total",
		metric.WithDescription("Checkpoints appended to the store")); err != nil {
		return nil, err
	}
	if m.quotaWaits, err = meter.Int64Counter("etl_quota_waits_total",
		metric.WithDescription("Times a provider entered WAITING_QUOTA")); err != nil {
		return nil, err
	}
	if m.backoffRetries, err = meter.Int64Counter("etl_backoff_retries_total",
		metric.WithDescription("Times a provider entered WAITING_BACKOFF")); err != nil {
		return nil, err
	}
	if m.batchDuration, err = meter.Float64Histogram("etl_batch_duration_seconds",
		metric.WithDescription("Duration of batch control fan-outs")); err != nil {
		return nil, err
	}

	return &m, nil
}

func (m *engineMetrics) IncProviderTransitions(ctx context.Context, state string) {
	m.providerTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

func (m *engineMetrics) IncTransitionRejections(ctx context.Context) {
	m.transitionRejections.Add(ctx, 1)
}

func (m *engineMetrics) IncUnitsProcessed(ctx context.Context, items int64) {
	m.unitsProcessed.Add(ctx, items)
}

func (m *engineMetrics) IncCheckpointsAppended(ctx context.Context, success bool) {
	m.checkpointsAppended.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

func (m *engineMetrics) IncQuotaWaits(ctx context.Context) { m.quotaWaits.Add(ctx, 1) }

func (m *engineMetrics) IncBackoffRetries(ctx context.Context) { m.backoffRetries.Add(ctx, 1) }

func (m *engineMetrics) ObserveBatchDuration(ctx context.Context, operation string, duration time.Duration) {
	m.batchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("operation", operation)))
}

// NoopMetrics returns an EngineMetrics that records nothing. Used by tests.
func NoopMetrics() EngineMetrics { return noopMetrics{} }

type noopMetrics struct{}

func (noopMetrics) IncProviderTransitions(context.Context, string)              {}
func (noopMetrics) IncTransitionRejections(context.Context)                     {}
func (noopMetrics) IncUnitsProcessed(context.Context, int64)                    {}
func (noopMetrics) IncCheckpointsAppended(context.Context, bool)                {}
func (noopMetrics) IncQuotaWaits(context.Context)                               {}
func (noopMetrics) IncBackoffRetries(context.Context)                           {}
func (noopMetrics) ObserveBatchDuration(context.Context, string, time.Duration) {}

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ControlPlaneMetrics counts decisions made by the quota, rate limit, cache
// and lock layers, plus key-value store failures absorbed by fail-open paths.
// A nil *ControlPlaneMetrics records nothing.
type ControlPlaneMetrics struct {
	storeFailures  metric.Int64Counter
	quotaDecisions metric.Int64Counter
	rateDecisions  metric.Int64Counter
	cacheLookups   metric.Int64Counter
	lockAttempts   metric.Int64Counter
	lockWait       metric.Float64Histogram
}

func NewControlPlaneMetrics(meter metric.Meter) (*ControlPlaneMetrics, error) {
	mb := newMetricBuilder(meter)
	m := &ControlPlaneMetrics{
		storeFailures:  mb.counter("flowdash_kvstore_failures_total", "Key-value store operations that failed open"),
		quotaDecisions: mb.counter("flowdash_quota_decisions_total", "Quota checks by type and outcome"),
		rateDecisions:  mb.counter("flowdash_rate_limit_decisions_total", "Rate limit admissions by scope and outcome"),
		cacheLookups:   mb.counter("flowdash_cache_lookups_total", "Execution cache lookups by outcome"),
		lockAttempts:   mb.counter("flowdash_lock_attempts_total", "Distributed lock acquisitions by outcome"),
		lockWait: mb.histogram("flowdash_lock_wait_seconds", "Time spent waiting for a distributed lock", "s",
			0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5),
	}
	if err := mb.Error(); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordStoreFailure implements kvstore.FailureRecorder
func (m *ControlPlaneMetrics) RecordStoreFailure(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.storeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (m *ControlPlaneMetrics) RecordQuotaDecision(ctx context.Context, quotaType string, allowed bool, reason string) {
	if m == nil {
		return
	}
	m.quotaDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("quota_type", quotaType),
		attribute.Bool("allowed", allowed),
		attribute.String("reason", reason),
	))
}

func (m *ControlPlaneMetrics) RecordRateLimit(ctx context.Context, scope string, allowed bool) {
	if m == nil {
		return
	}
	m.rateDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.Bool("allowed", allowed),
	))
}

func (m *ControlPlaneMetrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *ControlPlaneMetrics) RecordLockAttempt(ctx context.Context, scope string, acquired bool, waited time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("scope", scope), attribute.Bool("acquired", acquired))
	m.lockAttempts.Add(ctx, 1, attrs)
	m.lockWait.Record(ctx, waited.Seconds(), attrs)
}

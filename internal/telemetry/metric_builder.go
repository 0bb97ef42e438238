package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// metricBuilder creates instruments and keeps the first error, so a block of
// instrument declarations needs a single check at the end
type metricBuilder struct {
	meter metric.Meter
	err   error
}

func newMetricBuilder(meter metric.Meter) *metricBuilder {
	return &metricBuilder{meter: meter}
}

func (mb *metricBuilder) Error() error {
	return mb.err
}

func (mb *metricBuilder) counter(name, desc string) metric.Int64Counter {
	if mb.err != nil {
		return nil
	}
	c, err := mb.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("1"))
	if err != nil {
		mb.err = fmt.Errorf("failed to create counter %s: %w", name, err)
		return nil
	}
	return c
}

func (mb *metricBuilder) histogram(name, desc, unit string, buckets ...float64) metric.Float64Histogram {
	if mb.err != nil {
		return nil
	}
	h, err := mb.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit(unit),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	if err != nil {
		mb.err = fmt.Errorf("failed to create histogram %s: %w", name, err)
		return nil
	}
	return h
}

func (mb *metricBuilder) upDownCounter(name, desc string) metric.Int64UpDownCounter {
	if mb.err != nil {
		return nil
	}
	c, err := mb.meter.Int64UpDownCounter(name, metric.WithDescription(desc), metric.WithUnit("1"))
	if err != nil {
		mb.err = fmt.Errorf("failed to create updowncounter %s: %w", name, err)
		return nil
	}
	return c
}

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flowdash-app/flowdash-backend/internal/slogging"
	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Service owns the tracer and meter providers. Metrics are always readable
// through the Prometheus registry passed to NewService; OTLP export is added
// when an endpoint is configured.
type Service struct {
	config *Config
	logger *slogging.Logger

	resource       *resource.Resource
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

// NewService builds providers and installs them as the otel globals.
// registerer receives the Prometheus collector; nil means the default registry.
func NewService(ctx context.Context, config *Config, registerer promclient.Registerer) (*Service, error) {
	s := &Service{config: config, logger: slogging.Get().With(slog.String("component", "telemetry"))}

	attrs := make([]attribute.KeyValue, 0, len(config.ResourceAttributes)+3)
	for k, v := range config.resourceAttributes() {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(resource.Default().SchemaURL(), attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to build resource: %w", err)
	}
	s.resource = res

	if config.TracingEnabled {
		if err := s.initTracing(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}
	if config.MetricsEnabled {
		if err := s.initMetrics(ctx, registerer); err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return s, nil
}

func (s *Service) initTracing(ctx context.Context) error {
	var opts []sdktrace.TracerProviderOption

	if s.config.ConsoleExporter {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("failed to create console trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithSyncer(exp))
	}

	if s.config.TracingEndpoint != "" {
		grpcOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(s.config.TracingEndpoint)}
		if s.config.Insecure {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithInsecure())
		}
		if len(s.config.TracingHeaders) > 0 {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithHeaders(s.config.TracingHeaders))
		}
		exp, err := otlptracegrpc.New(ctx, grpcOpts...)
		if err != nil {
			return fmt.Errorf("failed to create OTLP trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	rate := s.config.TracingSampleRate
	var sampler sdktrace.Sampler
	switch {
	case rate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case rate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(rate)
	}
	opts = append(opts, sdktrace.WithResource(s.resource), sdktrace.WithSampler(sdktrace.ParentBased(sampler)))

	s.tracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(s.tracerProvider)
	s.logger.Info("Tracing initialized (endpoint=%q, sample rate %.2f)", s.config.TracingEndpoint, rate)
	return nil
}

func (s *Service) initMetrics(ctx context.Context, registerer promclient.Registerer) error {
	promOpts := []prometheus.Option{}
	if registerer != nil {
		promOpts = append(promOpts, prometheus.WithRegisterer(registerer))
	}
	promExporter, err := prometheus.New(promOpts...)
	if err != nil {
		return fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}
	opts := []sdkmetric.Option{sdkmetric.WithResource(s.resource), sdkmetric.WithReader(promExporter)}

	if s.config.MetricsEndpoint != "" {
		grpcOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(s.config.MetricsEndpoint)}
		if s.config.Insecure {
			grpcOpts = append(grpcOpts, otlpmetricgrpc.WithInsecure())
		}
		if len(s.config.MetricsHeaders) > 0 {
			grpcOpts = append(grpcOpts, otlpmetricgrpc.WithHeaders(s.config.MetricsHeaders))
		}
		exp, err := otlpmetricgrpc.New(ctx, grpcOpts...)
		if err != nil {
			return fmt.Errorf("failed to create OTLP metrics exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(s.config.MetricsInterval)),
		))
	}

	s.meterProvider = sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(s.meterProvider)
	s.logger.Info("Metrics initialized (endpoint=%q, interval %v)", s.config.MetricsEndpoint, s.config.MetricsInterval)
	return nil
}

// Tracer returns a named tracer from the installed provider
func (s *Service) Tracer() trace.Tracer {
	if s.tracerProvider == nil {
		return otel.Tracer(s.config.ServiceName)
	}
	return s.tracerProvider.Tracer(s.config.ServiceName, trace.WithInstrumentationVersion(s.config.ServiceVersion))
}

// Meter returns a named meter from the installed provider
func (s *Service) Meter() metric.Meter {
	if s.meterProvider == nil {
		return otel.Meter(s.config.ServiceName)
	}
	return s.meterProvider.Meter(s.config.ServiceName, metric.WithInstrumentationVersion(s.config.ServiceVersion))
}

// Shutdown flushes and stops both providers
func (s *Service) Shutdown(ctx context.Context) error {
	var errs []error
	if s.tracerProvider != nil {
		if err := s.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown tracer provider: %w", err))
		}
	}
	if s.meterProvider != nil {
		if err := s.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

package telemetry

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// HTTPMetrics records request counts and latency per route
type HTTPMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

func NewHTTPMetrics(meter metric.Meter) (*HTTPMetrics, error) {
	mb := newMetricBuilder(meter)
	h := &HTTPMetrics{
		requests: mb.counter("http_requests_total", "Total number of HTTP requests"),
		duration: mb.histogram("http_request_duration_seconds", "Duration of HTTP requests", "s",
			0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
		inFlight: mb.upDownCounter("http_requests_in_flight", "HTTP requests currently being served"),
	}
	if err := mb.Error(); err != nil {
		return nil, err
	}
	return h, nil
}

// TracingMiddleware starts a server span per request. Install it ahead of
// HTTPMetrics.GinMiddleware so the metrics share the span context.
func TracingMiddleware(serviceName string) gin.HandlerFunc {
	return otelgin.Middleware(serviceName)
}

// GinMiddleware records metrics once the handler chain returns
func (h *HTTPMetrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		start := time.Now()
		h.inFlight.Add(ctx, 1)
		defer h.inFlight.Add(ctx, -1)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		attrs := metric.WithAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.String("http.status_code", strconv.Itoa(status)),
		)
		h.requests.Add(ctx, 1, attrs)
		h.duration.Record(ctx, time.Since(start).Seconds(), attrs)

		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			if userID := c.GetString("user_id"); userID != "" {
				span.SetAttributes(attribute.String("flowdash.user.id", userID))
			}
			if instanceID := c.Param("id"); instanceID != "" {
				span.SetAttributes(attribute.String("flowdash.instance.id", instanceID))
			}
		}
	}
}

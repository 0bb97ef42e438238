package telemetry

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds OpenTelemetry settings. Exporter endpoints are host:port
// targets for the OTLP gRPC exporters; an empty endpoint disables that exporter.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	TracingEnabled    bool
	TracingSampleRate float64
	TracingEndpoint   string
	TracingHeaders    map[string]string

	MetricsEnabled  bool
	MetricsInterval time.Duration
	MetricsEndpoint string
	MetricsHeaders  map[string]string

	// Insecure disables TLS on the OTLP connections
	Insecure        bool
	ConsoleExporter bool

	ResourceAttributes map[string]string
}

// LoadConfig reads OTEL_* environment variables on top of defaults
func LoadConfig() (*Config, error) {
	config := &Config{
		ServiceName:    getEnv("OTEL_SERVICE_NAME", "flowdash-backend"),
		ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
		Environment:    getEnv("OTEL_ENVIRONMENT", "development"),

		TracingEnabled:    getBoolEnv("OTEL_TRACING_ENABLED", true),
		TracingSampleRate: getFloatEnv("OTEL_TRACING_SAMPLE_RATE", 1.0),
		TracingEndpoint:   stripScheme(getEnv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "")),
		TracingHeaders:    parsePairs(getEnv("OTEL_EXPORTER_OTLP_TRACES_HEADERS", "")),

		MetricsEnabled:  getBoolEnv("OTEL_METRICS_ENABLED", true),
		MetricsInterval: getDurationEnv("OTEL_METRICS_INTERVAL", 30*time.Second),
		MetricsEndpoint: stripScheme(getEnv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "")),
		MetricsHeaders:  parsePairs(getEnv("OTEL_EXPORTER_OTLP_METRICS_HEADERS", "")),

		Insecure:        getBoolEnv("OTEL_EXPORTER_OTLP_INSECURE", true),
		ConsoleExporter: getBoolEnv("OTEL_CONSOLE_EXPORTER", false),

		ResourceAttributes: parsePairs(getEnv("OTEL_RESOURCE_ATTRIBUTES", "")),
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if c.TracingSampleRate < 0.0 || c.TracingSampleRate > 1.0 {
		return fmt.Errorf("tracing sample rate must be between 0.0 and 1.0, got %f", c.TracingSampleRate)
	}
	if c.MetricsInterval <= 0 {
		return fmt.Errorf("metrics interval must be positive, got %v", c.MetricsInterval)
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// resourceAttributes merges custom attributes with the service identity
func (c *Config) resourceAttributes() map[string]string {
	attrs := make(map[string]string, len(c.ResourceAttributes)+3)
	for k, v := range c.ResourceAttributes {
		attrs[k] = v
	}
	attrs["service.name"] = c.ServiceName
	attrs["service.version"] = c.ServiceVersion
	attrs["deployment.environment"] = c.Environment
	return attrs
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if parsed, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return parsed
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if parsed, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return parsed
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if parsed, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return parsed
	}
	return defaultValue
}

// parsePairs reads "k1=v1,k2=v2"
func parsePairs(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) == 2 && kv[0] != "" {
			out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
	}
	return out
}

func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimPrefix(endpoint, "https://")
}

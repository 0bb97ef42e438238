package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/flowdash-app/flowdash-backend/internal/slogging"
	"github.com/google/uuid"
)

// HealthChecker performs health checks on a RedisStore
type HealthChecker struct {
	store  *RedisStore
	keys   *KeyBuilder
	logger *slogging.Logger

	// SlowThreshold marks a reachable store as degraded when the check exceeds it
	SlowThreshold time.Duration
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(store *RedisStore) *HealthChecker {
	return &HealthChecker{
		store:         store,
		keys:          NewKeyBuilder(),
		logger:        store.logger,
		SlowThreshold: 100 * time.Millisecond,
	}
}

// HealthCheckResult contains the results of a health check
type HealthCheckResult struct {
	Healthy       bool           `json:"healthy"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details"`
	Errors        []string       `json:"errors"`
	Warnings      []string       `json:"warnings"`
	PerformanceMs int64          `json:"performance_ms"`
}

// CheckHealth verifies connectivity and a write/read/delete round trip
func (h *HealthChecker) CheckHealth(ctx context.Context) HealthCheckResult {
	start := time.Now()
	result := HealthCheckResult{
		Healthy:  true,
		Details:  make(map[string]any),
		Errors:   []string{},
		Warnings: []string{},
	}

	pingStart := time.Now()
	if !h.store.Ping(ctx) {
		result.Healthy = false
		result.Details["state"] = h.store.State().String()
		result.Errors = append(result.Errors, "Connectivity check failed: store unreachable")
		result.Message = "Redis is unavailable; operating in degraded mode"
		result.PerformanceMs = time.Since(start).Milliseconds()
		return result
	}
	result.Details["ping_latency_ms"] = time.Since(pingStart).Milliseconds()

	h.checkRoundTrip(ctx, &result)

	result.Details["state"] = h.store.State().String()
	result.PerformanceMs = time.Since(start).Milliseconds()

	switch {
	case len(result.Errors) > 0:
		result.Healthy = false
		result.Message = fmt.Sprintf("Redis health check failed with %d errors", len(result.Errors))
	case len(result.Warnings) > 0:
		result.Message = fmt.Sprintf("Redis is healthy with %d warnings", len(result.Warnings))
	default:
		result.Message = "Redis is healthy"
	}
	return result
}

func (h *HealthChecker) checkRoundTrip(ctx context.Context, result *HealthCheckResult) {
	key := h.keys.HealthCheckKey(uuid.NewString())
	checkStart := time.Now()

	if !h.store.Set(ctx, key, map[string]string{"check": "ok"}, 1) {
		result.Errors = append(result.Errors, "Write check failed")
		return
	}
	var got map[string]string
	if !h.store.Get(ctx, key, &got) || got["check"] != "ok" {
		result.Errors = append(result.Errors, "Read check returned unexpected data")
	}
	h.store.Delete(ctx, key)

	elapsed := time.Since(checkStart)
	result.Details["check_latency_ms"] = elapsed.Milliseconds()
	if elapsed > h.SlowThreshold {
		result.Warnings = append(result.Warnings, fmt.Sprintf("Round trip took %s", elapsed))
	}
}

// LogHealthCheck logs the result of a health check
func (h *HealthChecker) LogHealthCheck(result HealthCheckResult) {
	if result.Healthy {
		h.logger.Info("Redis health check: %s (%dms)", result.Message, result.PerformanceMs)
	} else {
		h.logger.Error("Redis health check: %s (%dms)", result.Message, result.PerformanceMs)
	}
	for _, e := range result.Errors {
		h.logger.Error("  Error: %s", e)
	}
	for _, w := range result.Warnings {
		h.logger.Warn("  Warning: %s", w)
	}
}

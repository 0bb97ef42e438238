package kvstore

import (
	"fmt"
	"strings"
	"time"
)

// Granularity is the width of a rate limit window
type Granularity string

const (
	// Minute windows are truncated to the wall-clock minute
	Minute Granularity = "minute"
	// Hour windows are truncated to the wall-clock hour
	Hour Granularity = "hour"
)

// Duration returns the window length
func (g Granularity) Duration() time.Duration {
	if g == Hour {
		return time.Hour
	}
	return time.Minute
}

// WindowStart truncates t to the start of its window
func (g Granularity) WindowStart(t time.Time) time.Time {
	return t.UTC().Truncate(g.Duration())
}

// WindowID renders the window containing t as a compact, sortable identifier
func (g Granularity) WindowID(t time.Time) string {
	if g == Hour {
		return g.WindowStart(t).Format("2006010215")
	}
	return g.WindowStart(t).Format("200601021504")
}

// KeyBuilder builds the namespaced keys used across the control plane
type KeyBuilder struct{}

// NewKeyBuilder creates a new key builder
func NewKeyBuilder() *KeyBuilder {
	return &KeyBuilder{}
}

// LockKey builds a lock key for a scope
func (b *KeyBuilder) LockKey(scope string) string {
	return "lock:" + scope
}

// RateLimitUserKey builds a per-user window counter key
func (b *KeyBuilder) RateLimitUserKey(userID string, g Granularity, at time.Time) string {
	return fmt.Sprintf("rate_limit:user:%s:%s:%s", userID, g, g.WindowID(at))
}

// RateLimitIPKey builds a per-IP window counter key
func (b *KeyBuilder) RateLimitIPKey(ip string, g Granularity, at time.Time) string {
	return fmt.Sprintf("rate_limit:ip:%s:%s:%s", ip, g, g.WindowID(at))
}

// HourlyQuotaKey builds the free tier hourly sub-limit counter key
func (b *KeyBuilder) HourlyQuotaKey(userID, quotaType string, at time.Time) string {
	return fmt.Sprintf("hourly_quota:%s:%s:%s", userID, quotaType, Hour.WindowID(at))
}

// InstanceCreationKey builds the daily instance creation counter key
func (b *KeyBuilder) InstanceCreationKey(userID string, day time.Time) string {
	return fmt.Sprintf("instance_creation:%s:%s", userID, day.UTC().Format("2006-01-02"))
}

// HealthCheckKey builds the key used by the write/read health check
func (b *KeyBuilder) HealthCheckKey(id string) string {
	return "health:check:" + id
}

// ParseLockKey extracts the scope from a lock key
func (b *KeyBuilder) ParseLockKey(key string) (string, error) {
	scope, ok := strings.CutPrefix(key, "lock:")
	if !ok || scope == "" {
		return "", fmt.Errorf("invalid lock key format: %s", key)
	}
	return scope, nil
}

// ParseRateLimitKey splits a rate limit key into identity kind ("user" or "ip"), identity, granularity and window.
// IPv6 identities contain colons, so the key is parsed from both ends.
func (b *KeyBuilder) ParseRateLimitKey(key string) (kind, identity string, g Granularity, window string, err error) {
	rest, ok := strings.CutPrefix(key, "rate_limit:")
	if !ok {
		return "", "", "", "", fmt.Errorf("invalid rate limit key format: %s", key)
	}
	kind, rest, ok = strings.Cut(rest, ":")
	if !ok || (kind != "user" && kind != "ip") {
		return "", "", "", "", fmt.Errorf("invalid rate limit key format: %s", key)
	}

	last := strings.LastIndex(rest, ":")
	if last <= 0 {
		return "", "", "", "", fmt.Errorf("invalid rate limit key format: %s", key)
	}
	window = rest[last+1:]
	rest = rest[:last]

	prev := strings.LastIndex(rest, ":")
	if prev <= 0 {
		return "", "", "", "", fmt.Errorf("invalid rate limit key format: %s", key)
	}
	g = Granularity(rest[prev+1:])
	if g != Minute && g != Hour {
		return "", "", "", "", fmt.Errorf("invalid rate limit granularity in key: %s", key)
	}
	return kind, rest[:prev], g, window, nil
}

// ResponseCacheKey builds a cached upstream response key; scope "executions:<instance>"
// yields "n8n_executions:<instance>:<digest>"
func (b *KeyBuilder) ResponseCacheKey(scope, digest string) string {
	return "n8n_" + scope + ":" + digest
}

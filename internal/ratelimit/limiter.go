// Package ratelimit admits or rejects inbound requests using fixed,
// wall-clock aligned minute and hour windows counted in the key-value store.
// Authenticated users are limited by their plan; everyone else by client IP.
// An unreachable store admits every request.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/flowdash-app/flowdash-backend/internal/distlock"
	"github.com/flowdash-app/flowdash-backend/internal/kvstore"
	"github.com/flowdash-app/flowdash-backend/internal/plans"
	"github.com/flowdash-app/flowdash-backend/internal/slogging"
	"github.com/flowdash-app/flowdash-backend/internal/users"
)

// RetryAfterSeconds is the retry hint on every denial
const RetryAfterSeconds = 60

// UnknownIP identifies clients whose address could not be determined
const UnknownIP = "unknown"

// IdentityKind tells whether a request was counted against a user or an IP
type IdentityKind string

const (
	IdentityUser IdentityKind = "user"
	IdentityIP   IdentityKind = "ip"
)

// Request carries the parts of an inbound request the limiter looks at
type Request struct {
	Path          string
	Authorization string
	ForwardedFor  string
	RealIP        string
	RemoteAddr    string
}

// Result is an admission decision
type Result struct {
	Allowed bool
	// Skipped is set for allow-listed paths, which are never counted
	Skipped      bool
	Tester       bool
	Identity     string
	IdentityKind IdentityKind
	Plan         plans.Tier
	// Limit, Remaining and Reset describe the minute window for identified users
	Limit      int
	Remaining  int
	Reset      int64
	RetryAfter int
	Detail     string
}

// Authenticator maps an Authorization header to a user id
type Authenticator interface {
	UserID(authorization string) (string, error)
}

// Recorder observes admission outcomes
type Recorder interface {
	RecordRateLimit(ctx context.Context, scope string, allowed bool)
}

// Config holds the anonymous caps and the allow-list
type Config struct {
	IPPerMinute  int
	IPPerHour    int
	SkipPaths    []string
	SkipPrefixes []string
}

// DefaultConfig returns the built-in anonymous caps and allow-list
func DefaultConfig() Config {
	return Config{
		IPPerMinute:  30,
		IPPerHour:    500,
		SkipPaths:    []string{"/health", "/docs", "/openapi.json", "/redoc", "/metrics"},
		SkipPrefixes: []string{"/api/v1/webhooks"},
	}
}

type Limiter struct {
	store   kvstore.Client
	auth    Authenticator
	users   users.Resolver
	catalog plans.Catalog
	keys    *kvstore.KeyBuilder
	cfg     Config
	logger  *slogging.Logger
	metrics Recorder
	now     func() time.Time

	locker   *distlock.Locker
	lockOpts distlock.Options
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithRecorder(r Recorder) Option {
	return func(l *Limiter) { l.metrics = r }
}

// WithWindowLock serializes the read-compare-increment of each window. Without
// it concurrent requests may overshoot a cap by the number in flight.
func WithWindowLock(locker *distlock.Locker, wait time.Duration) Option {
	return func(l *Limiter) {
		l.locker = locker
		l.lockOpts = distlock.Options{Hold: time.Second, Wait: wait, Policy: distlock.ProceedUnguarded}
	}
}

// New creates a limiter. auth may be nil, in which case every request is limited by IP.
func New(store kvstore.Client, auth Authenticator, resolver users.Resolver, catalog plans.Catalog,
	cfg Config, logger *slogging.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = slogging.Get()
	}
	l := &Limiter{
		store:   store,
		auth:    auth,
		users:   resolver,
		catalog: catalog,
		keys:    kvstore.NewKeyBuilder(),
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "ratelimit")),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Skip reports whether path bypasses admission control
func (l *Limiter) Skip(path string) bool {
	for _, p := range l.cfg.SkipPaths {
		if path == p {
			return true
		}
	}
	for _, p := range l.cfg.SkipPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Admit decides whether req may proceed and, if so, counts it
func (l *Limiter) Admit(ctx context.Context, req Request) Result {
	if l.Skip(req.Path) {
		return Result{Allowed: true, Skipped: true}
	}

	now := l.now()
	if rec, ok := l.identify(ctx, req); ok {
		res := l.admitUser(ctx, rec, now)
		l.record(ctx, res)
		return res
	}

	ip := ClientIP(req)
	res := Result{Identity: ip, IdentityKind: IdentityIP}
	w := l.admitWindows(ctx, IdentityIP, ip, l.cfg.IPPerMinute, l.cfg.IPPerHour, now)
	if !w.allowed {
		res.RetryAfter = RetryAfterSeconds
		res.Detail = "Rate limit exceeded. Please authenticate or try again later."
		l.logger.Debug("Rate limited ip %s in %s window", ip, w.exceeded)
	} else {
		res.Allowed = true
	}
	l.record(ctx, res)
	return res
}

func (l *Limiter) identify(ctx context.Context, req Request) (users.Record, bool) {
	if l.auth == nil || req.Authorization == "" {
		return users.Record{}, false
	}
	userID, err := l.auth.UserID(req.Authorization)
	if err != nil {
		return users.Record{}, false
	}
	rec, err := l.users.Resolve(ctx, userID)
	if err != nil {
		l.logger.Debug("Could not resolve user %s for rate limiting, falling back to ip: %v", userID, err)
		return users.Record{}, false
	}
	return rec, true
}

func (l *Limiter) admitUser(ctx context.Context, rec users.Record, now time.Time) Result {
	res := Result{Identity: rec.ID, IdentityKind: IdentityUser, Plan: rec.PlanTier}
	if rec.IsTester {
		res.Allowed, res.Tester = true, true
		return res
	}

	limits, err := l.catalog.LimitsFor(ctx, rec.PlanTier)
	if err != nil {
		l.logger.Warn("Could not resolve limits for plan %s, admitting request: %v", rec.PlanTier, err)
		res.Allowed = true
		return res
	}
	res.Plan = limits.Tier

	w := l.admitWindows(ctx, IdentityUser, rec.ID, limits.RequestsPerMinute, limits.RequestsPerHour, now)
	if !w.allowed {
		ceiling := limits.RequestsPerMinute
		if w.exceeded == kvstore.Hour {
			ceiling = limits.RequestsPerHour
		}
		res.RetryAfter = RetryAfterSeconds
		res.Detail = fmt.Sprintf("Rate limit exceeded. Your %s plan allows %d requests per %s. Please try again later.",
			limits.Tier, ceiling, w.exceeded)
		l.logger.Debug("Rate limited user %s in %s window", rec.ID, w.exceeded)
		return res
	}

	res.Allowed = true
	res.Limit = limits.RequestsPerMinute
	if !plans.IsUnlimited(res.Limit) {
		res.Remaining = max(0, res.Limit-int(w.minuteCount)-1)
	} else {
		res.Remaining = plans.Unlimited
	}
	res.Reset = now.Add(time.Minute).Unix()
	return res
}

type windowOutcome struct {
	allowed     bool
	exceeded    kvstore.Granularity
	minuteCount int64
}

func (l *Limiter) admitWindows(ctx context.Context, kind IdentityKind, identity string, perMinute, perHour int, now time.Time) windowOutcome {
	var out windowOutcome
	run := func(ctx context.Context) error {
		out = l.countWindows(ctx, kind, identity, perMinute, perHour, now)
		return nil
	}
	if l.locker == nil {
		_ = run(ctx)
		return out
	}
	scope := distlock.WindowScope(string(kind)+":"+identity, kvstore.Minute, now)
	_ = l.locker.WithLock(ctx, scope, l.lockOpts, run)
	return out
}

func (l *Limiter) countWindows(ctx context.Context, kind IdentityKind, identity string, perMinute, perHour int, now time.Time) windowOutcome {
	minuteKey := l.windowKey(kind, identity, kvstore.Minute, now)
	hourKey := l.windowKey(kind, identity, kvstore.Hour, now)
	checkMinute := !plans.IsUnlimited(perMinute)
	checkHour := !plans.IsUnlimited(perHour)

	// a store failure reads as zero
	var minuteCount int64
	if checkMinute {
		minuteCount, _ = l.store.GetInt(ctx, minuteKey)
		if minuteCount >= int64(perMinute) {
			return windowOutcome{exceeded: kvstore.Minute, minuteCount: minuteCount}
		}
	}
	if checkHour {
		hourCount, _ := l.store.GetInt(ctx, hourKey)
		if hourCount >= int64(perHour) {
			return windowOutcome{exceeded: kvstore.Hour, minuteCount: minuteCount}
		}
	}

	out := windowOutcome{allowed: true}
	if checkMinute {
		if n, ok := l.store.Incr(ctx, minuteKey, 1); ok {
			out.minuteCount = n
			l.store.Expire(ctx, minuteKey, int(kvstore.Minute.Duration().Seconds()))
		}
	}
	if checkHour {
		if _, ok := l.store.Incr(ctx, hourKey, 1); ok {
			l.store.Expire(ctx, hourKey, int(kvstore.Hour.Duration().Seconds()))
		}
	}
	return out
}

func (l *Limiter) windowKey(kind IdentityKind, identity string, g kvstore.Granularity, now time.Time) string {
	if kind == IdentityUser {
		return l.keys.RateLimitUserKey(identity, g, now)
	}
	return l.keys.RateLimitIPKey(identity, g, now)
}

func (l *Limiter) record(ctx context.Context, res Result) {
	if l.metrics == nil {
		return
	}
	l.metrics.RecordRateLimit(ctx, string(res.IdentityKind), res.Allowed)
}

// ClientIP picks the first X-Forwarded-For entry, then X-Real-IP, then the peer address
func ClientIP(req Request) string {
	if req.ForwardedFor != "" {
		first, _, _ := strings.Cut(req.ForwardedFor, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(req.RealIP); ip != "" {
		return ip
	}
	if req.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
			return host
		}
		return req.RemoteAddr
	}
	return UnknownIP
}

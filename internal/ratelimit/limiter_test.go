package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flowdash-app/flowdash-backend/internal/distlock"
	"github.com/flowdash-app/flowdash-backend/internal/kvstore"
	"github.com/flowdash-app/flowdash-backend/internal/plans"
	"github.com/flowdash-app/flowdash-backend/internal/users"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAuth accepts "Bearer <user id>"
type fakeAuth struct{}

func (fakeAuth) UserID(authorization string) (string, error) {
	id, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || id == "" {
		return "", errors.New("invalid token")
	}
	return id, nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	limiter *Limiter
	mr      *miniredis.Miniredis
	store   *kvstore.RedisStore
	clock   *testClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store := kvstore.NewRedisStore(kvstore.Config{
		Addr:        mr.Addr(),
		DialTimeout: 200 * time.Millisecond,
		OpTimeout:   200 * time.Millisecond,
	}, nil)
	t.Cleanup(func() { _ = store.Close() })

	limits := plans.Defaults()
	// pro: 60 per minute, unlimited per hour
	limits[1].RequestsPerMinute = 60
	limits[1].RequestsPerHour = plans.Unlimited
	// free: generous minute, tight hour
	limits[0].RequestsPerMinute = 100
	limits[0].RequestsPerHour = 3

	resolver := users.NewStaticResolver(
		users.Record{ID: "pro-user", PlanTier: plans.TierPro},
		users.Record{ID: "free-user", PlanTier: plans.TierFree},
		users.Record{ID: "tester", PlanTier: plans.TierFree, IsTester: true},
	)
	clock := &testClock{t: time.Date(2026, 3, 14, 9, 15, 10, 0, time.UTC)}

	opts = append([]Option{WithClock(clock.Now)}, opts...)
	l := New(store, fakeAuth{}, resolver, plans.NewStaticCatalog(limits), DefaultConfig(), nil, opts...)
	return &fixture{limiter: l, mr: mr, store: store, clock: clock}
}

func TestLimiter_Skip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, path := range []string{"/health", "/docs", "/openapi.json", "/redoc", "/metrics", "/api/v1/webhooks/n8n/abc"} {
		res := f.limiter.Admit(ctx, Request{Path: path, RemoteAddr: "198.51.100.1:5000"})
		assert.True(t, res.Allowed, path)
		assert.True(t, res.Skipped, path)
	}
	assert.Empty(t, f.mr.Keys(), "skipped paths are never counted")

	res := f.limiter.Admit(ctx, Request{Path: "/healthz", RemoteAddr: "198.51.100.1:5000"})
	assert.False(t, res.Skipped)
}

func TestLimiter_UserMinuteBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := Request{Path: "/api/v1/instances", Authorization: "Bearer pro-user"}

	for i := 1; i <= 60; i++ {
		res := f.limiter.Admit(ctx, req)
		require.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, IdentityUser, res.IdentityKind)
		assert.Equal(t, 60, res.Limit)
		assert.Equal(t, max(0, 60-i-1), res.Remaining, "request %d", i)
	}

	res := f.limiter.Admit(ctx, req)
	assert.False(t, res.Allowed)
	assert.Equal(t, 60, res.RetryAfter)
	assert.Equal(t, "Rate limit exceeded. Your pro plan allows 60 requests per minute. Please try again later.", res.Detail)

	f.clock.Advance(time.Minute)
	res = f.limiter.Admit(ctx, req)
	assert.True(t, res.Allowed, "a new window starts fresh")
	assert.Equal(t, f.clock.Now().Add(time.Minute).Unix(), res.Reset)
}

func TestLimiter_UserHourCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := Request{Path: "/api/v1/quota/status", Authorization: "Bearer free-user"}

	for i := 0; i < 3; i++ {
		require.True(t, f.limiter.Admit(ctx, req).Allowed)
		f.clock.Advance(time.Minute)
	}
	res := f.limiter.Admit(ctx, req)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Detail, "3 requests per hour")

	hourKey := kvstore.NewKeyBuilder().RateLimitUserKey("free-user", kvstore.Hour, f.clock.Now())
	assert.Equal(t, time.Hour, f.mr.TTL(hourKey))
}

func TestLimiter_AnonymousIPCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := Request{Path: "/api/v1/plans", RemoteAddr: "203.0.113.7:41000"}

	for i := 1; i <= 30; i++ {
		res := f.limiter.Admit(ctx, req)
		require.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, IdentityIP, res.IdentityKind)
		assert.Equal(t, "203.0.113.7", res.Identity)
	}

	res := f.limiter.Admit(ctx, req)
	assert.False(t, res.Allowed)
	assert.Equal(t, 60, res.RetryAfter)
	assert.Equal(t, "Rate limit exceeded. Please authenticate or try again later.", res.Detail)

	other := f.limiter.Admit(ctx, Request{Path: "/api/v1/plans", RemoteAddr: "203.0.113.8:41000"})
	assert.True(t, other.Allowed)
}

func TestLimiter_InvalidCredentialFallsBackToIP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.limiter.Admit(ctx, Request{Path: "/x", Authorization: "Basic abc", ForwardedFor: "192.0.2.4"})
	assert.Equal(t, IdentityIP, res.IdentityKind)
	assert.Equal(t, "192.0.2.4", res.Identity)

	res = f.limiter.Admit(ctx, Request{Path: "/x", Authorization: "Bearer nobody", ForwardedFor: "192.0.2.4"})
	assert.Equal(t, IdentityIP, res.IdentityKind, "unknown users are limited by ip")
}

func TestLimiter_TesterBypass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		res := f.limiter.Admit(ctx, Request{Path: "/x", Authorization: "Bearer tester"})
		require.True(t, res.Allowed)
		require.True(t, res.Tester)
	}
	assert.Empty(t, f.mr.Keys())
}

func TestLimiter_StoreDownAdmits(t *testing.T) {
	f := newFixture(t)
	f.mr.Close()
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		res := f.limiter.Admit(ctx, Request{Path: "/x", RemoteAddr: "203.0.113.7:1"})
		require.True(t, res.Allowed)
	}
}

func TestLimiter_WindowLock(t *testing.T) {
	f := newFixture(t)
	f.limiter = New(f.store, fakeAuth{}, f.limiter.users, f.limiter.catalog, DefaultConfig(), nil,
		WithClock(f.clock.Now), WithWindowLock(distlock.New(f.store, nil), 30*time.Second))
	ctx := context.Background()

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.limiter.Admit(ctx, Request{Path: "/x", RemoteAddr: "203.0.113.9:1"}).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 30, allowed)
}

type scopeCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (s *scopeCounter) RecordRateLimit(_ context.Context, scope string, allowed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts == nil {
		s.counts = map[string]int{}
	}
	s.counts[fmt.Sprintf("%s/%t", scope, allowed)]++
}

func TestLimiter_Recorder(t *testing.T) {
	rec := &scopeCounter{}
	f := newFixture(t, WithRecorder(rec))
	ctx := context.Background()

	f.limiter.Admit(ctx, Request{Path: "/x", Authorization: "Bearer pro-user"})
	f.limiter.Admit(ctx, Request{Path: "/x", RemoteAddr: "203.0.113.7:1"})
	f.limiter.Admit(ctx, Request{Path: "/health"})

	assert.Equal(t, map[string]int{"user/true": 1, "ip/true": 1}, rec.counts)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"forwarded first entry", Request{ForwardedFor: " 203.0.113.7 , 10.0.0.1", RealIP: "10.0.0.2", RemoteAddr: "10.0.0.3:1"}, "203.0.113.7"},
		{"real ip", Request{RealIP: "198.51.100.2", RemoteAddr: "10.0.0.3:1"}, "198.51.100.2"},
		{"peer address", Request{RemoteAddr: "192.0.2.10:5555"}, "192.0.2.10"},
		{"ipv6 peer", Request{RemoteAddr: "[2001:db8::1]:443"}, "2001:db8::1"},
		{"peer without port", Request{RemoteAddr: "192.0.2.11"}, "192.0.2.11"},
		{"nothing", Request{}, UnknownIP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClientIP(tt.req))
		})
	}
}

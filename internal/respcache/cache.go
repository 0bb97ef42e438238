// Package respcache caches idempotent upstream list responses in the key-value
// store with a per-plan TTL.
package respcache

import (
	"context"
	"crypto/md5" //nolint:gosec // key digest, not a security boundary
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/flowdash-app/flowdash-backend/internal/kvstore"
	"github.com/flowdash-app/flowdash-backend/internal/plans"
	"github.com/flowdash-app/flowdash-backend/internal/slogging"
	"golang.org/x/sync/singleflight"
)

// digestLength is the number of hex characters of the params digest kept in a key
const digestLength = 8

// Recorder observes lookups
type Recorder interface {
	RecordCacheLookup(ctx context.Context, hit bool)
}

// Key derives the store key for a scope and query parameters. Parameter order
// does not matter: maps are encoded with sorted keys.
func Key(scope string, params map[string]any) string {
	if params == nil {
		params = map[string]any{}
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		// unencodable values still need a stable key
		encoded = fmt.Appendf(nil, "%v", params)
	}
	sum := md5.Sum(encoded) //nolint:gosec
	return kvstore.NewKeyBuilder().ResponseCacheKey(scope, hex.EncodeToString(sum[:])[:digestLength])
}

// ExecutionsScope is the scope of an n8n instance's execution listings
func ExecutionsScope(instanceID string) string {
	return "executions:" + instanceID
}

// WorkflowsScope is the scope of an n8n instance's workflow listings
func WorkflowsScope(instanceID string) string {
	return "workflows:" + instanceID
}

// TTLFor returns the cache lifetime in minutes for a plan
func TTLFor(limits plans.Limits) int {
	return max(1, limits.CacheTTLMinutes)
}

// BypassFor reports whether a lookup must skip the cached copy. Testers always see live data.
func BypassFor(isTester, forceRefresh bool) bool {
	return isTester || forceRefresh
}

type Cache struct {
	store    kvstore.Client
	logger   *slogging.Logger
	metrics  Recorder
	disabled bool
	group    singleflight.Group
}

type Option func(*Cache)

func WithRecorder(r Recorder) Option {
	return func(c *Cache) { c.metrics = r }
}

// Disabled turns every read into a miss and every write into a no-op
func Disabled() Option {
	return func(c *Cache) { c.disabled = true }
}

func New(store kvstore.Client, logger *slogging.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = slogging.Get()
	}
	c := &Cache{store: store, logger: logger.With(slog.String("component", "respcache"))}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get decodes the cached value into dst, a non-nil pointer. It returns false on
// a miss, a corrupt entry or an unreachable store.
func (c *Cache) Get(ctx context.Context, scope string, params map[string]any, dst any) bool {
	if c.disabled {
		return false
	}
	hit := c.store.Get(ctx, Key(scope, params), dst)
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(ctx, hit)
	}
	return hit
}

func (c *Cache) Set(ctx context.Context, scope string, params map[string]any, value any, ttlMinutes int) bool {
	if c.disabled {
		return false
	}
	return c.store.Set(ctx, Key(scope, params), value, ttlMinutes)
}

func (c *Cache) Invalidate(ctx context.Context, scope string, params map[string]any) bool {
	return c.store.Delete(ctx, Key(scope, params))
}

// FetchRequest describes a read-through lookup
type FetchRequest struct {
	Scope      string
	Params     map[string]any
	TTLMinutes int
	// Bypass skips the read; the fresh value is still written back
	Bypass bool
}

// Fetch serves dst from the cache or, on a miss, from load, writing the loaded
// value back. Concurrent misses for the same key share one load. The shared load
// runs detached from any single caller's cancellation; each caller stops waiting
// when its own ctx is done.
func (c *Cache) Fetch(ctx context.Context, req FetchRequest, dst any, load func(ctx context.Context) (any, error)) (hit bool, err error) {
	if !req.Bypass && c.Get(ctx, req.Scope, req.Params, dst) {
		return true, nil
	}

	key := Key(req.Scope, req.Params)
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		value, err := load(shared)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s response: %w", req.Scope, err)
		}
		c.Set(shared, req.Scope, req.Params, json.RawMessage(encoded), req.TTLMinutes)
		return encoded, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return false, res.Err
	}
	if res.Shared {
		c.logger.Debug("Coalesced concurrent fetch for %s", key)
	}
	if err := json.Unmarshal(res.Val.([]byte), dst); err != nil {
		return false, fmt.Errorf("failed to decode %s response: %w", req.Scope, err)
	}
	return false, nil
}

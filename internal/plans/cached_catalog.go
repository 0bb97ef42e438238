package plans

import (
	"context"
	"sync"
	"time"
)

type cachedLimits struct {
	limits    Limits
	expiresAt time.Time
}

// CachedCatalog keeps per-tier lookups in memory for ttl. A background
// goroutine sweeps expired entries until Stop is called.
type CachedCatalog struct {
	next Catalog
	ttl  time.Duration

	mu      sync.RWMutex
	entries map[Tier]cachedLimits

	ticker   *time.Ticker
	stop     chan struct{}
	stopOnce sync.Once
}

func NewCachedCatalog(next Catalog, ttl time.Duration) *CachedCatalog {
	if ttl <= 0 {
		ttl = time.Minute
	}
	c := &CachedCatalog{
		next:    next,
		ttl:     ttl,
		entries: make(map[Tier]cachedLimits),
		ticker:  time.NewTicker(ttl),
		stop:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

func (c *CachedCatalog) LimitsFor(ctx context.Context, tier Tier) (Limits, error) {
	c.mu.RLock()
	e, ok := c.entries[tier]
	c.mu.RUnlock()
	if ok && time.Now().Before(e.expiresAt) {
		return e.limits, nil
	}

	limits, err := c.next.LimitsFor(ctx, tier)
	if err != nil {
		return Limits{}, err
	}

	c.mu.Lock()
	c.entries[tier] = cachedLimits{limits: limits, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return limits, nil
}

// List is not cached; it backs the plan listing endpoint only
func (c *CachedCatalog) List(ctx context.Context) ([]Limits, error) {
	return c.next.List(ctx)
}

// Invalidate drops every cached tier
func (c *CachedCatalog) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[Tier]cachedLimits)
	c.mu.Unlock()
}

func (c *CachedCatalog) Stop() {
	c.stopOnce.Do(func() {
		c.ticker.Stop()
		close(c.stop)
	})
}

func (c *CachedCatalog) sweep() {
	for {
		select {
		case <-c.ticker.C:
			now := time.Now()
			c.mu.Lock()
			for tier, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, tier)
				}
			}
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}

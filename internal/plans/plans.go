// Package plans holds the typed limit records for each subscription tier and
// the catalogs that serve them.
package plans

import (
	"context"
	"strings"
)

// Unlimited is the sentinel for "no ceiling" in every numeric limit
const Unlimited = -1

// Tier is a subscription level
type Tier string

const (
	TierFree     Tier = "free"
	TierPro      Tier = "pro"
	TierBusiness Tier = "business"
)

// ParseTier normalizes a stored tier name. Unknown names map to free.
func ParseTier(s string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierPro:
		return TierPro
	case TierBusiness:
		return TierBusiness
	default:
		return TierFree
	}
}

// Limits is the full limit set of one tier
type Limits struct {
	Tier              Tier     `json:"tier"`
	Name              string   `json:"name"`
	TogglesPerDay     int      `json:"toggles_per_day"`
	RefreshesPerDay   int      `json:"refreshes_per_day"`
	ErrorViewsPerDay  int      `json:"error_views_per_day"`
	Triggers          int      `json:"triggers"`
	MaxInstances      int      `json:"max_instances"`
	RequestsPerMinute int      `json:"requests_per_minute"`
	RequestsPerHour   int      `json:"requests_per_hour"`
	CacheTTLMinutes   int      `json:"cache_ttl_minutes"`
	PushNotifications bool     `json:"push_notifications"`
	PriceMonthly      float64  `json:"price_monthly"`
	PriceYearly       float64  `json:"price_yearly"`
	Features          []string `json:"features"`
	Recommended       bool     `json:"recommended"`
}

// DailyLimit returns the per-day ceiling for a quota type name
// ("toggles", "refreshes" or "error_views"). ok is false for other names.
func (l Limits) DailyLimit(quotaType string) (limit int, ok bool) {
	switch quotaType {
	case "toggles":
		return l.TogglesPerDay, true
	case "refreshes":
		return l.RefreshesPerDay, true
	case "error_views":
		return l.ErrorViewsPerDay, true
	default:
		return 0, false
	}
}

// IsFree reports whether hourly burst protection applies to the tier
func (l Limits) IsFree() bool {
	return l.Tier == TierFree
}

// IsUnlimited reports whether n is the unlimited sentinel
func IsUnlimited(n int) bool {
	return n == Unlimited
}

// Catalog resolves the limits of a tier. Unknown tiers resolve to free.
type Catalog interface {
	LimitsFor(ctx context.Context, tier Tier) (Limits, error)
	List(ctx context.Context) ([]Limits, error)
}

// Defaults returns the built-in catalog in display order
func Defaults() []Limits {
	return []Limits{
		{
			Tier: TierFree, Name: "Free",
			TogglesPerDay: 0, RefreshesPerDay: 5, ErrorViewsPerDay: 3,
			Triggers: 1, MaxInstances: 1,
			RequestsPerMinute: 60, RequestsPerHour: 1000,
			CacheTTLMinutes: 30,
			Features: []string{
				"Read-only monitoring",
				"5 list refreshes per day",
				"3 detailed error views per day",
				"1 simple mobile trigger",
				"1 n8n instance",
				"30-minute data cache",
			},
		},
		{
			Tier: TierPro, Name: "Pro",
			TogglesPerDay: 100, RefreshesPerDay: 200, ErrorViewsPerDay: Unlimited,
			Triggers: 10, MaxInstances: 5,
			RequestsPerMinute: 120, RequestsPerHour: 5000,
			CacheTTLMinutes: 3, PushNotifications: true,
			PriceMonthly: 19.99, PriceYearly: 199.99,
			Recommended: true,
			Features: []string{
				"Instant push notifications",
				"100 workflow toggles per day",
				"200 list refreshes per day",
				"Unlimited detailed error views",
				"10 custom triggers with forms",
				"Up to 5 n8n instances",
			},
		},
		{
			Tier: TierBusiness, Name: "Business",
			TogglesPerDay: Unlimited, RefreshesPerDay: Unlimited, ErrorViewsPerDay: Unlimited,
			Triggers: Unlimited, MaxInstances: Unlimited,
			RequestsPerMinute: 300, RequestsPerHour: Unlimited,
			CacheTTLMinutes: 1, PushNotifications: true,
			PriceMonthly: 49.99, PriceYearly: 499.99,
			Features: []string{
				"Everything in Pro",
				"Unlimited toggles, refreshes and error views",
				"Unlimited n8n instances",
				"1-minute data cache",
			},
		},
	}
}

// StaticCatalog serves a fixed table
type StaticCatalog struct {
	byTier map[Tier]Limits
	order  []Tier
}

// NewStaticCatalog builds a catalog from limits; nil means Defaults()
func NewStaticCatalog(limits []Limits) *StaticCatalog {
	if limits == nil {
		limits = Defaults()
	}
	c := &StaticCatalog{byTier: make(map[Tier]Limits, len(limits))}
	for _, l := range limits {
		c.byTier[l.Tier] = l
		c.order = append(c.order, l.Tier)
	}
	return c
}

func (c *StaticCatalog) LimitsFor(_ context.Context, tier Tier) (Limits, error) {
	if l, ok := c.byTier[tier]; ok {
		return l, nil
	}
	return c.byTier[TierFree], nil
}

func (c *StaticCatalog) List(_ context.Context) ([]Limits, error) {
	out := make([]Limits, 0, len(c.order))
	for _, t := range c.order {
		out = append(out, c.byTier[t])
	}
	return out, nil
}

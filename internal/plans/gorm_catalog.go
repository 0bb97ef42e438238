package plans

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowdash-app/flowdash-backend/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormCatalog reads active plans from the plans table
type GormCatalog struct {
	db *gorm.DB
}

func NewGormCatalog(db *gorm.DB) *GormCatalog {
	return &GormCatalog{db: db}
}

// LimitsFor loads tier, falling back to the free row, then to the built-in
// free limits when the table has neither
func (c *GormCatalog) LimitsFor(ctx context.Context, tier Tier) (Limits, error) {
	for _, t := range []Tier{tier, TierFree} {
		var row models.Plan
		err := c.db.WithContext(ctx).Where("tier = ? AND active = ?", string(t), true).First(&row).Error
		if err == nil {
			return fromModel(row), nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return Limits{}, fmt.Errorf("failed to load plan %s: %w", t, err)
		}
		if t == TierFree {
			break
		}
	}
	return Defaults()[0], nil
}

func (c *GormCatalog) List(ctx context.Context) ([]Limits, error) {
	var rows []models.Plan
	if err := c.db.WithContext(ctx).Where("active = ?", true).Order("price_monthly ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	out := make([]Limits, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromModel(r))
	}
	return out, nil
}

// Seed upserts the given limits (nil means Defaults()) keyed by tier
func (c *GormCatalog) Seed(ctx context.Context, limits []Limits) error {
	if limits == nil {
		limits = Defaults()
	}
	rows := make([]models.Plan, 0, len(limits))
	for _, l := range limits {
		rows = append(rows, toModel(l))
	}
	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tier"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "price_monthly", "price_yearly",
			"toggles_per_day", "refreshes_per_day", "error_views_per_day",
			"triggers", "max_instances", "requests_per_minute", "requests_per_hour",
			"cache_ttl_minutes", "push_notifications", "features", "recommended", "modified_at",
		}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to seed plans: %w", err)
	}
	return nil
}

func fromModel(p models.Plan) Limits {
	return Limits{
		Tier:              Tier(p.Tier),
		Name:              p.Name,
		TogglesPerDay:     p.TogglesPerDay,
		RefreshesPerDay:   p.RefreshesPerDay,
		ErrorViewsPerDay:  p.ErrorViewsPerDay,
		Triggers:          p.Triggers,
		MaxInstances:      p.MaxInstances,
		RequestsPerMinute: p.RequestsPerMinute,
		RequestsPerHour:   p.RequestsPerHour,
		CacheTTLMinutes:   p.CacheTTLMinutes,
		PushNotifications: p.PushNotifications,
		PriceMonthly:      p.PriceMonthly,
		PriceYearly:       p.PriceYearly,
		Features:          []string(p.Features),
		Recommended:       p.Recommended,
	}
}

func toModel(l Limits) models.Plan {
	return models.Plan{
		Tier:              string(l.Tier),
		Name:              l.Name,
		PriceMonthly:      l.PriceMonthly,
		PriceYearly:       l.PriceYearly,
		TogglesPerDay:     l.TogglesPerDay,
		RefreshesPerDay:   l.RefreshesPerDay,
		ErrorViewsPerDay:  l.ErrorViewsPerDay,
		Triggers:          l.Triggers,
		MaxInstances:      l.MaxInstances,
		RequestsPerMinute: l.RequestsPerMinute,
		RequestsPerHour:   l.RequestsPerHour,
		CacheTTLMinutes:   l.CacheTTLMinutes,
		PushNotifications: l.PushNotifications,
		Features:          models.StringArray(l.Features),
		Active:            true,
		Recommended:       l.Recommended,
	}
}

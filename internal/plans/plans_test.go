package plans

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/flowdash-app/flowdash-backend/internal/database"
	"github.com/flowdash-app/flowdash-backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestDailyLimit(t *testing.T) {
	free := Defaults()[0]
	tests := []struct {
		quotaType string
		want      int
		ok        bool
	}{
		{"toggles", 0, true},
		{"refreshes", 5, true},
		{"error_views", 3, true},
		{"triggers", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.quotaType, func(t *testing.T) {
			got, ok := free.DailyLimit(tt.quotaType)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	pro := Defaults()[1]
	limit, _ := pro.DailyLimit("error_views")
	assert.True(t, IsUnlimited(limit))
	assert.False(t, pro.IsFree())
	assert.True(t, free.IsFree())
}

func TestParseTier(t *testing.T) {
	assert.Equal(t, TierPro, ParseTier(" PRO "))
	assert.Equal(t, TierBusiness, ParseTier("business"))
	assert.Equal(t, TierFree, ParseTier("enterprise"))
	assert.Equal(t, TierFree, ParseTier(""))
}

func TestStaticCatalog(t *testing.T) {
	c := NewStaticCatalog(nil)
	ctx := context.Background()

	pro, err := c.LimitsFor(ctx, TierPro)
	require.NoError(t, err)
	assert.Equal(t, 3, pro.CacheTTLMinutes)

	unknown, err := c.LimitsFor(ctx, Tier("platinum"))
	require.NoError(t, err)
	assert.Equal(t, TierFree, unknown.Tier)

	all, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []Tier{TierFree, TierPro, TierBusiness}, []Tier{all[0].Tier, all[1].Tier, all[2].Tier})
}

func TestGormCatalog_SeedAndLookup(t *testing.T) {
	db := database.OpenTestDB(t)
	c := NewGormCatalog(db.Gorm())
	ctx := context.Background()

	free, err := c.LimitsFor(ctx, TierFree)
	require.NoError(t, err)
	assert.Equal(t, 5, free.RefreshesPerDay, "empty table falls back to built-in free limits")

	require.NoError(t, c.Seed(ctx, nil))
	require.NoError(t, c.Seed(ctx, nil), "seeding is idempotent")

	var count int64
	require.NoError(t, db.Gorm().Model(&models.Plan{}).Count(&count).Error)
	assert.Equal(t, int64(3), count)

	pro, err := c.LimitsFor(ctx, TierPro)
	require.NoError(t, err)
	assert.Equal(t, Unlimited, pro.ErrorViewsPerDay)
	assert.Equal(t, "Instant push notifications", pro.Features[0])
	assert.InDelta(t, 19.99, pro.PriceMonthly, 0.001)

	missing, err := c.LimitsFor(ctx, Tier("platinum"))
	require.NoError(t, err)
	assert.Equal(t, TierFree, missing.Tier)

	custom := Defaults()
	custom[0].RefreshesPerDay = 7
	require.NoError(t, c.Seed(ctx, custom))
	free, err = c.LimitsFor(ctx, TierFree)
	require.NoError(t, err)
	assert.Equal(t, 7, free.RefreshesPerDay, "seed updates existing rows")

	list, err := c.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 3)
	assert.Equal(t, TierFree, list[0].Tier)
}

func TestGormCatalog_QueryError(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT .* FROM "plans"`).WillReturnError(errors.New("connection reset"))

	_, err = NewGormCatalog(db).LimitsFor(context.Background(), TierPro)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

type countingCatalog struct {
	Catalog
	calls atomic.Int32
}

func (c *countingCatalog) LimitsFor(ctx context.Context, tier Tier) (Limits, error) {
	c.calls.Add(1)
	return c.Catalog.LimitsFor(ctx, tier)
}

func TestCachedCatalog(t *testing.T) {
	inner := &countingCatalog{Catalog: NewStaticCatalog(nil)}
	c := NewCachedCatalog(inner, 50*time.Millisecond)
	defer c.Stop()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l, err := c.LimitsFor(ctx, TierPro)
		require.NoError(t, err)
		assert.Equal(t, TierPro, l.Tier)
	}
	assert.Equal(t, int32(1), inner.calls.Load())

	c.Invalidate()
	_, _ = c.LimitsFor(ctx, TierPro)
	assert.Equal(t, int32(2), inner.calls.Load())

	time.Sleep(80 * time.Millisecond)
	_, _ = c.LimitsFor(ctx, TierPro)
	assert.Equal(t, int32(3), inner.calls.Load(), "expired entries are reloaded")

	c.Stop()
	c.Stop()
}

package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowdash-app/flowdash-backend/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CounterStore persists daily usage counters. Dates are DateKey strings.
type CounterStore interface {
	// Get returns the count, or 0 when no row exists
	Get(ctx context.Context, userID string, qt QuotaType, date string) (int64, error)
	// LoadOrCreate returns the count, creating a zero row when none exists
	LoadOrCreate(ctx context.Context, userID string, qt QuotaType, date string) (int64, error)
	// Increment adds by to the counter and returns the new count
	Increment(ctx context.Context, userID string, qt QuotaType, date string, by int64) (int64, error)
	// Reset zeroes the counters for a date, all types when qt is empty, and returns rows updated
	Reset(ctx context.Context, userID string, qt QuotaType, date string) (int64, error)
}

// GormCounterStore keeps counters in the quota_counters table
type GormCounterStore struct {
	db *gorm.DB
}

var _ CounterStore = (*GormCounterStore)(nil)

func NewGormCounterStore(db *gorm.DB) *GormCounterStore {
	return &GormCounterStore{db: db}
}

func scopeQuery(tx *gorm.DB, userID string, qt QuotaType, date string) *gorm.DB {
	return tx.Model(&models.QuotaCounter{}).
		Where("user_id = ? AND quota_type = ? AND quota_date = ?", userID, string(qt), date)
}

func (s *GormCounterStore) Get(ctx context.Context, userID string, qt QuotaType, date string) (int64, error) {
	var row models.QuotaCounter
	err := scopeQuery(s.db.WithContext(ctx), userID, qt, date).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s counter for user %s: %w", qt, userID, err)
	}
	return row.Count, nil
}

func (s *GormCounterStore) LoadOrCreate(ctx context.Context, userID string, qt QuotaType, date string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		count, err = loadOrCreate(tx, userID, qt, date)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load %s counter for user %s: %w", qt, userID, err)
	}
	return count, nil
}

// loadOrCreate tolerates a concurrent insert of the same row by ignoring the unique conflict and re-reading
func loadOrCreate(tx *gorm.DB, userID string, qt QuotaType, date string) (int64, error) {
	var row models.QuotaCounter
	err := scopeQuery(tx, userID, qt, date).First(&row).Error
	if err == nil {
		return row.Count, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	row = models.QuotaCounter{UserID: userID, QuotaType: string(qt), QuotaDate: date}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return 0, err
	}
	if err := scopeQuery(tx, userID, qt, date).First(&row).Error; err != nil {
		return 0, err
	}
	return row.Count, nil
}

func (s *GormCounterStore) Increment(ctx context.Context, userID string, qt QuotaType, date string, by int64) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadOrCreate(tx, userID, qt, date); err != nil {
			return err
		}
		if err := scopeQuery(tx, userID, qt, date).
			UpdateColumn("count", gorm.Expr("count + ?", by)).Error; err != nil {
			return err
		}
		var row models.QuotaCounter
		if err := scopeQuery(tx, userID, qt, date).First(&row).Error; err != nil {
			return err
		}
		count = row.Count
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s counter for user %s: %w", qt, userID, err)
	}
	return count, nil
}

func (s *GormCounterStore) Reset(ctx context.Context, userID string, qt QuotaType, date string) (int64, error) {
	q := s.db.WithContext(ctx).Model(&models.QuotaCounter{}).
		Where("user_id = ? AND quota_date = ?", userID, date)
	if qt != "" {
		q = q.Where("quota_type = ?", string(qt))
	}
	res := q.Updates(map[string]any{"count": 0})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to reset counters for user %s on %s: %w", userID, date, res.Error)
	}
	return res.RowsAffected, nil
}

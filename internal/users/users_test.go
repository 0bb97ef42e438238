package users

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/flowdash-app/flowdash-backend/internal/apperr"
	"github.com/flowdash-app/flowdash-backend/internal/database"
	"github.com/flowdash-app/flowdash-backend/internal/models"
	"github.com/flowdash-app/flowdash-backend/internal/plans"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestGormResolver(t *testing.T) {
	db := database.OpenTestDB(t)
	require.NoError(t, db.Gorm().Create(&[]models.User{
		{ID: "free-user", Email: "free@example.com", PlanTier: "free", IsActive: true},
		{ID: "pro-tester", Email: "tester@example.com", PlanTier: "PRO", IsTester: true, IsActive: true},
	}).Error)
	require.NoError(t, db.Gorm().Create(&models.User{ID: "gone", Email: "gone@example.com", IsActive: true}).Error)
	require.NoError(t, db.Gorm().Model(&models.User{}).Where("id = ?", "gone").Update("is_active", false).Error)

	r := NewGormResolver(db.Gorm())
	ctx := context.Background()

	rec, err := r.Resolve(ctx, "free-user")
	require.NoError(t, err)
	assert.Equal(t, Record{ID: "free-user", PlanTier: plans.TierFree}, rec)

	rec, err = r.Resolve(ctx, "pro-tester")
	require.NoError(t, err)
	assert.Equal(t, plans.TierPro, rec.PlanTier)
	assert.True(t, rec.IsTester)

	_, err = r.Resolve(ctx, "nobody")
	assert.True(t, apperr.IsNotFound(err))

	_, err = r.Resolve(ctx, "gone")
	assert.True(t, apperr.IsNotFound(err), "inactive users are not resolvable")
}

func TestGormResolver_DriverError(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT .* FROM "users"`).WillReturnError(errors.New("too many connections"))

	_, err = NewGormResolver(db).Resolve(context.Background(), "u1")
	require.Error(t, err)
	assert.False(t, apperr.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver(Record{ID: "a", PlanTier: plans.TierPro})
	rec, err := r.Resolve(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, plans.TierPro, rec.PlanTier)

	_, err = r.Resolve(context.Background(), "b")
	assert.True(t, apperr.IsNotFound(err))

	r.Put(Record{ID: "b", IsTester: true})
	rec, err = r.Resolve(context.Background(), "b")
	require.NoError(t, err)
	assert.True(t, rec.IsTester)
}

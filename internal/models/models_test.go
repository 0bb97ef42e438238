package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(AllModels()...))
	return db
}

func TestAutoMigrateAndUUIDs(t *testing.T) {
	db := setupTestDB(t)

	counter := QuotaCounter{UserID: "u1", QuotaType: "toggles", QuotaDate: "2026-10-15"}
	require.NoError(t, db.Create(&counter).Error)
	assert.Len(t, counter.ID, 36)

	instance := N8NInstance{UserID: "u1", Name: "prod", URL: "https://n8n.example.com", APIKeyEncrypted: "enc:v1:x"}
	require.NoError(t, db.Create(&instance).Error)
	assert.NotEmpty(t, instance.ID)
}

func TestQuotaCounterScopeIsUnique(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.Create(&QuotaCounter{UserID: "u1", QuotaType: "toggles", QuotaDate: "2026-10-15"}).Error)
	err := db.Create(&QuotaCounter{UserID: "u1", QuotaType: "toggles", QuotaDate: "2026-10-15"}).Error
	assert.Error(t, err)
	require.NoError(t, db.Create(&QuotaCounter{UserID: "u1", QuotaType: "toggles", QuotaDate: "2026-10-16"}).Error)
}

func TestPlanFeaturesRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.Create(&Plan{Tier: "pro", Name: "Pro", Features: StringArray{"push", "5 instances"}}).Error)

	var got Plan
	require.NoError(t, db.First(&got, "tier = ?", "pro").Error)
	assert.Equal(t, StringArray{"push", "5 instances"}, got.Features)
}

func TestStringArrayScan(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		want    StringArray
		wantErr bool
	}{
		{"nil", nil, StringArray{}, false},
		{"empty", "", StringArray{}, false},
		{"bytes", []byte(`["a","b"]`), StringArray{"a", "b"}, false},
		{"string", `["x"]`, StringArray{"x"}, false},
		{"garbage", "{not json", nil, true},
		{"wrong type", 42, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var a StringArray
			err := a.Scan(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, a)
		})
	}

	v, err := StringArray(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", v)
}

// Package models defines the GORM models for the flowdash record store.
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is an account authenticated by the identity provider. ID is the
// provider's subject.
type User struct {
	ID         string    `gorm:"column:id;primaryKey;type:varchar(128)"`
	Email      string    `gorm:"column:email;type:varchar(255);not null;uniqueIndex"`
	PlanTier   string    `gorm:"column:plan_tier;type:varchar(32);not null;default:free;index"`
	IsTester   bool      `gorm:"column:is_tester;not null;default:false"`
	IsActive   bool      `gorm:"column:is_active;not null;default:true"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;autoCreateTime"`
	ModifiedAt time.Time `gorm:"column:modified_at;not null;autoUpdateTime"`
}

func (User) TableName() string {
	return "users"
}

// Plan holds the limits of one subscription tier. -1 in any limit column
// means unlimited.
type Plan struct {
	Tier              string      `gorm:"column:tier;primaryKey;type:varchar(32)"`
	Name              string      `gorm:"column:name;type:varchar(64);not null"`
	PriceMonthly      float64     `gorm:"column:price_monthly;type:numeric(10,2);not null;default:0"`
	PriceYearly       float64     `gorm:"column:price_yearly;type:numeric(10,2);not null;default:0"`
	TogglesPerDay     int         `gorm:"column:toggles_per_day;not null"`
	RefreshesPerDay   int         `gorm:"column:refreshes_per_day;not null"`
	ErrorViewsPerDay  int         `gorm:"column:error_views_per_day;not null"`
	Triggers          int         `gorm:"column:triggers;not null"`
	MaxInstances      int         `gorm:"column:max_instances;not null"`
	RequestsPerMinute int         `gorm:"column:requests_per_minute;not null"`
	RequestsPerHour   int         `gorm:"column:requests_per_hour;not null"`
	CacheTTLMinutes   int         `gorm:"column:cache_ttl_minutes;not null"`
	PushNotifications bool        `gorm:"column:push_notifications;not null;default:false"`
	Features          StringArray `gorm:"column:features"`
	Active            bool        `gorm:"column:active;not null;default:true;index"`
	Recommended       bool        `gorm:"column:recommended;not null;default:false"`
	CreatedAt         time.Time   `gorm:"column:created_at;not null;autoCreateTime"`
	ModifiedAt        time.Time   `gorm:"column:modified_at;not null;autoUpdateTime"`
}

func (Plan) TableName() string {
	return "plans"
}

// QuotaCounter is one user's usage of one quota type on one UTC calendar day.
// Rows are zeroed by resets, never deleted.
type QuotaCounter struct {
	ID         string    `gorm:"column:id;primaryKey;type:varchar(36)"`
	UserID     string    `gorm:"column:user_id;type:varchar(128);not null;uniqueIndex:idx_quota_counter_scope,priority:1"`
	QuotaType  string    `gorm:"column:quota_type;type:varchar(32);not null;uniqueIndex:idx_quota_counter_scope,priority:2"`
	QuotaDate  string    `gorm:"column:quota_date;type:varchar(10);not null;uniqueIndex:idx_quota_counter_scope,priority:3;index"`
	Count      int64     `gorm:"column:count;not null;default:0"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;autoCreateTime"`
	ModifiedAt time.Time `gorm:"column:modified_at;not null;autoUpdateTime"`
}

func (QuotaCounter) TableName() string {
	return "quota_counters"
}

// BeforeCreate generates a UUID if not set
func (q *QuotaCounter) BeforeCreate(tx *gorm.DB) error {
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	return nil
}

// N8NInstance is a user's registered n8n server. The API key is sealed by
// crypto.CredentialCipher before it is stored.
type N8NInstance struct {
	ID              string    `gorm:"column:id;primaryKey;type:varchar(36)"`
	UserID          string    `gorm:"column:user_id;type:varchar(128);not null;index"`
	Name            string    `gorm:"column:name;type:varchar(255);not null"`
	URL             string    `gorm:"column:url;type:varchar(2048);not null"`
	APIKeyEncrypted string    `gorm:"column:api_key_encrypted;type:text;not null"`
	CreatedAt       time.Time `gorm:"column:created_at;not null;autoCreateTime"`
	ModifiedAt      time.Time `gorm:"column:modified_at;not null;autoUpdateTime"`
}

func (N8NInstance) TableName() string {
	return "n8n_instances"
}

// BeforeCreate generates a UUID if not set
func (n *N8NInstance) BeforeCreate(tx *gorm.DB) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	return nil
}

// AllModels lists every model in migration order
func AllModels() []any {
	return []any{
		&User{},
		&Plan{},
		&QuotaCounter{},
		&N8NInstance{},
	}
}

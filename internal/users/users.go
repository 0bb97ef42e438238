// Package users resolves the plan tier and tester flag of an account.
package users

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/flowdash-app/flowdash-backend/internal/apperr"
	"github.com/flowdash-app/flowdash-backend/internal/models"
	"github.com/flowdash-app/flowdash-backend/internal/plans"
	"gorm.io/gorm"
)

// Record is the slice of a user the control plane needs
type Record struct {
	ID       string     `json:"id"`
	PlanTier plans.Tier `json:"plan_tier"`
	IsTester bool       `json:"is_tester"`
}

// Resolver looks up a user. Unknown ids return an apperr NotFound error.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (Record, error)
}

// ErrNotFound reports an unknown or inactive user
func ErrNotFound(userID string) error {
	return apperr.NotFound("user %s not found", userID)
}

// GormResolver reads the users table
type GormResolver struct {
	db *gorm.DB
}

func NewGormResolver(db *gorm.DB) *GormResolver {
	return &GormResolver{db: db}
}

func (r *GormResolver) Resolve(ctx context.Context, userID string) (Record, error) {
	var u models.User
	err := r.db.WithContext(ctx).
		Select("id", "plan_tier", "is_tester").
		Where("id = ? AND is_active = ?", userID, true).
		First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNotFound(userID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load user %s: %w", userID, err)
	}
	return Record{ID: u.ID, PlanTier: plans.ParseTier(u.PlanTier), IsTester: u.IsTester}, nil
}

// StaticResolver serves records from memory
type StaticResolver struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewStaticResolver(records ...Record) *StaticResolver {
	s := &StaticResolver{records: make(map[string]Record, len(records))}
	for _, r := range records {
		s.records[r.ID] = r
	}
	return s
}

// Put adds or replaces a record
func (s *StaticResolver) Put(r Record) {
	s.mu.Lock()
	s.records[r.ID] = r
	s.mu.Unlock()
}

func (s *StaticResolver) Resolve(_ context.Context, userID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[userID]
	if !ok {
		return Record{}, ErrNotFound(userID)
	}
	return r, nil
}

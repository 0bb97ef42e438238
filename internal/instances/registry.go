// Package instances keeps the registry of users' n8n servers.
package instances

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/flowdash-app/flowdash-backend/internal/apperr"
	"github.com/flowdash-app/flowdash-backend/internal/crypto"
	"github.com/flowdash-app/flowdash-backend/internal/distlock"
	"github.com/flowdash-app/flowdash-backend/internal/kvstore"
	"github.com/flowdash-app/flowdash-backend/internal/models"
	"github.com/flowdash-app/flowdash-backend/internal/plans"
	"github.com/flowdash-app/flowdash-backend/internal/slogging"
	"github.com/flowdash-app/flowdash-backend/internal/upstream"
	"github.com/flowdash-app/flowdash-backend/internal/users"
	"gorm.io/gorm"
)

const (
	// FreeCreationsPerDay caps how many instances a free user may add per UTC day
	FreeCreationsPerDay = 1

	creationKeyTTLSeconds = 24 * 60 * 60
)

// LimitReason names the ceiling a creation ran into
type LimitReason string

const (
	ReasonMaxInstances  LimitReason = "max_instances"
	ReasonDailyCreation LimitReason = "daily_creation"
)

// LimitError is returned when a plan does not allow another instance
type LimitError struct {
	Reason LimitReason
	Detail string
}

func (e *LimitError) Error() string { return e.Detail }

// Instance is the public view of a registered server. The API key is never exposed.
type Instance struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateRequest registers a new server
type CreateRequest struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	APIKey string `json:"api_key"` //nolint:gosec // n8n API key, sealed before storage
}

func (r CreateRequest) validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return apperr.InvalidArgument("name is required")
	}
	if strings.TrimSpace(r.APIKey) == "" {
		return apperr.InvalidArgument("api_key is required")
	}
	u, err := url.Parse(strings.TrimSpace(r.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperr.InvalidArgument("url must be an absolute http(s) URL")
	}
	return nil
}

type Registry struct {
	db       *gorm.DB
	users    users.Resolver
	catalog  plans.Catalog
	store    kvstore.Client
	locker   *distlock.Locker
	cipher   *crypto.CredentialCipher
	keys     *kvstore.KeyBuilder
	logger   *slogging.Logger
	lockOpts distlock.Options
	now      func() time.Time
}

// Option customizes a Registry
type Option func(*Registry)

// WithLockOptions sets how long the per-user creation lock is held and waited for
func WithLockOptions(hold, wait time.Duration) Option {
	return func(r *Registry) {
		r.lockOpts.Hold = hold
		r.lockOpts.Wait = wait
	}
}

func NewRegistry(db *gorm.DB, resolver users.Resolver, catalog plans.Catalog, store kvstore.Client,
	locker *distlock.Locker, cipher *crypto.CredentialCipher, logger *slogging.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slogging.Get()
	}
	r := &Registry{
		db:      db,
		users:   resolver,
		catalog: catalog,
		store:   store,
		locker:  locker,
		cipher:  cipher,
		keys:    kvstore.NewKeyBuilder(),
		logger:  logger.With(slog.String("component", "instances")),
		lockOpts: distlock.Options{
			Hold:   10 * time.Second,
			Wait:   5 * time.Second,
			Policy: distlock.ProceedUnguarded,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers an instance for userID. Testers skip both plan ceilings.
// For everyone else the limit check, the insert and the daily creation count
// run under a per-user lock.
func (r *Registry) Create(ctx context.Context, userID string, req CreateRequest) (Instance, error) {
	if err := req.validate(); err != nil {
		return Instance{}, err
	}
	rec, err := r.users.Resolve(ctx, userID)
	if err != nil {
		return Instance{}, err
	}
	sealed, err := r.cipher.Seal(strings.TrimSpace(req.APIKey))
	if err != nil {
		return Instance{}, fmt.Errorf("failed to seal api key: %w", err)
	}
	row := models.N8NInstance{
		UserID:          userID,
		Name:            strings.TrimSpace(req.Name),
		URL:             strings.TrimRight(strings.TrimSpace(req.URL), "/"),
		APIKeyEncrypted: sealed,
	}

	if rec.IsTester {
		if err := r.insert(ctx, &row); err != nil {
			return Instance{}, err
		}
	} else {
		limits, err := r.catalog.LimitsFor(ctx, rec.PlanTier)
		if err != nil {
			return Instance{}, fmt.Errorf("failed to resolve limits for plan %s: %w", rec.PlanTier, err)
		}
		err = r.locker.WithLock(ctx, distlock.InstancesScope(userID), r.lockOpts, func(ctx context.Context) error {
			return r.createLimited(ctx, userID, limits, &row)
		})
		if err != nil {
			return Instance{}, err
		}
	}

	r.logger.Info("Created instance %s for user %s", row.ID, userID)
	return toInstance(row), nil
}

func (r *Registry) createLimited(ctx context.Context, userID string, limits plans.Limits, row *models.N8NInstance) error {
	now := r.now()
	if err := r.checkLimits(ctx, userID, limits, now); err != nil {
		return err
	}
	if err := r.insert(ctx, row); err != nil {
		return err
	}
	if limits.IsFree() {
		key := r.keys.InstanceCreationKey(userID, now)
		if _, ok := r.store.Incr(ctx, key, 1); ok {
			r.store.Expire(ctx, key, creationKeyTTLSeconds)
		}
	}
	return nil
}

func (r *Registry) insert(ctx context.Context, row *models.N8NInstance) error {
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to create instance for user %s: %w", row.UserID, err)
	}
	return nil
}

func (r *Registry) checkLimits(ctx context.Context, userID string, limits plans.Limits, now time.Time) error {
	if !plans.IsUnlimited(limits.MaxInstances) {
		var existing int64
		if err := r.db.WithContext(ctx).Model(&models.N8NInstance{}).Where("user_id = ?", userID).Count(&existing).Error; err != nil {
			return fmt.Errorf("failed to count instances for user %s: %w", userID, err)
		}
		if existing >= int64(limits.MaxInstances) {
			return &LimitError{
				Reason: ReasonMaxInstances,
				Detail: fmt.Sprintf("Instance limit reached. Your %s plan allows %d instance(s). Upgrade to add more instances.",
					limits.Name, limits.MaxInstances),
			}
		}
	}

	if limits.IsFree() {
		// an unreachable store reads as zero
		created, _ := r.store.GetInt(ctx, r.keys.InstanceCreationKey(userID, now))
		if created >= FreeCreationsPerDay {
			return &LimitError{
				Reason: ReasonDailyCreation,
				Detail: "Free users can create 1 instance per day. Please try again tomorrow or upgrade your plan.",
			}
		}
	}
	return nil
}

// List returns userID's instances, oldest first
func (r *Registry) List(ctx context.Context, userID string) ([]Instance, error) {
	var rows []models.N8NInstance
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list instances for user %s: %w", userID, err)
	}
	out := make([]Instance, 0, len(rows))
	for _, row := range rows {
		out = append(out, toInstance(row))
	}
	return out, nil
}

func (r *Registry) load(ctx context.Context, userID, instanceID string) (models.N8NInstance, error) {
	var row models.N8NInstance
	q := r.db.WithContext(ctx).Where("id = ?", instanceID)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	err := q.First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.N8NInstance{}, apperr.NotFound("instance %s not found", instanceID)
	}
	if err != nil {
		return models.N8NInstance{}, fmt.Errorf("failed to load instance %s: %w", instanceID, err)
	}
	return row, nil
}

// Get returns one of userID's instances; other users' instances are NotFound
func (r *Registry) Get(ctx context.Context, userID, instanceID string) (Instance, error) {
	row, err := r.load(ctx, userID, instanceID)
	if err != nil {
		return Instance{}, err
	}
	return toInstance(row), nil
}

// Connection returns the decrypted connection details of one of userID's instances
func (r *Registry) Connection(ctx context.Context, userID, instanceID string) (upstream.Instance, error) {
	row, err := r.load(ctx, userID, instanceID)
	if err != nil {
		return upstream.Instance{}, err
	}
	key, err := r.cipher.Open(row.APIKeyEncrypted)
	if err != nil {
		return upstream.Instance{}, fmt.Errorf("failed to open api key of instance %s: %w", instanceID, err)
	}
	return upstream.Instance{ID: row.ID, BaseURL: row.URL, APIKey: key}, nil
}

// Exists reports whether any user owns instanceID
func (r *Registry) Exists(ctx context.Context, instanceID string) (bool, error) {
	_, err := r.load(ctx, "", instanceID)
	if apperr.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// Delete removes one of userID's instances
func (r *Registry) Delete(ctx context.Context, userID, instanceID string) error {
	res := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", instanceID, userID).Delete(&models.N8NInstance{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete instance %s: %w", instanceID, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("instance %s not found", instanceID)
	}
	return nil
}

func toInstance(row models.N8NInstance) Instance {
	return Instance{ID: row.ID, Name: row.Name, URL: row.URL, CreatedAt: row.CreatedAt}
}

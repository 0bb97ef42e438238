package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowdash-app/flowdash-backend/internal/apperr"
	"github.com/flowdash-app/flowdash-backend/internal/distlock"
	"github.com/flowdash-app/flowdash-backend/internal/kvstore"
	"github.com/flowdash-app/flowdash-backend/internal/plans"
	"github.com/flowdash-app/flowdash-backend/internal/slogging"
	"github.com/flowdash-app/flowdash-backend/internal/users"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultHourlyFraction is the share of a free daily limit usable in one hour
	DefaultHourlyFraction = 0.25

	hourlyKeyTTLSeconds = 3600
)

// Recorder observes quota decisions
type Recorder interface {
	RecordQuotaDecision(ctx context.Context, quotaType string, allowed bool, reason string)
}

// Accountant enforces per-day quota ceilings with a free tier hourly burst limit
type Accountant struct {
	users    users.Resolver
	catalog  plans.Catalog
	counters CounterStore
	store    kvstore.Client
	locker   *distlock.Locker
	keys     *kvstore.KeyBuilder
	logger   *slogging.Logger
	metrics  Recorder

	lockOpts       distlock.Options
	hourlyFraction float64
	now            func() time.Time
}

// Option customizes an Accountant
type Option func(*Accountant)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(a *Accountant) { a.now = now }
}

// WithLockOptions sets how long counter locks are held and waited for. The policy is always ProceedUnguarded.
func WithLockOptions(hold, wait time.Duration) Option {
	return func(a *Accountant) {
		a.lockOpts.Hold = hold
		a.lockOpts.Wait = wait
	}
}

func WithHourlyFraction(f float64) Option {
	return func(a *Accountant) { a.hourlyFraction = f }
}

func WithRecorder(r Recorder) Option {
	return func(a *Accountant) { a.metrics = r }
}

func NewAccountant(resolver users.Resolver, catalog plans.Catalog, counters CounterStore, store kvstore.Client,
	locker *distlock.Locker, logger *slogging.Logger, opts ...Option) *Accountant {
	if logger == nil {
		logger = slogging.Get()
	}
	a := &Accountant{
		users:    resolver,
		catalog:  catalog,
		counters: counters,
		store:    store,
		locker:   locker,
		keys:     kvstore.NewKeyBuilder(),
		logger:   logger.With(slog.String("component", "quota")),
		lockOpts: distlock.Options{
			Hold:   10 * time.Second,
			Wait:   5 * time.Second,
			Policy: distlock.ProceedUnguarded,
		},
		hourlyFraction: DefaultHourlyFraction,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.lockOpts.Policy = distlock.ProceedUnguarded
	return a
}

// subject is the resolved context for one decision
type subject struct {
	user  users.Record
	plan  plans.Limits
	limit int
}

func (a *Accountant) resolve(ctx context.Context, userID string, qt QuotaType) (subject, error) {
	if !qt.Valid() {
		return subject{}, apperr.InvalidArgument("unknown quota type %q", string(qt))
	}
	rec, err := a.users.Resolve(ctx, userID)
	if err != nil {
		return subject{}, err
	}
	s := subject{user: rec}
	if rec.IsTester {
		return s, nil
	}
	s.plan, err = a.catalog.LimitsFor(ctx, rec.PlanTier)
	if err != nil {
		return subject{}, fmt.Errorf("failed to resolve limits for plan %s: %w", rec.PlanTier, err)
	}
	s.limit, _ = s.plan.DailyLimit(string(qt))
	return s, nil
}

// Check reports whether the user may perform one more qt action now. It does not consume quota.
func (a *Accountant) Check(ctx context.Context, userID string, qt QuotaType) (Decision, error) {
	s, err := a.resolve(ctx, userID, qt)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{QuotaType: qt, Plan: s.plan.Tier, Limit: s.limit}

	switch {
	case s.user.IsTester:
		d = Decision{Allowed: true, Reason: ReasonTester, QuotaType: qt, Plan: s.user.PlanTier, Limit: plans.Unlimited}
	case plans.IsUnlimited(s.limit):
		d.Allowed, d.Reason = true, ReasonUnlimited
	default:
		d, err = a.checkLimited(ctx, userID, qt, s, d)
		if err != nil {
			return Decision{}, err
		}
	}

	a.record(ctx, d)
	return d, nil
}

func (a *Accountant) checkLimited(ctx context.Context, userID string, qt QuotaType, s subject, d Decision) (Decision, error) {
	now := a.now()

	if s.plan.IsFree() {
		d.HourlyLimit = HourlyLimit(s.limit, a.hourlyFraction)
		// an unreachable store reads as zero
		hourly, _ := a.store.GetInt(ctx, a.keys.HourlyQuotaKey(userID, string(qt), now))
		if hourly >= int64(d.HourlyLimit) {
			d.Reason = ReasonHourlyLimitReached
			d.Used = hourly
			d.RetryAfter = secondsUntilNextHour(now)
			a.logger.Debug("Hourly %s limit %d reached for user %s", qt, d.HourlyLimit, userID)
			return d, nil
		}
	}

	date := DateKey(now)
	err := a.locker.WithLock(ctx, distlock.QuotaScope(userID, string(qt), now), a.lockOpts, func(ctx context.Context) error {
		used, err := a.counters.LoadOrCreate(ctx, userID, qt, date)
		if err != nil {
			return err
		}
		d.Used = used
		return nil
	})
	if err != nil {
		return Decision{}, err
	}

	if d.Used >= int64(s.limit) {
		d.Reason = ReasonDailyLimitReached
		d.RetryAfter = secondsUntilMidnight(now)
		return d, nil
	}
	d.Allowed, d.Reason = true, ReasonWithinLimit
	return d, nil
}

// Increment consumes one unit of qt. Call it only after the gated action succeeded.
// The daily ceiling is re-checked under the counter lock; an increment that would
// exceed it is returned as a denial and not applied. Testers are never counted.
func (a *Accountant) Increment(ctx context.Context, userID string, qt QuotaType) (Decision, error) {
	s, err := a.resolve(ctx, userID, qt)
	if err != nil {
		return Decision{}, err
	}
	if s.user.IsTester {
		return Decision{Allowed: true, Reason: ReasonTester, QuotaType: qt, Plan: s.user.PlanTier, Limit: plans.Unlimited}, nil
	}

	now := a.now()
	date := DateKey(now)
	unlimited := plans.IsUnlimited(s.limit)
	d := Decision{QuotaType: qt, Plan: s.plan.Tier, Limit: s.limit}

	err = a.locker.WithLock(ctx, distlock.QuotaScope(userID, string(qt), now), a.lockOpts, func(ctx context.Context) error {
		used, err := a.counters.LoadOrCreate(ctx, userID, qt, date)
		if err != nil {
			return err
		}
		if !unlimited && used >= int64(s.limit) {
			d.Used = used
			return nil
		}
		d.Used, err = a.counters.Increment(ctx, userID, qt, date, 1)
		if err != nil {
			return err
		}
		d.Allowed = true
		return nil
	})
	if err != nil {
		return Decision{}, err
	}

	if !d.Allowed {
		d.Reason = ReasonDailyLimitReached
		d.RetryAfter = secondsUntilMidnight(now)
		a.logger.Debug("Rejected %s increment for user %s at %d/%d", qt, userID, d.Used, s.limit)
		return d, nil
	}

	if unlimited {
		d.Reason = ReasonUnlimited
	} else {
		d.Reason = ReasonWithinLimit
	}
	if s.plan.IsFree() {
		d.HourlyLimit = HourlyLimit(s.limit, a.hourlyFraction)
		key := a.keys.HourlyQuotaKey(userID, string(qt), now)
		if _, ok := a.store.Incr(ctx, key, 1); ok {
			a.store.Expire(ctx, key, hourlyKeyTTLSeconds)
		}
	}
	return d, nil
}

// Reset zeroes a user's counters for date (today when nil), for one type or all
// of them when qt is nil. Rows are kept. The current hour's burst counters are
// cleared as well when date is today.
func (a *Accountant) Reset(ctx context.Context, userID string, qt *QuotaType, date *time.Time) (int64, error) {
	if qt != nil && !qt.Valid() {
		return 0, apperr.InvalidArgument("unknown quota type %q", string(*qt))
	}
	if _, err := a.users.Resolve(ctx, userID); err != nil {
		return 0, err
	}

	now := a.now()
	day := now
	if date != nil {
		day = *date
	}

	var only QuotaType
	types := AllTypes()
	if qt != nil {
		only = *qt
		types = []QuotaType{*qt}
	}

	n, err := a.counters.Reset(ctx, userID, only, DateKey(day))
	if err != nil {
		return 0, err
	}
	if DateKey(day) == DateKey(now) {
		for _, t := range types {
			a.store.Delete(ctx, a.keys.HourlyQuotaKey(userID, string(t), now))
		}
	}
	a.logger.Info("Reset %d quota counter(s) for user %s on %s", n, userID, DateKey(day))
	return n, nil
}

// Status reports today's usage for every quota type
func (a *Accountant) Status(ctx context.Context, userID string) (Status, error) {
	rec, err := a.users.Resolve(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	limits, err := a.catalog.LimitsFor(ctx, rec.PlanTier)
	if err != nil {
		return Status{}, fmt.Errorf("failed to resolve limits for plan %s: %w", rec.PlanTier, err)
	}

	date := DateKey(a.now())
	st := Status{
		UserID:   userID,
		Plan:     limits.Tier,
		PlanName: limits.Name,
		Date:     date,
		IsTester: rec.IsTester,
		Quotas:   make(map[QuotaType]Usage, len(AllTypes())),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, qt := range AllTypes() {
		g.Go(func() error {
			used, err := a.counters.Get(gctx, userID, qt, date)
			if err != nil {
				return err
			}
			limit, _ := limits.DailyLimit(string(qt))
			u := Usage{Used: used, Limit: limit}
			if rec.IsTester || plans.IsUnlimited(limit) {
				u.Unlimited = true
				u.Remaining = plans.Unlimited
			} else {
				u.Remaining = max(0, int64(limit)-used)
			}
			mu.Lock()
			st.Quotas[qt] = u
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Status{}, err
	}
	return st, nil
}

func (a *Accountant) record(ctx context.Context, d Decision) {
	if a.metrics == nil {
		return
	}
	a.metrics.RecordQuotaDecision(ctx, string(d.QuotaType), d.Allowed, string(d.Reason))
}

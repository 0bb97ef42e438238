// Package distlock serializes critical sections across processes that share
// the key-value store.
package distlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flowdash-app/flowdash-backend/internal/kvstore"
	"github.com/flowdash-app/flowdash-backend/internal/slogging"
)

// ErrNotAcquired is returned by WithLock under FailOnContention when the lock
// could not be taken within the wait budget
var ErrNotAcquired = errors.New("lock not acquired")

// Policy decides what happens when the lock cannot be acquired in time
type Policy int

const (
	// ProceedUnguarded logs a warning and runs the body without the lock
	ProceedUnguarded Policy = iota
	// FailOnContention skips the body and returns ErrNotAcquired
	FailOnContention
)

func (p Policy) String() string {
	if p == FailOnContention {
		return "fail_on_contention"
	}
	return "proceed_unguarded"
}

// Options controls a single WithLock call
type Options struct {
	// Hold is the TTL after which the store releases an abandoned lock
	Hold time.Duration
	// Wait bounds how long acquisition is retried
	Wait   time.Duration
	Policy Policy
}

// Store is the subset of kvstore.Client the locker needs
type Store interface {
	AcquireLock(ctx context.Context, key string, hold, wait time.Duration) (string, bool)
	ReleaseLock(ctx context.Context, key, token string) bool
}

// Recorder observes acquisition outcomes
type Recorder interface {
	RecordLockAttempt(ctx context.Context, scope string, acquired bool, waited time.Duration)
}

type Locker struct {
	store   Store
	keys    *kvstore.KeyBuilder
	logger  *slogging.Logger
	metrics Recorder
}

func New(store Store, logger *slogging.Logger) *Locker {
	if logger == nil {
		logger = slogging.Get()
	}
	return &Locker{
		store:  store,
		keys:   kvstore.NewKeyBuilder(),
		logger: logger.With(slog.String("component", "distlock")),
	}
}

func (l *Locker) SetRecorder(r Recorder) {
	l.metrics = r
}

// WithLock runs body while holding lock:<scope>. The lock is released with the
// acquiring token after body returns, including when body panics; the panic
// is then re-raised. Errors from body are returned unchanged.
func (l *Locker) WithLock(ctx context.Context, scope string, opts Options, body func(ctx context.Context) error) error {
	key := l.keys.LockKey(scope)

	start := time.Now()
	token, acquired := l.store.AcquireLock(ctx, key, opts.Hold, opts.Wait)
	waited := time.Since(start)
	if l.metrics != nil {
		l.metrics.RecordLockAttempt(ctx, scopeKind(scope), acquired, waited)
	}

	if !acquired {
		if opts.Policy == FailOnContention {
			l.logger.Warn("Could not acquire lock %s within %v", key, opts.Wait)
			return fmt.Errorf("%w: %s", ErrNotAcquired, scope)
		}
		l.logger.Warn("Could not acquire lock %s within %v, proceeding without it", key, opts.Wait)
		return body(ctx)
	}

	defer func() {
		// release must still run when the caller's context is already done
		if !l.store.ReleaseLock(context.WithoutCancel(ctx), key, token) {
			l.logger.Debug("Lock %s was not released by its holder (expired or store unavailable)", key)
		}
	}()

	return body(ctx)
}

// QuotaScope identifies one user's counter for one quota type on one UTC day
func QuotaScope(userID, quotaType string, day time.Time) string {
	return fmt.Sprintf("quota:%s:%s:%s", userID, quotaType, day.UTC().Format("2006-01-02"))
}

// InstancesScope identifies one user's instance registrations
func InstancesScope(userID string) string {
	return "instances:" + userID
}

// WindowScope identifies one rate limit window for an identity
func WindowScope(identity string, g kvstore.Granularity, at time.Time) string {
	return fmt.Sprintf("window:%s:%s:%s", identity, g, g.WindowID(at))
}

// scopeKind keeps metric attributes low-cardinality
func scopeKind(scope string) string {
	kind, _, found := strings.Cut(scope, ":")
	if !found {
		return "other"
	}
	return kind
}

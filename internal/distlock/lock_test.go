package distlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flowdash-app/flowdash-backend/internal/kvstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLocker(t *testing.T) (*Locker, *kvstore.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kvstore.NewRedisStore(kvstore.Config{
		Addr:        mr.Addr(),
		DialTimeout: 200 * time.Millisecond,
		OpTimeout:   200 * time.Millisecond,
	}, nil)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, nil), store, mr
}

type attemptRecorder struct {
	mu       sync.Mutex
	scopes   []string
	acquired []bool
}

func (r *attemptRecorder) RecordLockAttempt(_ context.Context, scope string, acquired bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scopes = append(r.scopes, scope)
	r.acquired = append(r.acquired, acquired)
}

func TestWithLock_MutualExclusion(t *testing.T) {
	locker, _, _ := setupLocker(t)
	opts := Options{Hold: 5 * time.Second, Wait: 5 * time.Second, Policy: FailOnContention}

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(context.Background(), "quota:u1:toggles:2026-10-15", opts, func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInside))
}

func TestWithLock_ReleasesAfterBody(t *testing.T) {
	locker, _, mr := setupLocker(t)
	opts := Options{Hold: 5 * time.Second, Wait: 0}

	bodyErr := errors.New("body failed")
	err := locker.WithLock(context.Background(), "scope-a", opts, func(context.Context) error {
		assert.True(t, mr.Exists("lock:scope-a"))
		return bodyErr
	})
	assert.ErrorIs(t, err, bodyErr)
	assert.False(t, mr.Exists("lock:scope-a"), "released after an error")
}

func TestWithLock_ReleasesOnPanic(t *testing.T) {
	locker, _, mr := setupLocker(t)

	assert.PanicsWithValue(t, "boom", func() {
		_ = locker.WithLock(context.Background(), "scope-p", Options{Hold: time.Second}, func(context.Context) error {
			panic("boom")
		})
	})
	assert.False(t, mr.Exists("lock:scope-p"))
}

func TestWithLock_ContentionPolicies(t *testing.T) {
	locker, store, _ := setupLocker(t)
	ctx := context.Background()

	token, ok := store.AcquireLock(ctx, "lock:busy", 5*time.Second, 0)
	require.True(t, ok)
	defer store.ReleaseLock(ctx, "lock:busy", token)

	ran := false
	err := locker.WithLock(ctx, "busy", Options{Hold: time.Second, Wait: 60 * time.Millisecond, Policy: FailOnContention},
		func(context.Context) error { ran = true; return nil })
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.False(t, ran)

	err = locker.WithLock(ctx, "busy", Options{Hold: time.Second, Wait: 60 * time.Millisecond, Policy: ProceedUnguarded},
		func(context.Context) error { ran = true; return nil })
	assert.NoError(t, err)
	assert.True(t, ran)

	_, again := store.AcquireLock(ctx, "lock:busy", time.Second, 0)
	assert.False(t, again, "the foreign holder keeps its lock after the unguarded body")
}

func TestWithLock_StoreDownProceeds(t *testing.T) {
	locker, _, mr := setupLocker(t)
	mr.Close()

	ran := false
	err := locker.WithLock(context.Background(), "scope-d", Options{Hold: time.Second, Wait: time.Second},
		func(context.Context) error { ran = true; return nil })
	assert.NoError(t, err)
	assert.True(t, ran)
}

func TestWithLock_RecordsAttempts(t *testing.T) {
	locker, _, _ := setupLocker(t)
	rec := &attemptRecorder{}
	locker.SetRecorder(rec)

	require.NoError(t, locker.WithLock(context.Background(), QuotaScope("u1", "refreshes", time.Now()), Options{Hold: time.Second},
		func(context.Context) error { return nil }))
	assert.Equal(t, []string{"quota"}, rec.scopes)
	assert.Equal(t, []bool{true}, rec.acquired)
}

func TestScopes(t *testing.T) {
	at := time.Date(2026, 3, 4, 23, 59, 0, 0, time.FixedZone("UTC+2", 2*3600))
	assert.Equal(t, "quota:u1:toggles:2026-03-04", QuotaScope("u1", "toggles", at))
	assert.Equal(t, "window:ip:1.2.3.4:hour:2026030421", WindowScope("ip:1.2.3.4", kvstore.Hour, at))
	assert.Equal(t, "instances:u1", InstancesScope("u1"))
	assert.Equal(t, "instances", scopeKind(InstancesScope("u1")))
	assert.Equal(t, "other", scopeKind("plain"))
}

package instances

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flowdash-app/flowdash-backend/internal/apperr"
	"github.com/flowdash-app/flowdash-backend/internal/crypto"
	"github.com/flowdash-app/flowdash-backend/internal/database"
	"github.com/flowdash-app/flowdash-backend/internal/distlock"
	"github.com/flowdash-app/flowdash-backend/internal/kvstore"
	"github.com/flowdash-app/flowdash-backend/internal/models"
	"github.com/flowdash-app/flowdash-backend/internal/plans"
	"github.com/flowdash-app/flowdash-backend/internal/users"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func setupRegistry(t *testing.T) (*Registry, *database.DB, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	store := kvstore.NewRedisStore(kvstore.Config{Addr: mr.Addr(), DialTimeout: 200 * time.Millisecond}, nil)
	t.Cleanup(func() { _ = store.Close() })

	cipher, err := crypto.NewCredentialCipher(testKey)
	require.NoError(t, err)

	db := database.OpenTestDB(t)
	resolver := users.NewStaticResolver(
		users.Record{ID: "free-user", PlanTier: plans.TierFree},
		users.Record{ID: "pro-user", PlanTier: plans.TierPro},
		users.Record{ID: "tester", PlanTier: plans.TierFree, IsTester: true},
	)
	r := NewRegistry(db.Gorm(), resolver, plans.NewStaticCatalog(nil), store, distlock.New(store, nil), cipher, nil)
	r.now = func() time.Time { return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) }
	return r, db, mr
}

func req(name string) CreateRequest {
	return CreateRequest{Name: name, URL: "https://n8n.example.com/", APIKey: "n8n-key-" + name}
}

func TestRegistry_CreateSealsKey(t *testing.T) {
	r, db, _ := setupRegistry(t)
	ctx := context.Background()

	inst, err := r.Create(ctx, "pro-user", req("prod"))
	require.NoError(t, err)
	assert.Equal(t, "https://n8n.example.com", inst.URL)

	var row models.N8NInstance
	require.NoError(t, db.Gorm().First(&row, "id = ?", inst.ID).Error)
	assert.True(t, strings.HasPrefix(row.APIKeyEncrypted, "enc:v1:"))
	assert.NotContains(t, row.APIKeyEncrypted, "n8n-key-prod")

	conn, err := r.Connection(ctx, "pro-user", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "n8n-key-prod", conn.APIKey)
	assert.Equal(t, "https://n8n.example.com", conn.BaseURL)
}

func TestRegistry_CreateValidation(t *testing.T) {
	r, _, _ := setupRegistry(t)
	ctx := context.Background()

	for _, bad := range []CreateRequest{
		{Name: "", URL: "https://x.example.com", APIKey: "k"},
		{Name: "a", URL: "ftp://x.example.com", APIKey: "k"},
		{Name: "a", URL: "not a url", APIKey: "k"},
		{Name: "a", URL: "https://x.example.com", APIKey: " "},
	} {
		_, err := r.Create(ctx, "pro-user", bad)
		assert.True(t, apperr.IsInvalidArgument(err), "%+v", bad)
	}

	_, err := r.Create(ctx, "ghost", req("x"))
	assert.True(t, apperr.IsNotFound(err))
}

func TestRegistry_MaxInstances(t *testing.T) {
	r, _, _ := setupRegistry(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := r.Create(ctx, "pro-user", req(string(rune('a'+i))))
		require.NoError(t, err)
	}
	_, err := r.Create(ctx, "pro-user", req("sixth"))
	var le *LimitError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, ReasonMaxInstances, le.Reason)
	assert.Contains(t, le.Detail, "Your Pro plan allows 5 instance(s)")
}

func TestRegistry_FreeDailyCreation(t *testing.T) {
	r, _, mr := setupRegistry(t)
	ctx := context.Background()

	inst, err := r.Create(ctx, "free-user", req("first"))
	require.NoError(t, err)

	key := kvstore.NewKeyBuilder().InstanceCreationKey("free-user", r.now())
	assert.Equal(t, 24*time.Hour, mr.TTL(key))

	// deleting frees the instance slot but not the day's creation budget
	require.NoError(t, r.Delete(ctx, "free-user", inst.ID))
	_, err = r.Create(ctx, "free-user", req("second"))
	var le *LimitError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, ReasonDailyCreation, le.Reason)

	mr.FastForward(24 * time.Hour)
	_, err = r.Create(ctx, "free-user", req("third"))
	require.NoError(t, err)
}

func TestRegistry_ConcurrentCreatesHonorLimits(t *testing.T) {
	r, db, mr := setupRegistry(t)
	ctx := context.Background()

	var g errgroup.Group
	var created, limited atomic.Int32
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := r.Create(ctx, "free-user", req(fmt.Sprintf("race-%d", i)))
			var le *LimitError
			switch {
			case err == nil:
				created.Add(1)
			case errors.As(err, &le):
				limited.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.EqualValues(t, 1, created.Load())
	assert.EqualValues(t, 7, limited.Load())

	var rows int64
	require.NoError(t, db.Gorm().Model(&models.N8NInstance{}).Where("user_id = ?", "free-user").Count(&rows).Error)
	assert.EqualValues(t, 1, rows)

	n, err := mr.Get(kvstore.NewKeyBuilder().InstanceCreationKey("free-user", r.now()))
	require.NoError(t, err)
	assert.Equal(t, "1", n)
	assert.False(t, mr.Exists(kvstore.NewKeyBuilder().LockKey(distlock.InstancesScope("free-user"))))
}

func TestRegistry_TesterUnlimited(t *testing.T) {
	r, _, mr := setupRegistry(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := r.Create(ctx, "tester", req(string(rune('a'+i))))
		require.NoError(t, err)
	}
	assert.Empty(t, mr.Keys())
}

func TestRegistry_Ownership(t *testing.T) {
	r, _, _ := setupRegistry(t)
	ctx := context.Background()

	inst, err := r.Create(ctx, "pro-user", req("mine"))
	require.NoError(t, err)

	_, err = r.Get(ctx, "free-user", inst.ID)
	assert.True(t, apperr.IsNotFound(err))
	_, err = r.Connection(ctx, "free-user", inst.ID)
	assert.True(t, apperr.IsNotFound(err))
	assert.True(t, apperr.IsNotFound(r.Delete(ctx, "free-user", inst.ID)))

	ok, err := r.Exists(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := r.List(ctx, "pro-user")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "mine", list[0].Name)

	list, err = r.List(ctx, "free-user")
	require.NoError(t, err)
	assert.Empty(t, list)
}

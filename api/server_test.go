package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flowdash-app/flowdash-backend/internal/auth"
	"github.com/flowdash-app/flowdash-backend/internal/crypto"
	"github.com/flowdash-app/flowdash-backend/internal/database"
	"github.com/flowdash-app/flowdash-backend/internal/distlock"
	"github.com/flowdash-app/flowdash-backend/internal/instances"
	"github.com/flowdash-app/flowdash-backend/internal/kvstore"
	"github.com/flowdash-app/flowdash-backend/internal/plans"
	"github.com/flowdash-app/flowdash-backend/internal/quota"
	"github.com/flowdash-app/flowdash-backend/internal/respcache"
	"github.com/flowdash-app/flowdash-backend/internal/upstream"
	"github.com/flowdash-app/flowdash-backend/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testCredentialKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	testWebhookSecret = "webhook-secret"
)

var testNow = time.Date(2026, 3, 14, 9, 15, 30, 0, time.UTC)

type fakeUpstream struct {
	calls       atomic.Int32
	listCalls   atomic.Int32
	toggleCalls atomic.Int32
	err         error
}

func (f *fakeUpstream) ListExecutions(_ context.Context, _ upstream.Instance, p upstream.ListExecutionsParams) (*upstream.ExecutionPage, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &upstream.ExecutionPage{Data: []upstream.Execution{
		{ID: "e1", WorkflowID: "wf1", Status: "success", Finished: true},
	}}, nil
}

func (f *fakeUpstream) ListWorkflows(_ context.Context, _ upstream.Instance, _ upstream.ListWorkflowsParams) (*upstream.WorkflowPage, error) {
	f.listCalls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &upstream.WorkflowPage{Data: []upstream.Workflow{
		{ID: "wf1", Name: "Nightly sync", Active: true},
	}}, nil
}

func (f *fakeUpstream) SetWorkflowActive(_ context.Context, _ upstream.Instance, workflowID string, active bool) (*upstream.Workflow, error) {
	f.toggleCalls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &upstream.Workflow{ID: workflowID, Name: "Nightly sync", Active: active}, nil
}

type apiFixture struct {
	router   *gin.Engine
	tokens   *auth.TokenManager
	upstream *fakeUpstream
	mr       *miniredis.Miniredis
	registry *instances.Registry
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	store := kvstore.NewRedisStore(kvstore.Config{
		Addr:        mr.Addr(),
		DialTimeout: 200 * time.Millisecond,
		OpTimeout:   200 * time.Millisecond,
	}, nil)
	t.Cleanup(func() { _ = store.Close() })

	db := database.OpenTestDB(t)
	resolver := users.NewStaticResolver(
		users.Record{ID: "free-user", PlanTier: plans.TierFree},
		users.Record{ID: "pro-user", PlanTier: plans.TierPro},
		users.Record{ID: "tester", PlanTier: plans.TierFree, IsTester: true},
	)
	catalog := plans.NewStaticCatalog(nil)
	locker := distlock.New(store, nil)
	acct := quota.NewAccountant(resolver, catalog, quota.NewGormCounterStore(db.Gorm()), store,
		locker, nil, quota.WithClock(func() time.Time { return testNow }))

	cipher, err := crypto.NewCredentialCipher(testCredentialKey)
	require.NoError(t, err)
	registry := instances.NewRegistry(db.Gorm(), resolver, catalog, store, locker, cipher, nil)

	tokens, err := auth.NewTokenManager(auth.TokenConfig{Secret: "test-secret"})
	require.NoError(t, err)

	up := &fakeUpstream{}
	srv := NewServer(Deps{
		Tokens:        tokens,
		Users:         resolver,
		Catalog:       catalog,
		Quota:         acct,
		Cache:         respcache.New(store, nil),
		Instances:     registry,
		Upstream:      up,
		StoreHealth:   kvstore.NewHealthChecker(store),
		Database:      db,
		AdminUserIDs:  []string{"pro-user"},
		WebhookSecret: testWebhookSecret,
		Gatherer:      prometheus.NewRegistry(),
	})
	return &apiFixture{router: srv.Router(), tokens: tokens, upstream: up, mr: mr, registry: registry}
}

func (f *apiFixture) do(t *testing.T, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if userID != "" {
		token, err := f.tokens.CreateToken(userID, userID+"@example.com")
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])

	f.mr.Close()
	w = f.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "degraded", decode(t, w)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListPlans(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/plans", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Plans []plans.Limits `json:"plans"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Plans, 3)
	assert.Equal(t, plans.TierFree, body.Plans[0].Tier)
	assert.Equal(t, plans.Unlimited, body.Plans[2].MaxInstances)
}

func TestRequireUser(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/quota/status", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))

	w = f.do(t, http.MethodGet, "/api/v1/quota/status", "ghost", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/quota/status", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestNoRoute(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/api/v1/nope", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["error"])
}

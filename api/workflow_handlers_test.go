package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/flowdash-app/flowdash-backend/internal/respcache"
	"github.com/flowdash-app/flowdash-backend/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func togglesUsed(t *testing.T, f *apiFixture, userID string) float64 {
	t.Helper()
	w := f.do(t, http.MethodGet, "/api/v1/quota/status", userID, "")
	require.Equal(t, http.StatusOK, w.Code)
	toggles := decode(t, w)["quotas"].(map[string]any)["toggles"].(map[string]any)
	return toggles["used"].(float64)
}

func TestListWorkflows_Cached(t *testing.T) {
	f := newAPIFixture(t)
	inst := createInstance(t, f, "pro-user", "prod")
	path := "/api/v1/instances/" + inst.ID + "/workflows?active=true"

	w := f.do(t, http.MethodGet, path, "pro-user", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))

	w = f.do(t, http.MethodGet, path, "pro-user", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "HIT", w.Header().Get("X-Cache"))
	assert.EqualValues(t, 1, f.upstream.listCalls.Load())

	var page upstream.WorkflowPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Data, 1)
	assert.Equal(t, "Nightly sync", page.Data[0].Name)

	w = f.do(t, http.MethodGet, path+"&force_refresh=true", "pro-user", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
	assert.EqualValues(t, 2, f.upstream.listCalls.Load())
}

func TestListWorkflows_Errors(t *testing.T) {
	f := newAPIFixture(t)
	inst := createInstance(t, f, "pro-user", "prod")

	w := f.do(t, http.MethodGet, "/api/v1/instances/"+inst.ID+"/workflows?active=maybe", "pro-user", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/instances/missing/workflows", "pro-user", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.upstream.err = &upstream.StatusError{StatusCode: http.StatusUnauthorized, Body: "bad key"}
	w = f.do(t, http.MethodGet, "/api/v1/instances/"+inst.ID+"/workflows", "pro-user", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestToggleWorkflow_SpendsQuota(t *testing.T) {
	f := newAPIFixture(t)
	inst := createInstance(t, f, "pro-user", "prod")

	w := f.do(t, http.MethodPost, "/api/v1/instances/"+inst.ID+"/workflows/wf1/toggle?enabled=false", "pro-user", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp ToggleWorkflowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "wf1", resp.Workflow.ID)
	assert.False(t, resp.Workflow.Active)
	assert.True(t, resp.Quota.Allowed)
	assert.EqualValues(t, 1, resp.Quota.Used)

	assert.EqualValues(t, 1, f.upstream.toggleCalls.Load())
	assert.EqualValues(t, 1, togglesUsed(t, f, "pro-user"))
}

func TestToggleWorkflow_DeniedSkipsUpstream(t *testing.T) {
	f := newAPIFixture(t)
	inst := createInstance(t, f, "free-user", "home")

	w := f.do(t, http.MethodPost, "/api/v1/instances/"+inst.ID+"/workflows/wf1/toggle?enabled=true", "free-user", "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	body := decode(t, w)
	assert.Equal(t, "toggles", body["quota_type"])
	assert.Equal(t, "daily_limit_reached", body["reason"])

	assert.Zero(t, f.upstream.toggleCalls.Load())
	assert.Zero(t, togglesUsed(t, f, "free-user"))
}

func TestToggleWorkflow_UpstreamFailureIsNotCounted(t *testing.T) {
	f := newAPIFixture(t)
	inst := createInstance(t, f, "pro-user", "prod")
	f.upstream.err = &upstream.StatusError{StatusCode: http.StatusNotFound, Body: "workflow not found"}

	w := f.do(t, http.MethodPost, "/api/v1/instances/"+inst.ID+"/workflows/wf9/toggle?enabled=true", "pro-user", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.EqualValues(t, 1, f.upstream.toggleCalls.Load())
	assert.Zero(t, togglesUsed(t, f, "pro-user"))
}

func TestToggleWorkflow_Validation(t *testing.T) {
	f := newAPIFixture(t)
	inst := createInstance(t, f, "pro-user", "prod")

	w := f.do(t, http.MethodPost, "/api/v1/instances/"+inst.ID+"/workflows/wf1/toggle", "pro-user", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/instances/missing/workflows/wf1/toggle?enabled=true", "pro-user", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Zero(t, f.upstream.toggleCalls.Load())
}

func TestToggleWorkflow_InvalidatesListing(t *testing.T) {
	f := newAPIFixture(t)
	inst := createInstance(t, f, "pro-user", "prod")
	list := "/api/v1/instances/" + inst.ID + "/workflows"

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, list, "pro-user", "").Code)
	assert.True(t, f.mr.Exists(respcache.Key(respcache.WorkflowsScope(inst.ID), map[string]any{"limit": upstream.DefaultWorkflowLimit})))

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, list+"/wf1/toggle?enabled=false", "pro-user", "").Code)

	w := f.do(t, http.MethodGet, list, "pro-user", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
	assert.EqualValues(t, 2, f.upstream.listCalls.Load())
}

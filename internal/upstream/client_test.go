package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListExecutions(t *testing.T) {
	var gotQuery string
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/executions", r.URL.Path)
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get(APIKeyHeader)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":"101","workflowId":"wf1","status":"success","finished":true}],"nextCursor":"abc"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{Timeout: time.Second}, nil)
	page, err := c.ListExecutions(context.Background(), Instance{ID: "i1", BaseURL: srv.URL + "/", APIKey: "secret"},
		ListExecutionsParams{Limit: 500, Status: "success", WorkflowID: "wf1"})
	require.NoError(t, err)

	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "limit=250&status=success&workflowId=wf1", gotQuery)
	require.Len(t, page.Data, 1)
	assert.Equal(t, "wf1", page.Data[0].WorkflowID)
	require.NotNil(t, page.NextCursor)
	assert.Equal(t, "abc", *page.NextCursor)
}

func TestListExecutions_EmptyData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"nextCursor":null}`))
	}))
	defer srv.Close()

	page, err := NewClient(Config{}, nil).ListExecutions(context.Background(), Instance{ID: "i1", BaseURL: srv.URL}, ListExecutionsParams{})
	require.NoError(t, err)
	assert.NotNil(t, page.Data)
	assert.Empty(t, page.Data)
	assert.Nil(t, page.NextCursor)
}

func TestListExecutions_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"unauthorized"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewClient(Config{}, nil).ListExecutions(context.Background(), Instance{ID: "i1", BaseURL: srv.URL}, ListExecutionsParams{})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
	assert.Contains(t, se.Body, "unauthorized")
}

func TestListExecutions_PerInstanceShaping(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{PerInstanceRPS: 0.001, PerInstanceBurst: 1}, nil)
	inst := Instance{ID: "i1", BaseURL: srv.URL}

	_, err := c.ListExecutions(context.Background(), inst, ListExecutionsParams{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.ListExecutions(ctx, inst, ListExecutionsParams{})
	assert.Error(t, err, "the burst is spent and the next token is far away")

	_, err = c.ListExecutions(context.Background(), Instance{ID: "i2", BaseURL: srv.URL}, ListExecutionsParams{})
	require.NoError(t, err, "other instances have their own budget")
	assert.Equal(t, int32(2), calls.Load())
}

func TestCacheParams(t *testing.T) {
	p := ListExecutionsParams{}.Normalize()
	assert.Equal(t, map[string]any{"limit": 20}, p.CacheParams())

	p = ListExecutionsParams{Limit: 5, Status: "error", Cursor: "c1"}.Normalize()
	assert.Equal(t, map[string]any{"limit": 5, "status": "error", "cursor": "c1"}, p.CacheParams())
}

func TestListWorkflows(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/workflows", r.URL.Path)
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"data":[{"id":"wf1","name":"Nightly sync","active":true,"tags":[{"id":"t1","name":"ops"}]}],"nextCursor":null}`))
	}))
	defer srv.Close()

	active := true
	page, err := NewClient(Config{}, nil).ListWorkflows(context.Background(), Instance{ID: "i1", BaseURL: srv.URL},
		ListWorkflowsParams{Limit: 1000, Active: &active})
	require.NoError(t, err)

	assert.Equal(t, "active=true&limit=250", gotQuery)
	require.Len(t, page.Data, 1)
	assert.Equal(t, "Nightly sync", page.Data[0].Name)
	assert.True(t, page.Data[0].Active)
	assert.Nil(t, page.NextCursor)
}

func TestSetWorkflowActive(t *testing.T) {
	tests := []struct {
		name     string
		active   bool
		wantPath string
	}{
		{"activate", true, "/api/v1/workflows/wf%201/activate"},
		{"deactivate", false, "/api/v1/workflows/wf%201/deactivate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, tt.wantPath, r.URL.EscapedPath())
				assert.Equal(t, "key", r.Header.Get(APIKeyHeader))
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				_, _ = fmt.Fprintf(w, `{"id":"wf 1","name":"Sync","active":%t}`, tt.active)
			}))
			defer srv.Close()

			wf, err := NewClient(Config{}, nil).SetWorkflowActive(context.Background(),
				Instance{ID: "i1", BaseURL: srv.URL, APIKey: "key"}, "wf 1", tt.active)
			require.NoError(t, err)
			assert.Equal(t, tt.active, wf.Active)
		})
	}
}

func TestSetWorkflowActive_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()
	c := NewClient(Config{}, nil)

	_, err := c.SetWorkflowActive(context.Background(), Instance{ID: "i1", BaseURL: srv.URL}, "missing", true)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.StatusCode)

	_, err = c.SetWorkflowActive(context.Background(), Instance{ID: "i1", BaseURL: srv.URL}, "", true)
	assert.Error(t, err)
}

func TestWorkflowCacheParams(t *testing.T) {
	assert.Equal(t, map[string]any{"limit": 100}, ListWorkflowsParams{}.Normalize().CacheParams())

	inactive := false
	p := ListWorkflowsParams{Limit: 10, Cursor: "c2", Active: &inactive}.Normalize()
	assert.Equal(t, map[string]any{"limit": 10, "cursor": "c2", "active": false}, p.CacheParams())
}

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/flowdash-app/flowdash-backend/internal/quota"
	"github.com/flowdash-app/flowdash-backend/internal/respcache"
	"github.com/flowdash-app/flowdash-backend/internal/slogging"
	"github.com/flowdash-app/flowdash-backend/internal/upstream"
	"github.com/gin-gonic/gin"
)

// ToggleWorkflowResponse is the body of a successful toggle
type ToggleWorkflowResponse struct {
	Workflow *upstream.Workflow `json:"workflow"`
	Quota    quota.Decision     `json:"quota"`
}

// ListWorkflows proxies a workflow listing through the response cache.
// Testers and force_refresh=true skip the cached read.
func (s *Server) ListWorkflows(c *gin.Context) {
	user, ok := mustUser(c)
	if !ok {
		return
	}
	params, err := workflowParams(c)
	if err != nil {
		HandleRequestError(c, err)
		return
	}

	ctx := c.Request.Context()
	conn, err := s.deps.Instances.Connection(ctx, user.ID, c.Param("id"))
	if err != nil {
		HandleRequestError(c, err)
		return
	}
	limits, err := s.deps.Catalog.LimitsFor(ctx, user.PlanTier)
	if err != nil {
		HandleRequestError(c, err)
		return
	}

	forceRefresh, _ := strconv.ParseBool(c.Query("force_refresh"))
	var page upstream.WorkflowPage
	hit, err := s.deps.Cache.Fetch(ctx, respcache.FetchRequest{
		Scope:      respcache.WorkflowsScope(conn.ID),
		Params:     params.CacheParams(),
		TTLMinutes: respcache.TTLFor(limits),
		Bypass:     respcache.BypassFor(user.IsTester, forceRefresh),
	}, &page, func(ctx context.Context) (any, error) {
		return s.deps.Upstream.ListWorkflows(ctx, conn, params)
	})
	if err != nil {
		s.handleUpstreamError(c, conn.ID, err)
		return
	}

	if hit {
		c.Header("X-Cache", "HIT")
	} else {
		c.Header("X-Cache", "MISS")
	}
	c.JSON(http.StatusOK, page)
}

// ToggleWorkflow activates or deactivates a workflow. The toggles quota is
// checked before the n8n call and spent only after it succeeds.
func (s *Server) ToggleWorkflow(c *gin.Context) {
	user, ok := mustUser(c)
	if !ok {
		return
	}
	enabled, err := strconv.ParseBool(c.Query("enabled"))
	if err != nil {
		HandleRequestError(c, InvalidInputError("enabled must be true or false"))
		return
	}

	ctx := c.Request.Context()
	conn, err := s.deps.Instances.Connection(ctx, user.ID, c.Param("id"))
	if err != nil {
		HandleRequestError(c, err)
		return
	}

	decision, err := s.deps.Quota.Check(ctx, user.ID, quota.Toggles)
	if err != nil {
		HandleRequestError(c, err)
		return
	}
	if !decision.Allowed {
		slogging.GetContextLogger(c).Info("Quota %s denied for user %s: %s", quota.Toggles, user.ID, decision.Reason)
		writeQuotaDenied(c, decision)
		return
	}

	wf, err := s.deps.Upstream.SetWorkflowActive(ctx, conn, c.Param("wid"), enabled)
	if err != nil {
		s.handleUpstreamError(c, conn.ID, err)
		return
	}

	decision, err = s.deps.Quota.Increment(ctx, user.ID, quota.Toggles)
	if err != nil {
		HandleRequestError(c, err)
		return
	}
	if !decision.Allowed {
		// a concurrent toggle took the last unit after the check; the n8n change already happened
		slogging.GetContextLogger(c).Warn("Toggle of workflow %s by user %s applied but not counted: %s", wf.ID, user.ID, decision.Reason)
	}

	s.invalidateWorkflows(ctx, conn.ID)
	c.JSON(http.StatusOK, ToggleWorkflowResponse{Workflow: wf, Quota: decision})
}

func (s *Server) invalidateWorkflows(ctx context.Context, instanceID string) {
	scope := respcache.WorkflowsScope(instanceID)
	active, inactive := true, false
	for _, p := range []upstream.ListWorkflowsParams{{}, {Active: &active}, {Active: &inactive}} {
		s.deps.Cache.Invalidate(ctx, scope, p.Normalize().CacheParams())
	}
}

func (s *Server) handleUpstreamError(c *gin.Context, instanceID string, err error) {
	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		slogging.GetContextLogger(c).Warn("n8n instance %s answered %d", instanceID, statusErr.StatusCode)
		HandleRequestError(c, BadGatewayError("the n8n instance rejected the request"))
		return
	}
	HandleRequestError(c, err)
}

func workflowParams(c *gin.Context) (upstream.ListWorkflowsParams, error) {
	p := upstream.ListWorkflowsParams{Cursor: c.Query("cursor")}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return p, InvalidInputError("limit must be an integer")
		}
		p.Limit = n
	}
	if raw := c.Query("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			return p, InvalidInputError("active must be true or false")
		}
		p.Active = &active
	}
	return p.Normalize(), nil
}

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/flowdash-app/flowdash-backend/internal/instances"
	"github.com/flowdash-app/flowdash-backend/internal/respcache"
	"github.com/flowdash-app/flowdash-backend/internal/upstream"
	"github.com/gin-gonic/gin"
)

// ListInstances returns the caller's servers
func (s *Server) ListInstances(c *gin.Context) {
	user, ok := mustUser(c)
	if !ok {
		return
	}
	list, err := s.deps.Instances.List(c.Request.Context(), user.ID)
	if err != nil {
		HandleRequestError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": list})
}

// CreateInstance registers a server, subject to the plan's instance and creation limits
func (s *Server) CreateInstance(c *gin.Context) {
	user, ok := mustUser(c)
	if !ok {
		return
	}
	var req instances.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		HandleRequestError(c, InvalidInputError("request body must be a JSON object"))
		return
	}

	inst, err := s.deps.Instances.Create(c.Request.Context(), user.ID, req)
	if err != nil {
		var limitErr *instances.LimitError
		if errors.As(err, &limitErr) {
			writeInstanceLimit(c, limitErr)
			return
		}
		HandleRequestError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inst)
}

func writeInstanceLimit(c *gin.Context, err *instances.LimitError) {
	status := http.StatusForbidden
	if err.Reason == instances.ReasonDailyCreation {
		status = http.StatusTooManyRequests
	}
	c.AbortWithStatusJSON(status, gin.H{"detail": err.Detail, "reason": err.Reason})
}

// GetInstance returns one of the caller's servers
func (s *Server) GetInstance(c *gin.Context) {
	user, ok := mustUser(c)
	if !ok {
		return
	}
	inst, err := s.deps.Instances.Get(c.Request.Context(), user.ID, c.Param("id"))
	if err != nil {
		HandleRequestError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// DeleteInstance removes one of the caller's servers
func (s *Server) DeleteInstance(c *gin.Context) {
	user, ok := mustUser(c)
	if !ok {
		return
	}
	if err := s.deps.Instances.Delete(c.Request.Context(), user.ID, c.Param("id")); err != nil {
		HandleRequestError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListExecutions proxies an execution listing through the response cache.
// Testers and force_refresh=true skip the cached read.
func (s *Server) ListExecutions(c *gin.Context) {
	user, ok := mustUser(c)
	if !ok {
		return
	}
	params, err := executionParams(c)
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
	var page upstream.ExecutionPage
	hit, err := s.deps.Cache.Fetch(ctx, respcache.FetchRequest{
		Scope:      respcache.ExecutionsScope(conn.ID),
		Params:     params.CacheParams(),
		TTLMinutes: respcache.TTLFor(limits),
		Bypass:     respcache.BypassFor(user.IsTester, forceRefresh),
	}, &page, func(ctx context.Context) (any, error) {
		return s.deps.Upstream.ListExecutions(ctx, conn, params)
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

func executionParams(c *gin.Context) (upstream.ListExecutionsParams, error) {
	p := upstream.ListExecutionsParams{
		Status:     c.Query("status"),
		WorkflowID: c.Query("workflow_id"),
		Cursor:     c.Query("cursor"),
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return p, InvalidInputError("limit must be an integer")
		}
		p.Limit = n
	}
	return p.Normalize(), nil
}

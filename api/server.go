// Package api exposes the FlowDash control plane over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/flowdash-app/flowdash-backend/internal/auth"
	"github.com/flowdash-app/flowdash-backend/internal/instances"
	"github.com/flowdash-app/flowdash-backend/internal/kvstore"
	"github.com/flowdash-app/flowdash-backend/internal/plans"
	"github.com/flowdash-app/flowdash-backend/internal/quota"
	"github.com/flowdash-app/flowdash-backend/internal/ratelimit"
	"github.com/flowdash-app/flowdash-backend/internal/respcache"
	"github.com/flowdash-app/flowdash-backend/internal/slogging"
	"github.com/flowdash-app/flowdash-backend/internal/telemetry"
	"github.com/flowdash-app/flowdash-backend/internal/upstream"
	"github.com/flowdash-app/flowdash-backend/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// N8NClient is the slice of the n8n public API the handlers call
type N8NClient interface {
	ListExecutions(ctx context.Context, inst upstream.Instance, p upstream.ListExecutionsParams) (*upstream.ExecutionPage, error)
	ListWorkflows(ctx context.Context, inst upstream.Instance, p upstream.ListWorkflowsParams) (*upstream.WorkflowPage, error)
	SetWorkflowActive(ctx context.Context, inst upstream.Instance, workflowID string, active bool) (*upstream.Workflow, error)
}

// StoreHealth reports the key-value store's health
type StoreHealth interface {
	CheckHealth(ctx context.Context) kvstore.HealthCheckResult
}

// Pinger checks the record store
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the handlers use. Limiter, Metrics and Gatherer are optional.
type Deps struct {
	Logger    *slogging.Logger
	Tokens    *auth.TokenManager
	Users     users.Resolver
	Catalog   plans.Catalog
	Quota     *quota.Accountant
	Limiter   *ratelimit.Limiter
	Cache     *respcache.Cache
	Instances *instances.Registry
	Upstream  N8NClient

	StoreHealth StoreHealth
	Database    Pinger

	// AdminUserIDs may call the admin endpoints in addition to testers
	AdminUserIDs  []string
	WebhookSecret string //nolint:gosec // HMAC secret for webhook intake

	// RequestTimeout bounds each request's context; zero leaves it unbounded
	RequestTimeout time.Duration

	ServiceName string
	Metrics     *telemetry.HTTPMetrics
	Gatherer    prometheus.Gatherer
}

// Server holds the handlers
type Server struct {
	deps   Deps
	admins map[string]bool
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slogging.Get()
	}
	admins := make(map[string]bool, len(deps.AdminUserIDs))
	for _, id := range deps.AdminUserIDs {
		admins[id] = true
	}
	return &Server{deps: deps, admins: admins}
}

// Router builds the gin engine with middleware and routes
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(slogging.Recoverer())
	if s.deps.ServiceName != "" {
		r.Use(telemetry.TracingMiddleware(s.deps.ServiceName))
	}
	r.Use(slogging.LoggerMiddleware(s.deps.Logger))
	r.Use(CORS(), SecurityHeaders(), ContextTimeout(s.deps.RequestTimeout))
	if s.deps.Metrics != nil {
		r.Use(s.deps.Metrics.GinMiddleware())
	}
	if s.deps.Limiter != nil {
		r.Use(ratelimit.Middleware(s.deps.Limiter))
	}

	r.GET("/health", s.Health)
	r.GET("/version", GetVersionInfo)
	if s.deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")
	v1.GET("/plans", s.ListPlans)
	v1.POST("/webhooks/n8n/:instance_id", s.ReceiveWebhook)

	authed := v1.Group("", s.RequireUser())
	authed.GET("/quota/status", s.QuotaStatus)
	authed.POST("/quota/:type/consume", s.ConsumeQuota)
	authed.GET("/instances", s.ListInstances)
	authed.POST("/instances", s.CreateInstance)
	authed.GET("/instances/:id", s.GetInstance)
	authed.DELETE("/instances/:id", s.DeleteInstance)
	authed.GET("/instances/:id/executions", s.ListExecutions)
	authed.GET("/instances/:id/workflows", s.ListWorkflows)
	authed.POST("/instances/:id/workflows/:wid/toggle", s.ToggleWorkflow)

	admin := authed.Group("/admin", s.RequireAdmin())
	admin.POST("/quota/reset", s.ResetQuota)

	r.NoRoute(func(c *gin.Context) {
		HandleRequestError(c, NotFoundError("route not found"))
	})
	return r
}

// Health reports store and database status. The store is optional for serving, the database is not.
func (s *Server) Health(c *gin.Context) {
	ctx := c.Request.Context()
	body := gin.H{"status": "ok"}
	status := http.StatusOK

	if s.deps.StoreHealth != nil {
		result := s.deps.StoreHealth.CheckHealth(ctx)
		body["kvstore"] = result
		if !result.Healthy {
			body["status"] = "degraded"
		}
	}
	if s.deps.Database != nil {
		if err := s.deps.Database.Ping(ctx); err != nil {
			body["database"] = gin.H{"healthy": false, "error": err.Error()}
			body["status"] = "unhealthy"
			status = http.StatusServiceUnavailable
		} else {
			body["database"] = gin.H{"healthy": true}
		}
	}
	c.JSON(status, body)
}

// ListPlans returns the active plan catalog
func (s *Server) ListPlans(c *gin.Context) {
	list, err := s.deps.Catalog.List(c.Request.Context())
	if err != nil {
		HandleRequestError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": list})
}

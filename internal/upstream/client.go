// Package upstream talks to users' n8n instances over the n8n public REST API.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flowdash-app/flowdash-backend/internal/slogging"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	// APIKeyHeader authenticates requests to an n8n instance
	APIKeyHeader = "X-N8N-API-KEY"

	DefaultExecutionLimit = 20
	MaxExecutionLimit     = 250
	DefaultWorkflowLimit  = 100
	MaxWorkflowLimit      = 250

	maxErrorBody = 4 << 10
)

// Instance is the connection information of one n8n server
type Instance struct {
	ID      string
	BaseURL string
	APIKey  string //nolint:gosec // decrypted n8n API key
}

// Execution is one workflow run as reported by n8n
type Execution struct {
	ID         string     `json:"id"`
	WorkflowID string     `json:"workflowId"`
	Status     string     `json:"status"`
	Mode       string     `json:"mode,omitempty"`
	Finished   bool       `json:"finished"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	StoppedAt  *time.Time `json:"stoppedAt,omitempty"`
}

// ExecutionPage is one page of a cursor-paginated execution listing
type ExecutionPage struct {
	Data       []Execution `json:"data"`
	NextCursor *string     `json:"nextCursor"`
}

// ListExecutionsParams filters an execution listing
type ListExecutionsParams struct {
	Limit      int
	Status     string
	WorkflowID string
	Cursor     string
}

// Normalize clamps Limit into [1, MaxExecutionLimit], defaulting to DefaultExecutionLimit
func (p ListExecutionsParams) Normalize() ListExecutionsParams {
	switch {
	case p.Limit <= 0:
		p.Limit = DefaultExecutionLimit
	case p.Limit > MaxExecutionLimit:
		p.Limit = MaxExecutionLimit
	}
	return p
}

// CacheParams returns the set parameters as a map, for building cache keys
func (p ListExecutionsParams) CacheParams() map[string]any {
	m := map[string]any{"limit": p.Limit}
	if p.Status != "" {
		m["status"] = p.Status
	}
	if p.WorkflowID != "" {
		m["workflow_id"] = p.WorkflowID
	}
	if p.Cursor != "" {
		m["cursor"] = p.Cursor
	}
	return m
}

func (p ListExecutionsParams) query() url.Values {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(p.Limit))
	if p.Status != "" {
		q.Set("status", p.Status)
	}
	if p.WorkflowID != "" {
		q.Set("workflowId", p.WorkflowID)
	}
	if p.Cursor != "" {
		q.Set("cursor", p.Cursor)
	}
	return q
}

// Workflow is an n8n workflow summary
type Workflow struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Active    bool       `json:"active"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
	Tags      []Tag      `json:"tags,omitempty"`
}

type Tag struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// WorkflowPage is one page of a cursor-paginated workflow listing
type WorkflowPage struct {
	Data       []Workflow `json:"data"`
	NextCursor *string    `json:"nextCursor"`
}

// ListWorkflowsParams filters a workflow listing. A nil Active lists both states.
type ListWorkflowsParams struct {
	Limit  int
	Cursor string
	Active *bool
}

// Normalize clamps Limit into [1, MaxWorkflowLimit], defaulting to DefaultWorkflowLimit
func (p ListWorkflowsParams) Normalize() ListWorkflowsParams {
	switch {
	case p.Limit <= 0:
		p.Limit = DefaultWorkflowLimit
	case p.Limit > MaxWorkflowLimit:
		p.Limit = MaxWorkflowLimit
	}
	return p
}

func (p ListWorkflowsParams) CacheParams() map[string]any {
	m := map[string]any{"limit": p.Limit}
	if p.Cursor != "" {
		m["cursor"] = p.Cursor
	}
	if p.Active != nil {
		m["active"] = *p.Active
	}
	return m
}

func (p ListWorkflowsParams) query() url.Values {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(p.Limit))
	if p.Cursor != "" {
		q.Set("cursor", p.Cursor)
	}
	if p.Active != nil {
		q.Set("active", strconv.FormatBool(*p.Active))
	}
	return q
}

// StatusError is a non-2xx answer from an n8n instance
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("n8n responded %d: %s", e.StatusCode, e.Body)
}

// Config tunes the client
type Config struct {
	Timeout time.Duration
	// PerInstanceRPS and PerInstanceBurst shape outbound calls to each instance; zero disables shaping
	PerInstanceRPS   float64
	PerInstanceBurst int
	Transport        http.RoundTripper
}

// Client calls n8n instances. Outbound requests are traced and shaped per instance.
type Client struct {
	http   *http.Client
	logger *slogging.Logger
	cfg    Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewClient(cfg Config, logger *slogging.Logger) *Client {
	if logger == nil {
		logger = slogging.Get()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return &Client{
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(base),
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:   logger.With(slog.String("component", "upstream")),
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *Client) limiter(instanceID string) *rate.Limiter {
	if c.cfg.PerInstanceRPS <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[instanceID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.cfg.PerInstanceRPS), max(1, c.cfg.PerInstanceBurst))
		c.limiters[instanceID] = l
	}
	return l
}

// ListExecutions fetches one page of executions
func (c *Client) ListExecutions(ctx context.Context, inst Instance, p ListExecutionsParams) (*ExecutionPage, error) {
	p = p.Normalize()
	var page ExecutionPage
	if err := c.call(ctx, inst, http.MethodGet, "/api/v1/executions", p.query(), nil, &page); err != nil {
		return nil, err
	}
	if page.Data == nil {
		page.Data = []Execution{}
	}
	return &page, nil
}

// ListWorkflows fetches one page of workflows
func (c *Client) ListWorkflows(ctx context.Context, inst Instance, p ListWorkflowsParams) (*WorkflowPage, error) {
	p = p.Normalize()
	var page WorkflowPage
	if err := c.call(ctx, inst, http.MethodGet, "/api/v1/workflows", p.query(), nil, &page); err != nil {
		return nil, err
	}
	if page.Data == nil {
		page.Data = []Workflow{}
	}
	return &page, nil
}

// SetWorkflowActive activates or deactivates a workflow and returns its new state
func (c *Client) SetWorkflowActive(ctx context.Context, inst Instance, workflowID string, active bool) (*Workflow, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("workflow id is required")
	}
	action := "deactivate"
	if active {
		action = "activate"
	}
	var wf Workflow
	path := "/api/v1/workflows/" + url.PathEscape(workflowID) + "/" + action
	if err := c.call(ctx, inst, http.MethodPost, path, nil, struct{}{}, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (c *Client) call(ctx context.Context, inst Instance, method, path string, q url.Values, body, dst any) error {
	if l := c.limiter(inst.ID); l != nil {
		if err := l.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for instance %s: %w", inst.ID, err)
		}
	}

	endpoint := strings.TrimRight(inst.BaseURL, "/") + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request for instance %s: %w", inst.ID, err)
		}
		reqBody = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request for instance %s: %w", inst.ID, err)
	}
	req.Header.Set(APIKeyHeader, inst.APIKey)
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("Request to instance %s failed: %v", inst.ID, err)
		return fmt.Errorf("request to instance %s failed: %w", inst.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	c.logger.Debug("%s %s on instance %s -> %d in %v", method, path, inst.ID, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("failed to decode response from instance %s: %w", inst.ID, err)
	}
	return nil
}

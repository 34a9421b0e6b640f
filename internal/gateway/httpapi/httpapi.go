// Package httpapi implements the HTTP API gateway for MCPBox.
//
// Security:
//   - API key authentication on every request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting via token bucket
//   - All executions logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/mcpbox/internal/config"
	"github.com/jkaninda/mcpbox/internal/gateway"
	"github.com/jkaninda/mcpbox/internal/observability"
	"github.com/jkaninda/mcpbox/internal/orchestrator"
	"github.com/jkaninda/mcpbox/internal/ratelimit"
	"github.com/jkaninda/mcpbox/internal/registry"
	"github.com/jkaninda/mcpbox/internal/schema"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key -> user ID mapping. Keys from env.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway over the orchestrator.
type Gateway struct {
	config  Config
	orch    *orchestrator.Orchestrator
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

var _ gateway.Gateway = (*Gateway)(nil)

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, orch *orchestrator.Orchestrator, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	maxBody := cfg.MaxRequestSize
	if maxBody <= 0 {
		maxBody = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		orch:    orch,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(maxBody)),
	}
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "MCPBox",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	// Server instance endpoints.
	g.group.Post("/servers", g.handleLoad,
		okapi.DocSummary("Load an MCP server into the sandbox"),
		okapi.DocTags("Servers"),
		okapi.DocRequestBody(LoadRequest{}),
		okapi.DocResponse(http.StatusCreated, InstanceResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)
	g.group.Get("/servers", g.handleList,
		okapi.DocSummary("List loaded server instances"),
		okapi.DocTags("Servers"),
		okapi.DocResponse([]InstanceResponse{}),
	)
	g.group.Get("/servers/{id}", g.handleGet,
		okapi.DocSummary("Get a loaded server instance"),
		okapi.DocTags("Servers"),
		okapi.DocPathParam("id", "string", "Instance ID"),
		okapi.DocResponse(InstanceDetailResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/servers/{id}", g.handleUnload,
		okapi.DocSummary("Unload a server instance"),
		okapi.DocTags("Servers"),
		okapi.DocPathParam("id", "string", "Instance ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Execution endpoint.
	g.group.Post("/servers/{id}/execute", g.handleExecute,
		okapi.DocSummary("Execute JavaScript against a loaded server"),
		okapi.DocTags("Execute"),
		okapi.DocPathParam("id", "string", "Instance ID"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(orchestrator.ExecutionResult{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)

	// Discovery and cache maintenance.
	g.group.Post("/servers/preview", g.handlePreview,
		okapi.DocSummary("Preview a server's tools without loading it"),
		okapi.DocTags("Servers"),
		okapi.DocRequestBody(LoadRequest{}),
		okapi.DocResponse(PreviewResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Delete("/schema/{name}", g.handleInvalidateSchema,
		okapi.DocSummary("Invalidate cached schemas for a server name"),
		okapi.DocTags("Servers"),
		okapi.DocPathParam("name", "string", "Server name"),
		okapi.DocResponse(InvalidateResponse{}),
	)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// LoadRequest is the JSON body for POST /v1/servers and /v1/servers/preview.
// Exactly one of command or url must be set.
type LoadRequest struct {
	Name    string            `json:"name"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (r LoadRequest) serverConfig() config.ServerConfig {
	return config.ServerConfig{
		Command: r.Command,
		Args:    r.Args,
		Env:     r.Env,
		URL:     r.URL,
		Headers: r.Headers,
	}
}

// InstanceResponse is the summary view of a loaded instance.
type InstanceResponse struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	ToolCount     int       `json:"tool_count"`
	PromptCount   int       `json:"prompt_count"`
	Fingerprint   string    `json:"fingerprint"`
	CreatedAt     time.Time `json:"created_at"`
	UptimeSeconds float64   `json:"uptime_seconds"`
}

// InstanceDetailResponse adds the full tool list and the generated
// interface text shown to callers writing code against the instance.
type InstanceDetailResponse struct {
	InstanceResponse
	Tools         []schema.ToolDescriptor   `json:"tools"`
	Prompts       []schema.PromptDescriptor `json:"prompts,omitempty"`
	InterfaceText string                    `json:"interface_text"`
}

func instanceSummary(inst *registry.Instance) InstanceResponse {
	return InstanceResponse{
		ID:            inst.ID,
		Name:          inst.Name,
		Status:        inst.Status,
		ToolCount:     len(inst.Tools),
		PromptCount:   len(inst.Prompts),
		Fingerprint:   inst.Fingerprint,
		CreatedAt:     inst.CreatedAt,
		UptimeSeconds: inst.Uptime().Seconds(),
	}
}

func (g *Gateway) handleLoad(c *okapi.Context) error {
	userID := c.GetString("userID")
	if g.limiter != nil {
		if err := g.limiter.Allow(userID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req LoadRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Name == "" {
		return c.AbortBadRequest("name is required")
	}

	correlationID := newCorrelationID()
	g.logger.Info("http load",
		slog.String("user_id", userID),
		slog.String("correlation_id", correlationID),
		slog.String("server", req.Name),
	)

	inst, err := g.orch.Load(c.Context(), req.Name, req.serverConfig())
	if err != nil {
		return g.orchestratorError(c, correlationID, err)
	}

	return c.JSON(http.StatusCreated, instanceSummary(inst))
}

func (g *Gateway) handleList(c *okapi.Context) error {
	instances := g.orch.List()
	out := make([]InstanceResponse, 0, len(instances))
	for _, inst := range instances {
		out = append(out, instanceSummary(inst))
	}
	return c.OK(out)
}

func (g *Gateway) handleGet(c *okapi.Context) error {
	inst, err := g.orch.Get(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "instance not found", Kind: string(orchestrator.KindNotFound)})
	}
	return c.OK(InstanceDetailResponse{
		InstanceResponse: instanceSummary(inst),
		Tools:            inst.Tools,
		Prompts:          inst.Prompts,
		InterfaceText:    inst.InterfaceText,
	})
}

func (g *Gateway) handleUnload(c *okapi.Context) error {
	id := c.Param("id")
	if err := g.orch.Unload(id); err != nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "instance not found", Kind: string(orchestrator.KindNotFound)})
	}
	g.logger.Info("http unload", slog.String("instance_id", id))
	return c.OK(map[string]string{"status": "unloaded"})
}

// ExecuteRequest is the JSON body for POST /v1/servers/{id}/execute.
type ExecuteRequest struct {
	Code      string `json:"code"`
	TimeoutMs int    `json:"timeout_ms,omitempty"` // 0 = 30s default, capped at 60s.
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	userID := c.GetString("userID")
	if g.limiter != nil {
		if err := g.limiter.Allow(userID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("code is required")
	}

	correlationID := newCorrelationID()
	instanceID := c.Param("id")

	g.logger.Info("http execute",
		slog.String("user_id", userID),
		slog.String("correlation_id", correlationID),
		slog.String("instance_id", instanceID),
		slog.Int("code_bytes", len(req.Code)),
	)

	result, err := g.orch.Execute(c.Context(), instanceID, req.Code, req.TimeoutMs)
	if err != nil {
		return g.orchestratorError(c, correlationID, err)
	}

	// Sandbox failures travel in the result body with HTTP 200; only
	// request-shape problems get non-2xx statuses.
	return c.OK(result)
}

// PreviewResponse is the JSON response for POST /v1/servers/preview.
type PreviewResponse struct {
	Name  string                  `json:"name"`
	Tools []schema.ToolDescriptor `json:"tools"`
}

func (g *Gateway) handlePreview(c *okapi.Context) error {
	var req LoadRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Name == "" {
		return c.AbortBadRequest("name is required")
	}

	tools := g.orch.Discover(c.Context(), req.Name, req.serverConfig())
	if tools == nil {
		tools = []schema.ToolDescriptor{}
	}
	return c.OK(PreviewResponse{Name: req.Name, Tools: tools})
}

// InvalidateResponse reports how many cached schema entries were dropped.
type InvalidateResponse struct {
	Name    string `json:"name"`
	Removed int    `json:"removed"`
}

func (g *Gateway) handleInvalidateSchema(c *okapi.Context) error {
	name := c.Param("name")
	removed := g.orch.InvalidateSchema(c.Context(), name)
	g.logger.Info("http schema invalidate", slog.String("server", name), slog.Int("removed", removed))
	return c.OK(InvalidateResponse{Name: name, Removed: removed})
}

// HealthResponse is the JSON response for the probe endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Middleware ---

func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		userID := ""
		for key, userId := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				userID = userId
			}
		}
		if userID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// --- Helpers ---

// orchestratorError maps error kinds to HTTP statuses. Only structural
// misuse surfaces here; execution failures are ordinary result bodies.
func (g *Gateway) orchestratorError(c *okapi.Context, correlationID string, err error) error {
	kind := orchestrator.KindOf(err)
	body := ErrorBody{Error: err.Error(), Kind: string(kind)}

	switch kind {
	case orchestrator.KindValidation:
		return c.JSON(http.StatusBadRequest, body)
	case orchestrator.KindNotFound:
		return c.JSON(http.StatusNotFound, body)
	case orchestrator.KindConnection:
		return c.JSON(http.StatusBadGateway, body)
	default:
		g.logger.Error("request failed",
			slog.String("correlation_id", correlationID),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("internal error")
	}
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

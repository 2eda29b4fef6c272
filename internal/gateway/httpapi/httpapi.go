// Package httpapi implements the HTTP gateway for runbox.
//
// Security:
//   - Optional API key authentication (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/runbox/internal/audit"
	"github.com/jkaninda/runbox/internal/execution"
	"github.com/jkaninda/runbox/internal/gateway"
	"github.com/jkaninda/runbox/internal/observability"
	"github.com/jkaninda/runbox/internal/ratelimit"
)

const (
	defaultMaxRequestSize = 1 << 20 // 1 MB
	maxRecentLimit        = 1000
)

// ErrorBody is the error response shape shared by every endpoint.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr     string // e.g., ":5000"
	EnableDocs     bool
	APIKeys        map[string]string // API key to client name. Empty = no authentication.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

func (c Config) requestLimit() int64 {
	if c.MaxRequestSize > 0 {
		return c.MaxRequestSize
	}
	return defaultMaxRequestSize
}

// Gateway is the HTTP gateway.
type Gateway struct {
	config  Config
	handler execution.Handler
	records audit.Store // nil = audit trail disabled.
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	// Extra handlers mounted on the HTTP mux (websocket and MCP endpoints).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

var _ gateway.Gateway = (*Gateway)(nil)

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	method  string
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP gateway in front of h.
func NewGateway(cfg Config, h execution.Handler, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		handler: h,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithRecords enables GET /v1/executions backed by store.
func (g *Gateway) WithRecords(store audit.Store) *Gateway {
	g.records = store
	return g
}

// WithOpenAPIDocs serves the generated OpenAPI document.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "runbox",
			Version: "v0.1.0",
		},
	)
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
func (g *Gateway) WithHandler(method, pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{method: method, pattern: pattern, handler: handler})
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))

	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

func (g *Gateway) routes() {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Historical unversioned route.
	g.okapi.Post("/execute", g.authenticate(g.handleExecute),
		okapi.DocSummary("Run code in a new or existing session"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(execution.Response{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)

	g.group = g.okapi.Group("/v1", g.authenticate)
	g.group.Post("/execute", g.handleExecute,
		okapi.DocSummary("Run code in a new or existing session"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(execution.Response{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusInternalServerError, ErrorBody{}),
	)
	g.group.Get("/executions", g.handleExecutions,
		okapi.DocSummary("List recent execution records"),
		okapi.DocTags("Execution"),
		okapi.DocResponse(ExecutionsResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)

	// Extra handlers (websocket, MCP).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd(er.method, er.pattern, er.handler.ServeHTTP)
	}

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
}

// --- Handlers ---

// ExecuteRequest documents the JSON body for POST /v1/execute.
type ExecuteRequest struct {
	Code string `json:"code"`
	ID   string `json:"id,omitempty"` // Empty = new session.
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	r := c.Request()

	if g.limiter != nil {
		if err := g.limiter.Allow(clientKey(c)); err != nil {
			if g.config.Metrics != nil {
				g.config.Metrics.RateLimitedTotal.Inc()
			}
			return c.JSON(http.StatusTooManyRequests, ErrorBody{Error: "rate limit exceeded"})
		}
	}

	limit := g.config.requestLimit()
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: execution.MsgInvalidJSON})
	}
	if int64(len(body)) > limit {
		return c.JSON(http.StatusRequestEntityTooLarge, ErrorBody{Error: "request body too large"})
	}

	sub, err := execution.ParseSubmission(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: execution.MsgInvalidJSON})
	}

	resp, status := g.handler.HandleSubmission(c.Context(), sub)
	return c.JSON(status, resp)
}

// ExecutionsResponse is the JSON response for GET /v1/executions.
type ExecutionsResponse struct {
	Records []audit.Record `json:"records"`
}

func (g *Gateway) handleExecutions(c *okapi.Context) error {
	if g.records == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorBody{Error: "execution records are disabled"})
	}

	limit := audit.DefaultRecentLimit
	if raw := c.Request().URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, ErrorBody{Error: "limit must be a positive integer"})
		}
		limit = min(n, maxRecentLimit)
	}

	records, err := g.records.Recent(c.Context(), limit)
	if err != nil {
		g.logger.Error("listing execution records failed", slog.String("error", err.Error()))
		return c.JSON(http.StatusInternalServerError, ErrorBody{Error: execution.MsgInternalError})
	}
	if records == nil {
		records = []audit.Record{}
	}
	return c.OK(ExecutionsResponse{Records: records})
}

// HealthResponse is the JSON response for GET /healthz.
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
	if !status.OK() {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key when keys are configured and stores the
// client name for rate limiting.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			return next(c)
		}
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.JSON(http.StatusUnauthorized, ErrorBody{Error: "missing or invalid Authorization header"})
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		client := ""
		for key, name := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				client = name
			}
		}
		if client == "" {
			return c.JSON(http.StatusUnauthorized, ErrorBody{Error: "invalid API key"})
		}
		c.Set("client", client)
		return next(c)
	}
}

// clientKey identifies the caller for rate limiting: the authenticated client
// name when present, else the remote IP.
func clientKey(c *okapi.Context) string {
	if client := c.GetString("client"); client != "" {
		return "key:" + client
	}
	host, _, err := net.SplitHostPort(c.Request().RemoteAddr)
	if err != nil {
		return "ip:" + c.Request().RemoteAddr
	}
	return "ip:" + host
}

// Package httpapi implements the HTTP gateway over the execution engine.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting via token bucket
//   - Program source never logged, only its length
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/sha256"
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

	"github.com/jkaninda/crucible/internal/audit"
	"github.com/jkaninda/crucible/internal/capability"
	"github.com/jkaninda/crucible/internal/engine"
	"github.com/jkaninda/crucible/internal/observability"
	"github.com/jkaninda/crucible/internal/ratelimit"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        []string // Accepted bearer keys. Empty = auth disabled (dev only).
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP gateway: it accepts untrusted programs, hands them
// to the engine, and returns the structured outcome.
type Gateway struct {
	config   Config
	engine   *engine.Engine
	registry *capability.Registry
	invoker  capability.Invoker
	journal  *audit.Journal // nil = /v1/executions disabled.
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server
	okapi    *okapi.Okapi
	group    *okapi.Group
}

// NewGateway creates the HTTP gateway. The invoker is typically the
// registry wrapped with dispatch instrumentation.
func NewGateway(cfg Config, eng *engine.Engine, reg *capability.Registry, inv capability.Invoker, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if inv == nil {
		inv = reg
	}
	return &Gateway{
		config:   cfg,
		engine:   eng,
		registry: reg,
		invoker:  inv,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithAuditJournal enables GET /v1/executions over the audit store.
func (g *Gateway) WithAuditJournal(j *audit.Journal) *Gateway {
	g.journal = j
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is
// canceled.
func (g *Gateway) Start(ctx context.Context) error {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/execute", g.handleExecute,
		okapi.DocSummary("Execute an untrusted program in the sandbox"),
		okapi.DocTags("Execute"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(ExecuteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/capabilities", g.handleCapabilities,
		okapi.DocSummary("List the capabilities programs may call"),
		okapi.DocTags("Capabilities"),
		okapi.DocResponse(CapabilitiesResponse{}),
	)
	g.group.Get("/backends", g.handleBackends,
		okapi.DocSummary("List the registered execution backends"),
		okapi.DocTags("Execute"),
		okapi.DocResponse(BackendsResponse{}),
	)
	if g.journal != nil {
		g.group.Get("/executions", g.handleExecutions,
			okapi.DocSummary("List recently recorded executions"),
			okapi.DocTags("Audit"),
			okapi.DocResponse([]audit.Entry{}),
		)
	}
	g.group.Get("/healthz", g.handleHealth,
		okapi.DocSummary("Authenticated health check"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
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
		g.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "Crucible",
			Version: "v0.1.0",
		})
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// BudgetRequest is the per-request budget override. Zero fields fall back
// to the engine's configured defaults.
type BudgetRequest struct {
	MaxOperations      int64 `json:"max_operations,omitempty"`
	MaxWallTimeSeconds int   `json:"max_wall_time_seconds,omitempty"`
	MaxMemoryBytes     int64 `json:"max_memory_bytes,omitempty"`
	MaxOutputBytes     int64 `json:"max_output_bytes,omitempty"`
}

// ExecuteRequest is the JSON body for POST /v1/execute.
type ExecuteRequest struct {
	Source string `json:"source"`

	// Backend selects the execution strategy. Empty = server default.
	Backend string `json:"backend,omitempty"`

	// Capabilities restricts this execution to a subset of the registry.
	// Empty = the full registry.
	Capabilities []string `json:"capabilities,omitempty"`

	Budget BudgetRequest `json:"budget,omitempty"`
}

// ExecuteResponse wraps the engine outcome.
type ExecuteResponse struct {
	Outcome *engine.Outcome `json:"outcome"`
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	clientID := c.GetString("clientID")

	if g.limiter != nil {
		if err := g.limiter.Allow(clientID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Source == "" {
		return c.AbortBadRequest("source is required")
	}
	maxSize := g.config.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	if int64(len(req.Source)) > maxSize {
		return c.AbortBadRequest("source exceeds the maximum request size")
	}

	catalog, err := g.catalogFor(req.Capabilities)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	g.logger.Info("http execute",
		slog.String("client_id", clientID),
		slog.String("backend", req.Backend),
		slog.Int("source_bytes", len(req.Source)),
		slog.Int("capabilities", catalog.Len()),
	)

	outcome := g.engine.Submit(c.Context(), engine.Request{
		Source:       req.Source,
		Backend:      req.Backend,
		Budget:       req.Budget.toBudget(),
		Capabilities: catalog,
		Invoker:      g.invoker,
	})

	return c.OK(ExecuteResponse{Outcome: outcome})
}

func (b BudgetRequest) toBudget() engine.Budget {
	return engine.Budget{
		MaxOperations:  b.MaxOperations,
		MaxWallTime:    time.Duration(b.MaxWallTimeSeconds) * time.Second,
		MaxMemoryBytes: b.MaxMemoryBytes,
		MaxOutputBytes: b.MaxOutputBytes,
	}
}

// catalogFor resolves the requested capability subset against the
// registry. An unknown name is a client error, not a silent drop.
func (g *Gateway) catalogFor(names []string) (*capability.Catalog, error) {
	full := g.registry.Catalog()
	if len(names) == 0 {
		return full, nil
	}
	specs := make([]capability.Spec, 0, len(names))
	for _, name := range names {
		spec, ok := full.Get(name)
		if !ok {
			return nil, &unknownCapabilityError{name: name}
		}
		specs = append(specs, spec)
	}
	return capability.NewCatalog(specs), nil
}

type unknownCapabilityError struct{ name string }

func (e *unknownCapabilityError) Error() string {
	return "unknown capability: " + e.name
}

// CapabilitiesResponse is the JSON response for GET /v1/capabilities.
type CapabilitiesResponse struct {
	Capabilities []capability.Spec `json:"capabilities"`
}

func (g *Gateway) handleCapabilities(c *okapi.Context) error {
	return c.OK(CapabilitiesResponse{Capabilities: g.registry.Catalog().Specs()})
}

// BackendsResponse is the JSON response for GET /v1/backends.
type BackendsResponse struct {
	Backends []string `json:"backends"`
}

func (g *Gateway) handleBackends(c *okapi.Context) error {
	return c.OK(BackendsResponse{Backends: g.engine.Backends()})
}

func (g *Gateway) handleExecutions(c *okapi.Context) error {
	entries, err := g.journal.Recent(c.Context(), 50)
	if err != nil {
		g.logger.Error("querying audit store", slog.String("error", err.Error()))
		return c.AbortInternalServerError("audit query failed")
	}
	return c.OK(entries)
}

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleLiveness is the Kubernetes liveness probe.
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

// authenticate checks the bearer key against the configured set in
// constant time and tags the request with a client ID derived from the
// key (never the key itself).
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			c.Set("clientID", "anonymous")
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		matched := false
		for _, key := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				matched = true
			}
		}
		if !matched {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("clientID", clientID(apiKey))
		return next(c)
	}
}

// clientID is a short stable fingerprint of the API key, safe to log and
// to use as a rate-limit bucket key.
func clientID(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:4])
}

// Package server implements the HTTP transport layer for the inference
// gateway: middleware chain, health/metrics endpoints, and (mounted via
// MountInference and MountAdmin) the client-facing dispatch routes and
// JWT-guarded admin surface.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaygate/gateway/internal/auth"
	"github.com/relaygate/gateway/internal/loginprotect"
	"github.com/relaygate/gateway/internal/ratelimit"
	"github.com/relaygate/gateway/internal/storage"
	"github.com/relaygate/gateway/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth         *auth.GatewayKeyAuth
	LoginProtect *loginprotect.Protection
	Store        storage.Store // nil = no admin/whitelist enforcement (for tests)

	RateLimiter *ratelimit.Registry
	// RateLimitsForKey resolves the configured RPS/RPM limits for a gateway
	// key; nil means the key is unlimited. Looked up per-request rather than
	// carried in context so an admin limit change takes effect immediately.
	RateLimitsForKey func(gatewayKeyID string) ratelimit.Limits

	MaxRequestBodyBytes int64 // bounds whitelist-parse and cache-read reads

	Metrics        *telemetry.Metrics // nil = no Prometheus metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	Tracer         trace.Tracer       // nil = no distributed tracing
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
}

// New creates a *server with the global middleware chain and system
// endpoints wired. Client-facing dispatch routes and the admin surface are
// mounted by the caller (via MountInference/MountAdmin) once the
// router/dispatcher components exist.
func New(deps Deps) *server {
	if deps.RateLimitsForKey == nil {
		deps.RateLimitsForKey = func(string) ratelimit.Limits { return ratelimit.Limits{} }
	}
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.clientInfo)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	s.router = r
	return s
}

type server struct {
	deps         Deps
	router       chi.Router
	inference    InferenceDeps
	operatorAuth *auth.OperatorAuth
}

// ServeHTTP makes *server an http.Handler, forwarding to the chi router
// built by New plus whatever Mount/MountInference/MountAdmin attached to it.
func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Mount attaches additional routes (inference dispatch, admin CRUD) to the
// router built by New, under the same global middleware chain.
func (s *server) Mount(pattern string, group func(r chi.Router)) {
	s.router.Route(pattern, group)
}

// AuthGroup returns middleware that enforces gateway-key authentication and
// rate limiting, for mounting client-facing inference routes.
func (s *server) AuthGroup() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return s.authenticate(s.rateLimit(next))
	}
}

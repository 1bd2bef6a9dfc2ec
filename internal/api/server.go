// Package api is the diagnostics HTTP surface of the digest service: a health
// check, an eligibility explanation per callsign and a manual dispatch
// trigger for a single batch. It serves both the local HTTP server and the
// Lambda proxy integration.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"qsldigest/internal/types"
)

// defaultRequestTimeout is the soft deadline put on every request context.
const defaultRequestTimeout = 29 * time.Second

// DigestService is the subset of the run driver the handlers call.
type DigestService interface {
	ExplainEligibility(ctx context.Context, callsign string, now time.Time) (types.Eligibility, error)
	DispatchOneBatch(ctx context.Context, batchID int64) (types.DispatchResult, error)
}

// Server holds the router and handler dependencies.
type Server struct {
	digest   DigestService
	probes   []HealthProbe
	clock    types.Clock
	logger   *slog.Logger
	validate *validator.Validate
	version  string
	timeout  time.Duration
	apiToken types.SecretString

	router *chi.Mux
}

// Option customizes a Server.
type Option func(*Server)

// WithProbes registers health probes.
func WithProbes(probes ...HealthProbe) Option {
	return func(s *Server) { s.probes = append(s.probes, probes...) }
}

// WithClock overrides the clock used for eligibility evaluation.
func WithClock(c types.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithVersion sets the build version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithBearerToken sets the token /v1 callers must present. Without it every
// /v1 request is refused.
func WithBearerToken(token types.SecretString) Option {
	return func(s *Server) { s.apiToken = token }
}

// WithRequestTimeout overrides the per-request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// NewServer builds the router with all routes mounted.
func NewServer(digest DigestService, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		digest:   digest,
		clock:    types.RealClock{},
		logger:   logger,
		validate: validator.New(),
		timeout:  defaultRequestTimeout,
		router:   chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mountRoutes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// mountRoutes registers middleware outermost first, then the routes.
func (s *Server) mountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(contextTimeout(s.timeout))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(securityHeaders...)
	s.router.Use(RequestLogger(s.logger))

	s.router.Get("/health", s.HandleHealth)
	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.RequireBearerToken)
		r.Get("/users/{callsign}/digest-eligibility", s.HandleExplainEligibility)
		r.Post("/digest-batches/{batchID}/dispatch", s.HandleDispatchBatch)
	})

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		JSON(w, r, http.StatusNotFound, problem(r, "not_found_route", "route not found", nil))
	})
}

func contextTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

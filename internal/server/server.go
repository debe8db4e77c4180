// Package server exposes the control surface consumed by the operator
// dashboard: opportunity/outcome views, metrics, venue health, the halt/
// resume admin endpoints, and liveness/config diagnostics.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/solflux/arbiter/internal/config"
	"github.com/solflux/arbiter/pkg/logger"
)

// haltResumer is the risk gate's capability the admin endpoints need,
// isolated behind an interface so this package does not import the
// concrete risk package type.
type haltResumer interface {
	Halt(reason string)
	Resume()
	StateString() string
}

// VenueHealth reports per-venue degradation, backing GET /venues.
type VenueHealth interface {
	Degraded(venue string) bool
}

// RecentRecord is the JSON shape returned by GET /opportunities; the server
// stays decoupled from the sink package's concrete Record type.
type RecentRecord struct {
	Fingerprint string    `json:"fingerprint"`
	Status      string    `json:"status"`
	ErrorCategory string  `json:"error_category,omitempty"`
	EmittedAt   time.Time `json:"emitted_at"`
}

// Config holds everything the HTTP server needs to wire its routes.
type Config struct {
	Port      int
	Log       zerolog.Logger
	Cfg       *config.Config
	Registry  *prometheus.Registry
	Gate      haltResumer
	Venues    map[string]VenueHealth
	Recent    func(n int) []RecentRecord
	DevMode   bool
}

// Server wraps the chi router and the underlying *http.Server.
type Server struct {
	router *chi.Mux
	http   *http.Server
	log    zerolog.Logger
	cfg    Config
}

// New builds a Server with every route registered but not yet listening.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    logger.Stage(cfg.Log, "server.Server"),
		cfg:    cfg,
	}
	s.setupMiddleware()
	s.setupRoutes()
	port := cfg.Port
	if port <= 0 {
		port = 8080
	}
	s.http = &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: s.router,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(10 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/opportunities", s.handleOpportunities)
	s.router.Get("/venues", s.handleVenues)
	s.router.Get("/config", s.handleConfig)
	if s.cfg.Registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{}))
	}
	s.router.Post("/admin/halt", s.handleHalt)
	s.router.Post("/admin/resume", s.handleResume)
}

// Start begins serving; blocks until Shutdown is called or ListenAndServe
// errors.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("starting control surface")
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the server within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

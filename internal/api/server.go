// Package api serves the address check HTTP API.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/municipality-check/internal/boundary"
	"github.com/sells-group/municipality-check/internal/datasets"
	"github.com/sells-group/municipality-check/internal/model"
	"github.com/sells-group/municipality-check/internal/monitoring"
)

// Checker runs and lists address checks. *checker.Service satisfies it.
type Checker interface {
	Check(ctx context.Context, req model.CheckRequest) (*model.CheckResult, error)
	History(ctx context.Context, limit int) ([]model.CheckLog, error)
}

// Refresher downloads boundary datasets. *datasets.Refresher satisfies it.
type Refresher interface {
	Refresh(ctx context.Context, which string) (map[string]datasets.LayerRefresh, error)
}

// Collector builds monitoring snapshots. *monitoring.Collector satisfies it.
type Collector interface {
	Collect(ctx context.Context, lookbackHours int) (*monitoring.Snapshot, error)
}

// LayerStatus reports the loaded boundary layers. *boundary.Set satisfies it.
type LayerStatus interface {
	Stats() []boundary.LayerStats
}

// Deps are the services behind the routes. Refresher, Collector and Layers may be
// nil; their routes then answer 404 or 503.
type Deps struct {
	Checker    Checker
	Refresher  Refresher
	Collector  Collector
	Layers     LayerStatus
	AdminToken string

	// Metrics serves /metrics. Defaults to the default Prometheus registry.
	Metrics http.Handler
}

// Server is the HTTP API.
type Server struct {
	deps       Deps
	validate   *validator.Validate
	httpServer *http.Server
}

// NewServer builds the router and an http.Server listening on addr.
func NewServer(addr string, deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = promhttp.Handler()
	}
	s := &Server{
		deps:     deps,
		validate: newValidator(),
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(requestID)
	r.Use(accessLog)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions, http.MethodHead},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not Found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/check", s.handleCheck)
		r.Get("/history", s.handleHistory)
		r.Get("/stats", s.handleStats)
		r.Get("/datasets", s.handleDatasets)
		r.Post("/admin/refresh-datasets", s.handleRefresh)
	})
	r.Method(http.MethodGet, "/metrics", s.deps.Metrics)

	return r
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	zap.L().Info("http server starting", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the router, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

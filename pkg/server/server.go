package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ambdash/ambdash/internal/metrics"
	"github.com/ambdash/ambdash/internal/store"
	"github.com/ambdash/ambdash/pkg/daily"
	"github.com/ambdash/ambdash/pkg/submission"
	"github.com/ambdash/ambdash/pkg/updater"
)

// Trigger runs an update pass on demand.
type Trigger interface {
	TriggerUpdate(ctx context.Context) ([]updater.BatchResult, error)
}

// LeaderboardOptions tunes the leaderboard endpoints.
type LeaderboardOptions struct {
	MinImpressions int64
	PinLast        string
}

// Deps are the collaborators the HTTP API serves.
type Deps struct {
	Store          store.Store
	Submissions    *submission.Service
	Updaters       []*updater.Updater
	Daily          *daily.Calculator
	Trigger        Trigger
	Metrics        *metrics.Metrics
	Log            *zap.Logger
	Leaderboard    LeaderboardOptions
	Location       *time.Location
	AllowedOrigins []string
}

// Server provides the HTTP API.
type Server struct {
	Deps
	port int
	now  func() time.Time
}

// New creates a new HTTP server.
func New(d Deps, port int) *Server {
	if port == 0 {
		port = 8080
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	if len(d.AllowedOrigins) == 0 {
		d.AllowedOrigins = []string{"*"}
	}
	return &Server{Deps: d, port: port, now: time.Now}
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	if s.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/submissions", s.handleSubmit)
		r.Get("/items", s.handleItems)
		r.Get("/status", s.handleStatus)
		r.Get("/usage", s.handleUsage)

		r.Route("/update", func(r chi.Router) {
			r.Post("/", s.handleUpdate)
			r.Get("/plan", s.handlePlan)
		})

		r.Get("/leaderboard/{board}", s.handleLeaderboard)
		r.Get("/months", s.handleMonths)

		r.Route("/daily", func(r chi.Router) {
			r.Get("/", s.handleDaily)
			r.Post("/compute", s.handleDailyCompute)
			r.Post("/reset", s.handleDailyReset)
		})
	})

	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Log.Info("http server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		s.Log.Info("http server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.Log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

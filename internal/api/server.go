package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/edvin/pipejobs/internal/api/handler"
	mw "github.com/edvin/pipejobs/internal/api/middleware"
	"github.com/edvin/pipejobs/internal/jobs"
)

// Server is the peer API: the network side of the remote executor.
type Server struct {
	router   chi.Router
	logger   zerolog.Logger
	registry *jobs.Registry
}

func NewServer(logger zerolog.Logger, registry *jobs.Registry) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		logger:   logger.With().Str("component", "api").Logger(),
		registry: registry,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)
}

func (s *Server) setupRoutes() {
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Get("/healthz", s.handleHealthz)

	s.router.Route("/api/v1", func(r chi.Router) {
		job := handler.NewJob(s.registry)
		r.Get("/jobs", job.List)
		r.Get("/jobs/{name}", job.Get)
		r.Post("/jobs/{name}", job.Create)
		r.Delete("/jobs/{name}", job.Delete)
		r.Post("/jobs/{name}/start", job.Start)
		r.Post("/jobs/{name}/stop", job.Stop)
		r.Post("/jobs/{name}/pause", job.Pause)
		r.Get("/jobs/{name}/logs", job.Logs)
		r.Post("/jobs/{name}/stdin", job.Stdin)
		r.Get("/jobs/{name}/monitor", job.Monitor)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves the API on addr until ctx is cancelled. Open monitor
// streams are given a few seconds to wind down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("peer API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

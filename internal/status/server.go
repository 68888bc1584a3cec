// Package status serves a read-only HTTP view of a running batch: health,
// the run ledger and prometheus metrics.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/me/cromrunner/internal/ledger"
	"github.com/me/cromrunner/internal/logging"
)

// Version is reported by /health.
var Version = "0.1.0"

// RunReader is the read side of the run ledger.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*ledger.Run, error)
	ListRuns(ctx context.Context, limit int) ([]*ledger.Run, error)
	ListUnits(ctx context.Context, runID string) ([]*ledger.UnitRecord, error)
}

// Server is the status HTTP server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	runs      RunReader
	startTime time.Time
}

// New creates a Server. runs may be nil when the ledger is disabled; the
// run endpoints then answer 503.
func New(runs RunReader, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logging.Component(logger, "status"),
		runs:      runs,
		startTime: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(observeMiddleware(s.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
		r.Get("/{id}/units", s.handleListUnits)
	})
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	return nil
}

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Ledger    string `json:"ledger"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ledgerState := "enabled"
	if s.runs == nil {
		ledgerState = "disabled"
	}
	respondOK(w, RequestIDFromContext(r.Context()), healthResponse{
		Status:    "healthy",
		Version:   Version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Ledger:    ledgerState,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if !s.ledgerAvailable(w, reqID) {
		return
	}
	runs, err := s.runs.ListRuns(r.Context(), 0)
	if err != nil {
		s.internalError(w, reqID, err)
		return
	}
	if runs == nil {
		runs = []*ledger.Run{}
	}
	respondOK(w, reqID, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if !s.ledgerAvailable(w, reqID) {
		return
	}
	id := chi.URLParam(r, "id")
	run, err := s.runs.GetRun(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		respondError(w, reqID, http.StatusNotFound, CodeNotFound, fmt.Sprintf("run '%s' not found", id))
		return
	}
	if err != nil {
		s.internalError(w, reqID, err)
		return
	}
	respondOK(w, reqID, run)
}

func (s *Server) handleListUnits(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if !s.ledgerAvailable(w, reqID) {
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.runs.GetRun(r.Context(), id); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			respondError(w, reqID, http.StatusNotFound, CodeNotFound, fmt.Sprintf("run '%s' not found", id))
			return
		}
		s.internalError(w, reqID, err)
		return
	}
	units, err := s.runs.ListUnits(r.Context(), id)
	if err != nil {
		s.internalError(w, reqID, err)
		return
	}
	if units == nil {
		units = []*ledger.UnitRecord{}
	}
	respondOK(w, reqID, units)
}

func (s *Server) ledgerAvailable(w http.ResponseWriter, reqID string) bool {
	if s.runs != nil {
		return true
	}
	respondError(w, reqID, http.StatusServiceUnavailable, CodeUnavailable, "run ledger is disabled")
	return false
}

func (s *Server) internalError(w http.ResponseWriter, reqID string, err error) {
	s.logger.Error("ledger query failed", "error", err, "request_id", reqID)
	respondError(w, reqID, http.StatusInternalServerError, CodeInternal, "ledger query failed")
}

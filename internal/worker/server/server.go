// Package server exposes the worker HTTP surface: health check, job
// submission, lookup, cancellation, and retry.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gweizero/optimizer/internal/worker/store"
)

// Store is the subset of store.Store the HTTP surface needs.
type Store interface {
	Create(ctx context.Context, source string) *store.Job
	Get(id string) (store.View, error)
	Cancel(ctx context.Context, id string) (store.View, error)
	Retry(ctx context.Context, id string) (*store.Job, error)
}

// Server is the worker's HTTP surface.
type Server struct {
	port  int
	store Store
	srv   *http.Server
}

// New constructs a Server.
func New(port int, st Store) *Server {
	return &Server{port: port, store: st}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(bodySizeLimitMiddleware(5 << 20))

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/analyze", s.handleAnalyze)
		r.Get("/{id}", s.handleGet)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Post("/{id}/retry", s.handleRetry)
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// ListenAndServe starts the server with graceful shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router(),
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[server] worker listening on :%d", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Println("[server] shutting down worker...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type analyzeRequest struct {
	Code string `json:"code"`
}

type analyzeResponse struct {
	JobID  string       `json:"jobId"`
	Status store.Status `json:"status"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	j := s.store.Create(r.Context(), req.Code)
	writeJSON(w, http.StatusAccepted, analyzeResponse{JobID: j.ID, Status: j.View().Status})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := s.store.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := s.store.Cancel(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type retryResponse struct {
	JobID   string       `json:"jobId"`
	Status  store.Status `json:"status"`
	RetryOf string       `json:"retryOf"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := s.store.Retry(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if errors.Is(err, store.ErrNotRetryable) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	view := j.View()
	writeJSON(w, http.StatusAccepted, retryResponse{JobID: view.ID, Status: view.Status, RetryOf: view.RetryOf})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] JSON encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func bodySizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

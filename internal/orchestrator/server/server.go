// Package server exposes the orchestrator HTTP surface: job
// submission, lookup, cancellation, SSE progress streaming, and proof
// payload/mint endpoints.
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
	"github.com/gweizero/optimizer/internal/orchestrator/job"
	"github.com/gweizero/optimizer/internal/orchestrator/proof"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ProofService builds and mints proof payloads by job id for the HTTP
// surface; ProofServiceImpl adapts proof.Builder to it.
type ProofService interface {
	BuildPayloadForJob(id string, contractAddress, contractName string) (proof.Payload, error)
	Mint(ctx context.Context, payload proof.Payload) (proof.MintResult, error)
}

// StatsProvider exposes the analysis-throughput report.
type StatsProvider interface {
	Snapshot() interface{}
}

// Server is the orchestrator's HTTP surface.
type Server struct {
	port     int
	registry *job.Registry
	proofSvc ProofService
	stats    StatsProvider
	srv      *http.Server
}

// New constructs a Server.
func New(port int, registry *job.Registry, proofSvc ProofService, stats StatsProvider) *Server {
	return &Server{port: port, registry: registry, proofSvc: proofSvc, stats: stats}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(bodySizeLimitMiddleware(5 << 20))

	r.Route("/api/analyze", func(r chi.Router) {
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)
		r.Get("/jobs/{id}/events", s.handleEvents)
		r.Post("/jobs/{id}/proof-payload", s.handleProofPayload)
		r.Post("/jobs/{id}/mint-proof", s.handleMintProof)
		if s.stats != nil {
			r.Get("/stats", s.handleStats)
		}
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
		log.Printf("[server] orchestrator listening on :%d", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Println("[server] shutting down orchestrator...")
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

type createJobRequest struct {
	Code string `json:"code"`
}

type createJobResponse struct {
	JobID  string    `json:"jobId"`
	Status job.Phase `json:"status"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	result := s.registry.CreateOrReuseJob(r.Context(), req.Code)
	writeJSON(w, http.StatusAccepted, createJobResponse{JobID: result.Job.ID, Status: result.Job.View().Phase})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := s.registry.GetJob(id)
	if errors.Is(err, job.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := s.registry.CancelJob(id)
	if errors.Is(err, job.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// progressSSEPayload and doneSSEPayload are the two SSE event shapes.
type progressSSEPayload struct {
	Phase     job.Phase `json:"phase"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type doneSSEPayload struct {
	Status job.Phase `json:"status"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub, err := s.registry.Subscribe(id)
	if errors.Is(err, job.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	defer s.registry.Unsubscribe(id, sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			sendSSE(w, flusher, "progress", progressSSEPayload{Phase: ev.Phase, Message: ev.Message, Timestamp: ev.Timestamp})
			if isTerminal(ev.Phase) {
				sendSSE(w, flusher, "done", doneSSEPayload{Status: ev.Phase})
				return
			}
		}
	}
}

func isTerminal(p job.Phase) bool {
	switch p {
	case job.PhaseCompleted, job.PhaseFailed, job.PhaseCancelled:
		return true
	default:
		return false
	}
}

func sendSSE(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Printf("[server] SSE marshal error: %v", err)
		return
	}
	_, _ = w.Write([]byte("event: " + event + "\ndata: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
	flusher.Flush()
}

type proofPayloadRequest struct {
	ContractAddress string `json:"contractAddress"`
	ContractName    string `json:"contractName"`
}

func (s *Server) handleProofPayload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req proofPayloadRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	payload, err := s.proofSvc.BuildPayloadForJob(id, req.ContractAddress, req.ContractName)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

type mintProofResponse struct {
	Minted  bool           `json:"minted"`
	Payload proof.Payload  `json:"payload"`
	Receipt proof.MintResult `json:"receipt"`
}

func (s *Server) handleMintProof(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	payload, err := s.proofSvc.BuildPayloadForJob(id, "", "")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := s.proofSvc.Mint(r.Context(), payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, mintProofResponse{Minted: true, Payload: payload, Receipt: receipt})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
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

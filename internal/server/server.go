package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/config"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/models"
)

// LedgerReader exposes the live run counters
type LedgerReader interface {
	Snapshot() models.LedgerSnapshot
}

// RunStatusReader looks up a persisted run status
type RunStatusReader interface {
	GetRunStatus(ctx context.Context, runID string) (*models.RunStatus, error)
}

// Server handles HTTP requests
type Server struct {
	config   config.ServerConfig
	ledger   LedgerReader
	runs     RunStatusReader
	runID    string
	gatherer prometheus.Gatherer
	server   *http.Server
}

// NewServer creates a new HTTP server for one run
func NewServer(cfg config.ServerConfig, ledger LedgerReader, runs RunStatusReader, runID string, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		config:   cfg,
		ledger:   ledger,
		runs:     runs,
		runID:    runID,
		gatherer: gatherer,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus returns the live ledger and the persisted run status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status, err := s.runs.GetRunStatus(r.Context(), s.runID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to retrieve status: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"run_id": s.runID,
		"run":    status,
		"ledger": s.ledger.Snapshot(),
	})
}

// Package api exposes a read-only HTTP surface over the guardian: current
// status, snapshot inventory, restart history, health probes and metrics.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psantana5/memguard/pkg/config"
	"github.com/psantana5/memguard/pkg/guardian"
	"github.com/psantana5/memguard/pkg/journal"
	"github.com/psantana5/memguard/pkg/logging"
	"github.com/psantana5/memguard/pkg/state"
)

// Server serves guardian status over HTTP
type Server struct {
	guardian *guardian.Guardian
	stateMgr *state.Manager
	journal  *journal.Journal
	registry *prometheus.Registry
	logger   *logging.Logger

	httpServer *http.Server
}

// New creates a status server. journal and registry may be nil, in which
// case the corresponding endpoints return 404.
func New(cfg config.API, g *guardian.Guardian, stateMgr *state.Manager, j *journal.Journal, registry *prometheus.Registry, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}

	s := &Server{
		guardian: g,
		stateMgr: stateMgr,
		journal:  j,
		registry: registry,
		logger:   logger,
	}

	r := mux.NewRouter()
	s.registerRoutes(r)

	var handler http.Handler = r
	if cfg.AuthToken != "" {
		handler = bearerAuth(cfg.AuthToken, handler)
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Listen,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(r *mux.Router) {
	r.HandleFunc("/status", s.GetStatus).Methods("GET")
	r.HandleFunc("/snapshots", s.ListSnapshots).Methods("GET")
	r.HandleFunc("/restarts", s.ListRestarts).Methods("GET")

	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")
	}

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("guardian", func() error { return nil })
	health.AddReadinessCheck("not-degraded", func() error {
		if s.guardian != nil && s.guardian.GetStatus().Degraded {
			return fmt.Errorf("guardian is degraded")
		}
		return nil
	})
	r.HandleFunc("/live", health.LiveEndpoint).Methods("GET")
	r.HandleFunc("/ready", health.ReadyEndpoint).Methods("GET")
}

// Handler returns the configured HTTP handler, used in tests
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving in a background goroutine
func (s *Server) Start() {
	go func() {
		s.logger.Info("Status API listening", map[string]interface{}{"addr": s.httpServer.Addr})
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Status API failed", map[string]interface{}{"error": err.Error()})
		}
	}()
}

// Stop shuts the server down gracefully
func (s *Server) Stop() error {
	return s.httpServer.Close()
}

// GetStatus reports the guardian's current classification, process and
// restart state, plus state manager statistics when available.
func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	if s.guardian == nil {
		http.Error(w, "guardian not running", http.StatusServiceUnavailable)
		return
	}

	resp := map[string]interface{}{
		"guardian": s.guardian.GetStatus(),
	}
	if s.stateMgr != nil {
		resp["state"] = s.stateMgr.GetStats()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ListSnapshots returns the archived snapshot inventory
func (s *Server) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	if s.stateMgr == nil {
		http.Error(w, "state persistence disabled", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"snapshots": s.stateMgr.ListSnapshots(),
	})
}

// ListRestarts returns recent restart events from the journal
func (s *Server) ListRestarts(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "restart journal disabled", http.StatusNotFound)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := s.journal.Recent(limit)
	if err != nil {
		s.logger.Error("Failed to query restart journal", map[string]interface{}{"error": err.Error()})
		http.Error(w, "failed to query restart journal", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []guardian.RestartEvent{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"restarts": events,
	})
}

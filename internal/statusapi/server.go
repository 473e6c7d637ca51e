// Package statusapi serves the sync daemon's ops listener: health, a JSON
// status snapshot, and the Prometheus scrape endpoint.
package statusapi

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relayworks/spacesync/internal/deltafeed"
)

// StatusProvider yields the current sync status. *deltafeed.Runner
// satisfies it.
type StatusProvider interface {
	Snapshot() deltafeed.Status
}

type ServerConfig struct {
	// Version is reported on /v1/status; defaults to "dev".
	Version string
}

type Server struct {
	provider StatusProvider
	cfg      ServerConfig
	metrics  http.Handler
}

func NewServer(provider StatusProvider) *Server {
	return NewServerWithConfig(provider, ServerConfig{})
}

func NewServerWithConfig(provider StatusProvider, cfg ServerConfig) *Server {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &Server{
		provider: provider,
		cfg:      cfg,
		metrics:  promhttp.Handler(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/status" && r.Method == http.MethodGet {
		s.handleStatus(w, r)
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.provider == nil {
		writeError(w, http.StatusServiceUnavailable, "not_ready", "sync runner not started", getCorrelationID(r))
		return
	}
	status := s.provider.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"version": s.cfg.Version,
		"sync":    status,
	})
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

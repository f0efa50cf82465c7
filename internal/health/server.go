// Package health serves the operational HTTP endpoints: health, Prometheus
// metrics and debug views of peers and outstanding requests.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gamegenie/genie-bridge/internal/connection"
	"github.com/gamegenie/genie-bridge/internal/correlator"
)

// ConnectionStats reports peer connection state.
type ConnectionStats interface {
	Stats() connection.Stats
}

// PeerLister lists attached websocket peers.
type PeerLister interface {
	Peers() []connection.PeerInfo
}

// Requests reports outstanding correlated requests.
type Requests interface {
	Outstanding() []correlator.PendingInfo
	Stats() correlator.Stats
}

// Pinger checks a dependency, e.g. the audit database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the endpoints report on. Nil fields are omitted.
type Deps struct {
	Connection ConnectionStats
	Peers      PeerLister
	Requests   Requests
	Database   Pinger
	Gatherer   prometheus.Gatherer
}

// Config configures the server.
type Config struct {
	Addr        string
	MetricsPath string
}

// Server is the health and metrics HTTP server.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	srv    *http.Server
}

// NewServer creates a Server.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "health"),
	}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/debug/peers", s.handlePeers).Methods(http.MethodGet)
	r.HandleFunc("/debug/requests", s.handleRequests).Methods(http.MethodGet)
	if s.deps.Gatherer != nil {
		r.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting health server", "addr", s.cfg.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

type healthReport struct {
	Status     string         `json:"status"`
	Components map[string]any `json:"components"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := healthReport{
		Status:     "healthy",
		Components: make(map[string]any),
	}

	// A missing peer is expected while the editor is closed.
	if s.deps.Connection != nil {
		stats := s.deps.Connection.Stats()
		health.Components["peer"] = stats
		if !stats.Connected {
			health.Status = "degraded"
		}
	}

	if s.deps.Requests != nil {
		stats := s.deps.Requests.Stats()
		health.Components["requests"] = map[string]any{
			"pending": stats.Pending,
			"held":    stats.Held,
		}
	}

	if s.deps.Database != nil {
		if err := s.deps.Database.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["database"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["database"] = "connected"
		}
	}

	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, health)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Peers == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "peer listing is only available for the websocket transport"})
		return
	}

	peers := s.deps.Peers.Peers()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count": len(peers),
		"peers": peers,
	})
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	if s.deps.Requests == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "request tracking unavailable"})
		return
	}

	outstanding := s.deps.Requests.Outstanding()

	// Limit to first 100 for debugging
	limit := 100
	showing := outstanding
	if len(showing) > limit {
		showing = showing[:limit]
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(outstanding),
		"showing":  len(showing),
		"requests": showing,
		"stats":    s.deps.Requests.Stats(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

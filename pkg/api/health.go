package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/cuemby/tunnel-agent/pkg/log"
	"github.com/cuemby/tunnel-agent/pkg/metrics"
	"github.com/cuemby/tunnel-agent/pkg/reconciler"
)

const shutdownTimeout = 5 * time.Second

// StatusSource exposes the tunnel state for the /status endpoint
type StatusSource interface {
	Snapshot() reconciler.Status
}

// HealthServer provides the HTTP health, readiness, status and metrics endpoints
type HealthServer struct {
	router chi.Router
	status func() StatusSource
	logger zerolog.Logger
}

// TunnelStatus is the /status response. The tunnel token is never exposed.
type TunnelStatus struct {
	AgentID      string `json:"agent_id,omitempty"`
	TunnelName   string `json:"tunnel_name,omitempty"`
	TunnelID     string `json:"tunnel_id,omitempty"`
	DesiredState string `json:"desired_state"`
	HasToken     bool   `json:"has_token"`
	WorkloadID   string `json:"workload_id,omitempty"`
	Workload     string `json:"workload_status,omitempty"`
	Version      string `json:"version,omitempty"`
}

// NewHealthServer creates the health server. status may return nil until the
// agent has built its reconciler; agentID may be nil.
func NewHealthServer(status func() StatusSource, agentID func() string) *HealthServer {
	hs := &HealthServer{
		router: chi.NewRouter(),
		status: status,
		logger: log.WithComponent("api"),
	}

	hs.router.Use(middleware.Recoverer)

	hs.router.Get("/health", metrics.HealthHandler())
	hs.router.Get("/ready", metrics.ReadyHandler())
	hs.router.Get("/live", metrics.LivenessHandler())
	hs.router.Get("/status", hs.statusHandler(agentID))
	hs.router.Method(http.MethodGet, "/metrics", metrics.Handler())

	return hs
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
func (hs *HealthServer) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		hs.logger.Info().Str("addr", addr).Msg("Health server listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("health server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// Handler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) Handler() http.Handler {
	return hs.router
}

func (hs *HealthServer) statusHandler(agentID func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var src StatusSource
		if hs.status != nil {
			src = hs.status()
		}
		if src == nil {
			http.Error(w, "agent not started", http.StatusServiceUnavailable)
			return
		}

		snap := src.Snapshot()
		resp := TunnelStatus{
			TunnelName:   snap.Desired.TunnelName,
			TunnelID:     snap.Desired.TunnelID,
			DesiredState: string(snap.Desired.DesiredRunState),
			HasToken:     snap.Desired.Token != "",
			Version:      snap.Version,
		}
		if agentID != nil {
			resp.AgentID = agentID()
		}
		if snap.Observed != nil {
			resp.WorkloadID = snap.Observed.ID
			resp.Workload = snap.Observed.Status
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

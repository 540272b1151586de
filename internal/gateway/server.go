// Package gateway serves the operational HTTP endpoints of a running gateway:
// health, status and Prometheus metrics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nextlevelbuilder/larkclaw/internal/bus"
	"github.com/nextlevelbuilder/larkclaw/internal/metrics"
	"github.com/nextlevelbuilder/larkclaw/pkg/protocol"
)

const subscriberID = "gateway-ops"

// StatusSource reports channel and run state. Implemented by channels.Manager.
type StatusSource interface {
	GetStatus() map[string]interface{}
	ActiveRuns() int
}

// Server exposes /health, /status and /metrics.
type Server struct {
	addr     string
	version  string
	status   StatusSource
	eventPub bus.EventPublisher
	started  time.Time

	mu         sync.RWMutex
	lastReload time.Time
	reloads    int

	mux        *http.ServeMux
	httpServer *http.Server
}

// NewServer creates an ops server listening on addr. eventPub may be nil.
func NewServer(addr, version string, status StatusSource, eventPub bus.EventPublisher) *Server {
	s := &Server{
		addr:     addr,
		version:  version,
		status:   status,
		eventPub: eventPub,
		started:  time.Now(),
	}
	if eventPub != nil {
		eventPub.Subscribe(subscriberID, s.handleEvent)
	}
	return s
}

func (s *Server) handleEvent(e bus.Event) {
	if e.Name != protocol.EventConfigReloaded {
		return
	}
	s.mu.Lock()
	s.lastReload = time.Now()
	s.reloads++
	s.mu.Unlock()
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", metrics.Handler())
	s.mux = mux
	return mux
}

// Start listens on the configured address and blocks until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway ops server: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the server on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("gateway ops server listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		if s.eventPub != nil {
			s.eventPub.Unsubscribe(subscriberID)
		}
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway ops server: %w", err)
	}
	return nil
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

type statusResponse struct {
	Version    string                 `json:"version"`
	Protocol   int                    `json:"protocol"`
	Uptime     string                 `json:"uptime"`
	ActiveRuns int                    `json:"active_runs"`
	Channels   map[string]interface{} `json:"channels"`
	Reloads    int                    `json:"config_reloads"`
	LastReload *time.Time             `json:"last_reload,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := statusResponse{
		Version:  s.version,
		Protocol: protocol.ProtocolVersion,
		Uptime:   time.Since(s.started).Round(time.Second).String(),
	}
	if s.status != nil {
		resp.ActiveRuns = s.status.ActiveRuns()
		resp.Channels = s.status.GetStatus()
	}
	s.mu.RLock()
	resp.Reloads = s.reloads
	if !s.lastReload.IsZero() {
		t := s.lastReload
		resp.LastReload = &t
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Debug("gateway: encode status", "error", err)
	}
}

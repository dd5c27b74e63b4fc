package server

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/INLOpen/nexusdoc/config"
	"github.com/INLOpen/nexusdoc/engine"
	"github.com/arl/statsviz"
)

// StatusSource is the part of the engine the /status endpoint reports on.
type StatusSource interface {
	Collections() []string
	Degraded() error
	Replicas() []engine.ReplicaInfo
	DataDir() string
}

var _ StatusSource = (*engine.Engine)(nil)

// Status is the body served on /status.
type Status struct {
	DataDir     string   `json:"data_dir"`
	Collections []string `json:"collections"`
	Degraded    string   `json:"degraded,omitempty"`
	Replicas    []string `json:"replicas"`
}

// DebugServer serves metrics, profiling and engine status over HTTP.
type DebugServer struct {
	server  *http.Server
	logger  *slog.Logger
	started bool
	mu      sync.Mutex
}

// NewDebugServer creates and configures the HTTP server. src may be nil,
// in which case /status is not registered.
func NewDebugServer(cfg *config.DebugConfig, src StatusSource, logger *slog.Logger) *DebugServer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "DebugServer")
	mux := http.NewServeMux()

	if cfg.PProfEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		logger.Info("pprof profiling endpoints enabled on /debug/pprof")
	}
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", expvar.Handler())
		logger.Info("expvar metrics endpoint enabled on /metrics")
	}
	if cfg.MonitorUIEnabled {
		if err := statsviz.Register(mux,
			statsviz.Root("/viz"),
			statsviz.SendFrequency(250*time.Millisecond),
		); err != nil {
			logger.Warn("Failed to register runtime monitor UI", "error", err)
		} else {
			logger.Info("Runtime monitor UI available at /viz")
		}
	}
	if src != nil {
		mux.Handle("/status", statusHandler(src))
	}

	addr := cfg.ListenAddress
	if addr == "" {
		addr = "127.0.0.1:6060"
	}
	return &DebugServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

func statusHandler(src StatusSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := Status{
			DataDir:     src.DataDir(),
			Collections: src.Collections(),
			Replicas:    []string{},
		}
		for _, rep := range src.Replicas() {
			st.Replicas = append(st.Replicas, rep.Addr)
		}
		code := http.StatusOK
		if err := src.Degraded(); err != nil {
			st.Degraded = err.Error()
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(st)
	})
}

// Handler exposes the mux, mainly for tests.
func (s *DebugServer) Handler() http.Handler { return s.server.Handler }

// Start listens and serves. It blocks until Stop is called.
func (s *DebugServer) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.logger.Info("Debug server listening", "address", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("Debug server failed", "error", err)
		return fmt.Errorf("debug server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *DebugServer) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.logger.Info("Stopping debug server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Debug server shutdown failed", "error", err)
	}
}

// Package server exposes engine sessions over HTTP and WebSocket, plus
// Prometheus metrics and a gRPC health service per character index.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/becomeliminal/nim-memory/conversation"
	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/memory"
)

// Config configures the listeners.
type Config struct {
	HTTPAddr string
	GRPCAddr string

	// HealthInterval is how often index states are pushed to the health service.
	HealthInterval time.Duration

	Session conversation.SessionConfig
	Reply   core.GenerateOptions

	Logger *zerolog.Logger
}

// DefaultConfig returns the default listener configuration.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:       ":8080",
		GRPCAddr:       ":9090",
		HealthInterval: 5 * time.Second,
		Session:        conversation.DefaultSessionConfig(),
	}
}

// Server serves one engine per WebSocket connection over a shared manager.
type Server struct {
	cfg      Config
	memory   *memory.Manager
	gen      core.Generator
	log      zerolog.Logger
	upgrader websocket.Upgrader
	health   *health.Server
}

// New creates a server. mgr and gen may be nil.
func New(mgr *memory.Manager, gen core.Generator, cfg Config) *Server {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultConfig().HealthInterval
	}
	s := &Server{
		cfg:    cfg,
		memory: mgr,
		gen:    gen,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		health: health.NewServer(),
	}
	if cfg.Logger != nil {
		s.log = cfg.Logger.With().Str("component", "server").Logger()
	} else {
		s.log = log.With().Str("component", "server").Logger()
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/search", s.handleSearch)
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Health returns the gRPC health service.
func (s *Server) Health() *health.Server { return s.health }

// Run serves HTTP and gRPC until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, s.health)

	errCh := make(chan error, 2)
	go func() {
		s.log.Info().Str("addr", s.cfg.HTTPAddr).Msg("http listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if s.cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			httpSrv.Close()
			return err
		}
		go func() {
			s.log.Info().Str("addr", s.cfg.GRPCAddr).Msg("grpc listening")
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- err
			}
		}()
	}
	go s.syncHealthLoop(ctx)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.health.Shutdown()
	grpcSrv.GracefulStop()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "memory not configured"})
		return
	}
	id := r.URL.Query().Get("character")
	if id == "" {
		writeJSON(w, http.StatusOK, s.memory.All())
		return
	}
	writeJSON(w, http.StatusOK, s.memory.Stats(id))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "memory not configured"})
		return
	}
	q := r.URL.Query()
	id := q.Get("character")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "character is required"})
		return
	}
	k, _ := strconv.Atoi(q.Get("k"))
	results := s.memory.Search(r.Context(), id, q.Get("q"), k)
	if results == nil {
		results = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"character": id, "results": results})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Package gateway exposes agent turns and read-only session history over HTTP.
//
// Turns can be run synchronously (POST /v1/turns), streamed as NDJSON
// (POST /v1/turns/stream) or streamed over a WebSocket (GET /v1/turns/ws).
// Every turn runs on a context detached from the request, so a client that
// disconnects never cuts a turn short; its remaining stream events are
// dropped.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/haasonsaas/coachd/internal/agent"
	"github.com/haasonsaas/coachd/internal/auth"
	"github.com/haasonsaas/coachd/internal/observability"
	"github.com/haasonsaas/coachd/internal/sessions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TurnRunner runs agent turns. *agent.Orchestrator implements it.
type TurnRunner interface {
	RunTurn(ctx context.Context, req agent.TurnRequest, sink agent.EventSink) (*agent.TurnResult, error)
}

// Config configures the HTTP server.
type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	// MaxBodyBytes caps request bodies and WebSocket frames. Default: 64KiB
	MaxBodyBytes int64

	// StreamBuffer is the per-turn stream event buffer. Default: 64
	StreamBuffer int
}

// Deps are the collaborators of the server.
type Deps struct {
	Runner   TurnRunner
	Store    sessions.Store
	Auth     *auth.Service
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server serves the coachd HTTP API.
type Server struct {
	config   Config
	runner   TurnRunner
	store    sessions.Store
	auth     *auth.Service
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// turns tracks running turns, including ones whose client left.
	turns sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
}

// New creates a server.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Runner == nil {
		return nil, errors.New("gateway requires a turn runner")
	}
	if deps.Store == nil {
		return nil, errors.New("gateway requires a session store")
	}
	if err := initSchemas(); err != nil {
		return nil, fmt.Errorf("failed to compile request schemas: %w", err)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 * 1024
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 64
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if deps.Auth == nil {
		deps.Auth = auth.NewService(auth.Config{})
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tracer == nil {
		deps.Tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}

	return &Server{
		config:   cfg,
		runner:   deps.Runner,
		store:    deps.Store,
		auth:     deps.Auth,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		gatherer: deps.Gatherer,
		logger:   deps.Logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}, nil
}

// Handler returns the routed API with middleware applied.
func (s *Server) Handler() http.Handler {
	authn := auth.Middleware(s.auth, s.logger)
	mux := http.NewServeMux()
	s.route(mux, "POST /v1/turns", authn(http.HandlerFunc(s.handleTurn)))
	s.route(mux, "POST /v1/turns/stream", authn(http.HandlerFunc(s.handleTurnStream)))
	s.route(mux, "GET /v1/turns/ws", authn(http.HandlerFunc(s.handleTurnWS)))
	s.route(mux, "GET /v1/sessions", authn(http.HandlerFunc(s.handleListSessions)))
	s.route(mux, "GET /v1/sessions/{id}", authn(http.HandlerFunc(s.handleGetSession)))
	s.route(mux, "GET /v1/sessions/{id}/events", authn(http.HandlerFunc(s.handleSessionEvents)))
	s.route(mux, "GET /healthz", http.HandlerFunc(handleHealthz))
	s.route(mux, "GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return s.requestID(s.recoverPanics(mux))
}

func (s *Server) route(mux *http.ServeMux, pattern string, h http.Handler) {
	mux.Handle(pattern, s.instrument(pattern, h))
}

// ListenAndServe serves until ctx is done, then shuts down gracefully and
// waits for running turns up to the shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server", "addr", listener.Addr().String())
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	if err := s.WaitTurns(shutdownCtx); err != nil {
		s.logger.Warn("turns still running at shutdown", "error", err)
	}
	<-errCh
	return nil
}

// Addr returns the bound address once serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// WaitTurns blocks until every started turn has finished or ctx is done.
func (s *Server) WaitTurns(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

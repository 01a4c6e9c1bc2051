// Package gateway is the HTTP surface of AutoSage: tool discovery and
// execution, job polling, sessions with streamed chat, and admin routes.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/autosage/internal/auth"
	"github.com/haasonsaas/autosage/internal/dispatch"
	"github.com/haasonsaas/autosage/internal/observability"
	"github.com/haasonsaas/autosage/internal/orchestrator"
	"github.com/haasonsaas/autosage/internal/ratelimit"
	"github.com/haasonsaas/autosage/internal/sessions"
)

// Config holds the HTTP settings of the server.
type Config struct {
	Addr              string
	MaxBodyBytes      int64
	MaxUploadBytes    int64
	InlineWait        time.Duration
	ReadHeaderTimeout time.Duration
	Version           string
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8080"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 10 << 20
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 50 << 20
	}
	if c.InlineWait <= 0 {
		c.InlineWait = 250 * time.Millisecond
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 10 * time.Second
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	return c
}

// Server routes HTTP requests to the dispatcher and orchestrator.
type Server struct {
	config       Config
	dispatcher   *dispatch.Dispatcher
	sessions     *sessions.Store
	orchestrator *orchestrator.Orchestrator

	limiter  *ratelimit.Limiter
	jwt      *auth.JWTService
	logger   *observability.Logger
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	tracer   *observability.Tracer
	upgrader websocket.Upgrader

	handlerOnce sync.Once
	handler     http.Handler

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// Option configures optional collaborators.
type Option func(*Server)

// WithLogger sets the logger. Its ring buffer backs /v1/admin/logs.
func WithLogger(l *observability.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records HTTP metrics and serves gatherer at /metrics.
func WithMetrics(m *observability.Metrics, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = gatherer
	}
}

// WithTracer wraps every request in a server span.
func WithTracer(t *observability.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// WithRateLimiter applies per-client limits to /v1 routes.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithAdminAuth protects admin routes with bearer tokens.
func WithAdminAuth(j *auth.JWTService) Option {
	return func(s *Server) { s.jwt = j }
}

// New creates a server.
func New(cfg Config, d *dispatch.Dispatcher, orch *orchestrator.Orchestrator, opts ...Option) *Server {
	s := &Server{
		config:       cfg.withDefaults(),
		dispatcher:   d,
		orchestrator: orch,
		logger:       observability.NopLogger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
	if orch != nil {
		s.sessions = orch.Sessions()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	s.handlerOnce.Do(func() {
		s.handler = s.buildHandler()
	})
	return s.handler
}

func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /openapi.json", s.handleOpenAPI)

	mux.HandleFunc("GET /v1/tools", s.handleListTools)
	mux.HandleFunc("POST /v1/tools/execute", s.handleExecute)

	mux.HandleFunc("POST /v1/jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /v1/jobs/{id}/artifacts", s.handleListArtifacts)
	mux.HandleFunc("GET /v1/jobs/{id}/artifacts/{name...}", s.handleGetArtifact)

	mux.HandleFunc("POST /v1/responses", s.handleResponses)

	if s.orchestrator != nil {
		mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
		mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
		mux.HandleFunc("GET /v1/sessions/{id}/assets/{path...}", s.handleSessionAsset)
		mux.HandleFunc("POST /v1/sessions/{id}/chat", s.handleChat)
		mux.HandleFunc("GET /v1/sessions/{id}/ws", s.handleChatWebsocket)
	}

	admin := auth.RequireScope(s.jwt, auth.ScopeAdmin, s.logger.Slog(), s.denyAdmin)
	mux.Handle("POST /v1/admin/clear-jobs", admin(http.HandlerFunc(s.handleClearJobs)))
	mux.Handle("POST /v1/admin/clear-sessions", admin(http.HandlerFunc(s.handleClearSessions)))
	mux.Handle("GET /v1/admin/logs", admin(http.HandlerFunc(s.handleAdminLogs)))

	mux.HandleFunc("/", s.handleNotFound)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.rateLimit(h)
	}
	h = s.accessLog(h)
	h = s.requestID(h)
	h = s.recoverer(h)
	return h
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	s.mu.Lock()
	s.httpServer = server
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "http server error", "error", err)
		}
	}()
	s.logger.Info(ctx, "starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for handlers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Package gateway exposes the turn runtime over HTTP. Turns stream as NDJSON
// response chunks, and a websocket endpoint carries the same chunks as frames.
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

	"github.com/haasonsaas/chatline/internal/agent"
	"github.com/haasonsaas/chatline/internal/cron"
	"github.com/haasonsaas/chatline/internal/observability"
	"github.com/haasonsaas/chatline/internal/sessions"
	"github.com/haasonsaas/chatline/pkg/models"
)

// Runner runs and resumes turns. *agent.Runtime implements it.
type Runner interface {
	Run(ctx context.Context, conversationID string, msg *models.Message) (<-chan *agent.ResponseChunk, error)
	Confirm(ctx context.Context, conversationID, toolCallID string, approved bool, decidedBy string) error
}

// TaskService lists and cancels a conversation's scheduled tasks and reports
// their fires. *tasks.Bridge implements it.
type TaskService interface {
	List(ctx context.Context, conversationID string) ([]*models.ScheduledTask, error)
	Cancel(ctx context.Context, conversationID, taskID string) error
	Executions(ctx context.Context, conversationID, taskID string, limit int) ([]*cron.TaskExecution, error)
}

// Config configures the HTTP listener.
type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration

	// AllowedOrigins lists origins accepted for websocket upgrades. Empty
	// accepts requests without an Origin header or from the same host.
	AllowedOrigins []string

	// MetricsPath and MetricsHandler mount a Prometheus endpoint. A nil
	// handler leaves it unmounted.
	MetricsPath    string
	MetricsHandler http.Handler
}

// Server is the chatline HTTP gateway.
type Server struct {
	config  Config
	runner  Runner
	store   sessions.Store
	tasks   TaskService
	logger  *slog.Logger
	metrics *observability.Metrics

	upgrader websocket.Upgrader

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records request counts and latencies.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Server) {
		s.metrics = metrics
	}
}

// New creates a gateway. tasks may be nil, in which case the task routes
// answer 503.
func New(config Config, runner Runner, store sessions.Store, tasks TaskService, opts ...Option) (*Server, error) {
	if runner == nil {
		return nil, errors.New("gateway: runner is required")
	}
	if store == nil {
		return nil, errors.New("gateway: store is required")
	}
	s := &Server{
		config: config,
		runner: runner,
		store:  store,
		tasks:  tasks,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "gateway")
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

// Handler returns the routed handler with request middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.config.MetricsHandler != nil {
		path := s.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, s.config.MetricsHandler)
	}

	mux.HandleFunc("POST /v1/conversations", s.handleCreateConversation)
	mux.HandleFunc("GET /v1/conversations", s.handleListConversations)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("POST /v1/conversations/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("GET /v1/conversations/{id}/messages", s.handleHistory)
	mux.HandleFunc("POST /v1/conversations/{id}/confirmations", s.handleConfirm)
	mux.HandleFunc("GET /v1/conversations/{id}/tasks", s.handleListTasks)
	mux.HandleFunc("DELETE /v1/conversations/{id}/tasks/{taskID}", s.handleCancelTask)
	mux.HandleFunc("GET /v1/conversations/{id}/tasks/{taskID}/executions", s.handleTaskExecutions)
	mux.HandleFunc("GET /v1/conversations/{id}/ws", s.handleWebsocket)

	return s.withRequestContext(mux)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("gateway: already started")
	}

	readHeaderTimeout := s.config.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 5 * time.Second
	}
	server := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}

	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpServer = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
		return err
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

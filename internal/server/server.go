// Package server exposes the orchestration HTTP and websocket API: task
// execution and streaming, tool-definition CRUD, engagement sessions with
// their event stream, the agent chat and autonomous controls, schedules,
// and the administrative surfaces (login, users, clients, settings,
// playbooks).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jsarkisian/PTBudgetBuster/internal/agent"
	"github.com/jsarkisian/PTBudgetBuster/internal/auth"
	"github.com/jsarkisian/PTBudgetBuster/internal/clients"
	"github.com/jsarkisian/PTBudgetBuster/internal/events"
	"github.com/jsarkisian/PTBudgetBuster/internal/executor"
	"github.com/jsarkisian/PTBudgetBuster/internal/observability"
	"github.com/jsarkisian/PTBudgetBuster/internal/playbooks"
	"github.com/jsarkisian/PTBudgetBuster/internal/scheduler"
	"github.com/jsarkisian/PTBudgetBuster/internal/sessions"
	"github.com/jsarkisian/PTBudgetBuster/internal/settings"
	"github.com/jsarkisian/PTBudgetBuster/internal/tasks"
	"github.com/jsarkisian/PTBudgetBuster/internal/tooldefs"
	"github.com/jsarkisian/PTBudgetBuster/internal/users"
)

// DefaultSyncTimeout bounds how long /execute/sync blocks waiting for the
// task to reach a terminal state.
const DefaultSyncTimeout = 300 * time.Second

// Config wires the server's collaborators. Sessions, Tasks, Executor,
// Tools, and Bus are required; surfaces whose collaborator is nil answer
// 503 instead of panicking.
type Config struct {
	Host string
	Port int

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	Auth      *auth.Service
	Users     *users.Manager
	Clients   *clients.Manager
	Sessions  *sessions.Store
	Tasks     *tasks.Registry
	Executor  *executor.Executor
	Tools     *tooldefs.Registry
	Bus       *events.Bus
	Driver    *agent.Driver
	Scheduler *scheduler.Scheduler
	Playbooks *playbooks.Catalog
	Settings  *settings.Store

	// SyncTimeout overrides the /execute/sync wait bound.
	SyncTimeout time.Duration

	// PollInterval is the task-completion poll cadence. Tests shrink it.
	PollInterval time.Duration

	// AutoMaxSteps is the step budget applied to autonomous runs started
	// without an explicit max_steps.
	AutoMaxSteps int
}

// Server is the HTTP front of the orchestrator.
type Server struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	auth      *auth.Service
	users     *users.Manager
	clients   *clients.Manager
	sessions  *sessions.Store
	tasks     *tasks.Registry
	executor  *executor.Executor
	tools     *tooldefs.Registry
	bus       *events.Bus
	driver    *agent.Driver
	scheduler *scheduler.Scheduler
	playbooks *playbooks.Catalog
	settings  *settings.Store

	syncTimeout  time.Duration
	taskPoll     time.Duration
	autoMaxSteps int

	addr     string
	mux      *http.ServeMux
	handler  http.Handler
	upgrader websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener

	// runCtx outlives individual requests; autonomous loops and async
	// execute pipelines run on it and stop at Shutdown.
	runCtx    context.Context
	runCancel context.CancelFunc
}

// New builds the server and registers all routes.
func New(cfg Config) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("server: session store is required")
	}
	if cfg.Tasks == nil {
		return nil, errors.New("server: task registry is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("server: executor is required")
	}
	if cfg.Tools == nil {
		return nil, errors.New("server: tool registry is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("server: event bus is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		logger:       logger.With("component", "server"),
		metrics:      cfg.Metrics,
		tracer:       cfg.Tracer,
		auth:         cfg.Auth,
		users:        cfg.Users,
		clients:      cfg.Clients,
		sessions:     cfg.Sessions,
		tasks:        cfg.Tasks,
		executor:     cfg.Executor,
		tools:        cfg.Tools,
		bus:          cfg.Bus,
		driver:       cfg.Driver,
		scheduler:    cfg.Scheduler,
		playbooks:    cfg.Playbooks,
		settings:     cfg.Settings,
		syncTimeout:  cfg.SyncTimeout,
		taskPoll:     cfg.PollInterval,
		autoMaxSteps: cfg.AutoMaxSteps,
		addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		mux:          http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if s.syncTimeout <= 0 {
		s.syncTimeout = DefaultSyncTimeout
	}
	if s.taskPoll <= 0 {
		s.taskPoll = time.Second
	}
	s.runCtx, s.runCancel = context.WithCancel(context.Background())

	s.routes()
	s.handler = s.loggingMiddleware(s.authMiddleware(s.mux))
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/", s.handleRoot)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.Handler())

	// Executor surface.
	s.mux.HandleFunc("/execute", s.handleExecute)
	s.mux.HandleFunc("/execute/sync", s.handleExecuteSync)
	s.mux.HandleFunc("/tasks", s.handleTaskList)
	s.mux.HandleFunc("/task/", s.handleTask)
	s.mux.HandleFunc("/files/", s.handleFile)

	// Tool definitions.
	s.mux.HandleFunc("/tools/definitions", s.handleToolDefs)
	s.mux.HandleFunc("/tools/definitions/", s.handleToolDef)
	s.mux.HandleFunc("/tools/check", s.handleToolCheck)

	// Websockets. The task stream must be registered before the session
	// stream's shorter prefix so the mux routes it first.
	s.mux.HandleFunc("/ws/task/", s.handleTaskWS)
	s.mux.HandleFunc("/ws/", s.handleSessionWS)

	// Sessions and the agent.
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/sessions", s.handleSessions)
	s.mux.HandleFunc("/api/sessions/", s.handleSession)
	s.mux.HandleFunc("/api/chat", s.handleChat)
	s.mux.HandleFunc("/api/autonomous/start", s.handleAutoStart)
	s.mux.HandleFunc("/api/autonomous/stop", s.handleAutoStop)
	s.mux.HandleFunc("/api/autonomous/approve", s.handleAutoApprove)
	s.mux.HandleFunc("/api/scope/approve", s.handleScopeApprove)

	// Schedules.
	s.mux.HandleFunc("/api/schedules", s.handleSchedules)
	s.mux.HandleFunc("/api/schedules/", s.handleSchedule)

	// Administration.
	s.mux.HandleFunc("/api/users", s.handleUsers)
	s.mux.HandleFunc("/api/users/", s.handleUser)
	s.mux.HandleFunc("/api/clients", s.handleClients)
	s.mux.HandleFunc("/api/clients/", s.handleClient)
	s.mux.HandleFunc("/api/settings", s.handleSettings)
	s.mux.HandleFunc("/api/playbooks", s.handlePlaybooks)
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the bound listen address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("starting http server", "addr", s.Addr())
	return nil
}

// Shutdown stops accepting requests, cancels autonomous loops and async
// pipelines, and drains in-flight handlers until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.runCancel()
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
		return err
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.jsonError(w, "Not found", http.StatusNotFound)
		return
	}
	s.jsonResponse(w, map[string]any{
		"service": "ptbb",
		"status":  "ok",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// jsonResponse writes a JSON response.
func (s *Server) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("json encode error", "error", err)
	}
}

// jsonStatus writes a JSON response with an explicit status code.
func (s *Server) jsonStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("json encode error", "error", err)
	}
}

// jsonError writes a JSON error response.
func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// decodeJSON parses the request body into dst, rejecting malformed bodies.
func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// shiftPath splits the first path segment off rest. Both returns are
// trimmed of leading slashes; segment is "" when rest is exhausted.
func shiftPath(rest string) (segment, remainder string) {
	rest = strings.TrimPrefix(rest, "/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i], rest[i+1:]
	}
	return rest, ""
}

// handlers_serve.go wires the full server process for the serve command:
// configuration, observability, stores, executor, agent, scheduler, and
// the HTTP front, with graceful shutdown in reverse order.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jsarkisian/PTBudgetBuster/internal/agent"
	"github.com/jsarkisian/PTBudgetBuster/internal/agent/providers"
	"github.com/jsarkisian/PTBudgetBuster/internal/auth"
	"github.com/jsarkisian/PTBudgetBuster/internal/clients"
	"github.com/jsarkisian/PTBudgetBuster/internal/config"
	"github.com/jsarkisian/PTBudgetBuster/internal/events"
	"github.com/jsarkisian/PTBudgetBuster/internal/executor"
	"github.com/jsarkisian/PTBudgetBuster/internal/observability"
	"github.com/jsarkisian/PTBudgetBuster/internal/playbooks"
	"github.com/jsarkisian/PTBudgetBuster/internal/scheduler"
	"github.com/jsarkisian/PTBudgetBuster/internal/server"
	"github.com/jsarkisian/PTBudgetBuster/internal/sessions"
	"github.com/jsarkisian/PTBudgetBuster/internal/settings"
	"github.com/jsarkisian/PTBudgetBuster/internal/tasks"
	"github.com/jsarkisian/PTBudgetBuster/internal/tooldefs"
	"github.com/jsarkisian/PTBudgetBuster/internal/users"
	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

// Reserved file names inside the data directory. Session files live next
// to them; the session store skips these when scanning.
const (
	usersFile     = "users.json"
	clientsFile   = "clients.json"
	settingsFile  = "settings.json"
	schedulesFile = "schedules.json"
)

// starterToolCatalog seeds a fresh install so the server comes up with
// bash plus one documented scanner entry in the whitelist.
const starterToolCatalog = `# ptbb tool catalog. Edits here are picked up live; tools can also be
# managed through the /tools/definitions API.
tools:
  nmap:
    name: nmap
    binary: nmap
    description: Network scanner for host discovery and port enumeration
    category: recon
    risk_level: medium
    default_args: ["-Pn"]
    parameters:
      target:
        type: string
        positional: true
        required: true
        description: Host, hostname, or CIDR range to scan
      ports:
        type: string
        flag: "-p"
        description: Port list or range, e.g. 80,443 or 1-1024
      service_detection:
        type: boolean
        flag: "-sV"
        raw_flag: true
        description: Probe open ports for service and version info
`

// loadConfig loads the configuration file. A missing default file falls
// back to built-in defaults; a missing explicit --config is an error.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	if !explicit {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

// runServe implements the serve command logic: construct every
// collaborator, start the listener and the schedule loop, then block
// until a shutdown signal and unwind in reverse order.
func runServe(ctx context.Context, configPath string, explicitConfig, debug bool) error {
	cfg, err := loadConfig(configPath, explicitConfig)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	logger.Info("starting ptbb",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	tracer, stopTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "ptbb",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})

	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Stores. Sessions share the data directory with the reserved
	// singleton files.
	sessionStore, err := sessions.NewStore(cfg.Data.Dir,
		sessions.WithLogger(logger),
		sessions.WithMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	userManager, err := users.NewManager(filepath.Join(cfg.Data.Dir, usersFile),
		users.WithLogger(logger),
		users.WithAdminPassword(cfg.Auth.AdminPassword),
	)
	if err != nil {
		return fmt.Errorf("open user store: %w", err)
	}
	clientManager, err := clients.NewManager(filepath.Join(cfg.Data.Dir, clientsFile),
		clients.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("open client store: %w", err)
	}
	settingsStore, err := settings.NewStore(filepath.Join(cfg.Data.Dir, settingsFile),
		settings.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("open settings store: %w", err)
	}
	playbookCatalog, err := playbooks.NewCatalog(cfg.Data.PlaybooksDir,
		playbooks.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("load playbooks: %w", err)
	}

	if err := ensureToolsFile(cfg.Data.ToolsFile, logger); err != nil {
		return err
	}
	toolRegistry, err := tooldefs.NewRegistry(cfg.Data.ToolsFile,
		tooldefs.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("load tool catalog: %w", err)
	}

	taskRegistry := tasks.NewRegistry(tasks.WithLogger(logger))
	exec := executor.NewExecutor(taskRegistry, cfg.Data.Dir,
		executor.WithLogger(logger),
		executor.WithMetrics(metrics),
		executor.WithDefaultTimeout(cfg.Executor.Timeout),
	)
	bus := events.NewBus(events.WithLogger(logger))

	var authService *auth.Service
	if cfg.Auth.JWTSecret != "" {
		authService = auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
	} else {
		logger.Warn("authentication disabled; set auth.jwt_secret to require login")
	}

	// The driver is optional: without an API key the execute, session,
	// and schedule surfaces still work and chat answers 503.
	var driver *agent.Driver
	provider, err := providers.New(providers.Config{
		Provider:   cfg.LLM.Provider,
		APIKey:     resolveAPIKey(cfg),
		BaseURL:    cfg.LLM.BaseURL,
		Model:      cfg.LLM.Model,
		MaxRetries: cfg.LLM.MaxRetries,
	})
	if err != nil {
		logger.Warn("LLM provider unavailable; chat and autonomous mode disabled", "error", err)
	} else {
		driver, err = agent.New(agent.Config{
			Provider:             provider,
			Tools:                toolRegistry,
			Executor:             exec,
			Tasks:                taskRegistry,
			Bus:                  bus,
			Model:                cfg.LLM.Model,
			MaxTokens:            cfg.LLM.MaxTokens,
			HistoryWindow:        cfg.Agent.HistoryWindow,
			PollInterval:         cfg.Agent.PollInterval,
			TaskWait:             cfg.Agent.TaskWait,
			ExecTimeout:          cfg.Executor.Timeout,
			LLMTimeout:           cfg.LLM.Timeout,
			StepApprovalTimeout:  cfg.Agent.StepApprovalTimeout,
			ScopeApprovalTimeout: cfg.Agent.ScopeApprovalTimeout,
			ApprovalMode:         settingsStore.ApprovalMode,
			Logger:               logger,
			Metrics:              metrics,
			Tracer:               tracer,
		})
		if err != nil {
			return fmt.Errorf("build agent driver: %w", err)
		}
		logger.Info("LLM provider ready", "provider", provider.Name(), "model", cfg.LLM.Model)
	}

	scheduleStore, err := scheduler.NewStore(filepath.Join(cfg.Data.Dir, schedulesFile),
		scheduler.WithStoreLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("open schedule store: %w", err)
	}
	var history *scheduler.History
	if cfg.Data.HistoryDB != "" {
		history, err = scheduler.NewHistory(cfg.Data.HistoryDB)
		if err != nil {
			logger.Warn("schedule history unavailable", "path", cfg.Data.HistoryDB, "error", err)
		}
	}

	// The scheduler fires through the server's execution pipeline. The
	// server does not exist yet; the closure binds late.
	var srv *server.Server
	runner := scheduler.RunnerFunc(func(ctx context.Context, job models.ScheduledJob) (string, models.TaskStatus, error) {
		return srv.RunScheduled(ctx, job)
	})
	schedOpts := []scheduler.Option{
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(metrics),
		scheduler.WithTracer(tracer),
		scheduler.WithTickInterval(cfg.Scheduler.TickInterval),
	}
	if history != nil {
		schedOpts = append(schedOpts, scheduler.WithHistory(history))
	}
	sched, err := scheduler.New(scheduleStore, runner, schedOpts...)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	srv, err = server.New(server.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       tracer,
		Auth:         authService,
		Users:        userManager,
		Clients:      clientManager,
		Sessions:     sessionStore,
		Tasks:        taskRegistry,
		Executor:     exec,
		Tools:        toolRegistry,
		Bus:          bus,
		Driver:       driver,
		Scheduler:    sched,
		Playbooks:    playbookCatalog,
		Settings:     settingsStore,
		AutoMaxSteps: cfg.Agent.MaxSteps,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := toolRegistry.Watch(ctx); err != nil {
		logger.Warn("tool catalog watcher unavailable", "error", err)
	}

	if err := srv.Start(); err != nil {
		return err
	}
	if cfg.Scheduler.Disabled {
		logger.Info("scheduler disabled by configuration")
	} else if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	logger.Info("ptbb started",
		"addr", srv.Addr(),
		"playbooks", playbookCatalog.Len(),
		"auth", authService != nil,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if !cfg.Scheduler.Disabled {
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Warn("scheduler stop", "error", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	if err := exec.Shutdown(shutdownCtx); err != nil {
		logger.Warn("executor shutdown", "error", err)
	}
	_ = toolRegistry.Close()
	if history != nil {
		_ = history.Close()
	}
	if err := stopTracer(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown", "error", err)
	}

	logger.Info("ptbb stopped gracefully")
	return nil
}

// resolveAPIKey returns the configured LLM key, falling back to the
// provider's conventional environment variable.
func resolveAPIKey(cfg *config.Config) string {
	if cfg.LLM.APIKey != "" {
		return cfg.LLM.APIKey
	}
	switch cfg.LLM.Provider {
	case providers.ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	default:
		return os.Getenv("ANTHROPIC_API_KEY")
	}
}

// ensureToolsFile writes the starter catalog when none exists yet.
func ensureToolsFile(path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat tool catalog: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create tool catalog dir: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(starterToolCatalog), 0o644); err != nil {
		return fmt.Errorf("write starter tool catalog: %w", err)
	}
	logger.Info("wrote starter tool catalog", "path", path)
	return nil
}

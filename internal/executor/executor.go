// Package executor runs assessment tools as subprocesses and feeds their
// output into the task registry as it arrives.
//
// Every task gets its own working directory under the data dir and its own
// process group, so a timeout or kill takes down the whole tool tree rather
// than just the direct child. Task state transitions are terminal-once: a
// task marked timeout or killed keeps that status even when the reaped
// process would otherwise report failed.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jsarkisian/PTBudgetBuster/internal/observability"
	"github.com/jsarkisian/PTBudgetBuster/internal/tasks"
	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

const (
	// DefaultTimeout bounds a task when the request does not set one.
	DefaultTimeout = 300 * time.Second

	// defaultWaitDelay bounds how long Wait blocks on pipes held open by
	// orphaned grandchildren after the main process exits.
	defaultWaitDelay = 10 * time.Second
)

var (
	// ErrTaskNotFound is returned when the task ID is unknown.
	ErrTaskNotFound = errors.New("task not found")

	// ErrAlreadyFinished is returned when a kill races process exit.
	ErrAlreadyFinished = errors.New("task already finished")
)

// Request describes one tool invocation.
type Request struct {
	// TaskID to run under. Empty means generate one.
	TaskID string

	// Tool is the catalog name, used for task records and metrics.
	Tool string

	// Argv is the full command line, argv[0] being the binary.
	Argv []string

	// Command is the display string recorded on the task. Empty means
	// join Argv with spaces.
	Command string

	// Stdin is piped to the process when non-empty.
	Stdin string

	// Timeout bounds execution. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Executor spawns tool subprocesses and tracks the running set.
type Executor struct {
	logger         *slog.Logger
	registry       *tasks.Registry
	dataDir        string
	defaultTimeout time.Duration
	waitDelay      time.Duration
	metrics        *observability.Metrics

	mu      sync.Mutex
	handles map[string]*handle

	wg sync.WaitGroup
}

type handle struct {
	cmd *exec.Cmd
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger.With("component", "executor")
		}
	}
}

// WithMetrics attaches a metric sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithDefaultTimeout overrides the fallback task timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithWaitDelay overrides the post-exit pipe wait bound.
func WithWaitDelay(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.waitDelay = d
		}
	}
}

// NewExecutor creates an executor writing task state into registry and task
// working directories under dataDir.
func NewExecutor(registry *tasks.Registry, dataDir string, opts ...Option) *Executor {
	e := &Executor{
		logger:         slog.Default().With("component", "executor"),
		registry:       registry,
		dataDir:        dataDir,
		defaultTimeout: DefaultTimeout,
		waitDelay:      defaultWaitDelay,
		handles:        make(map[string]*handle),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit registers the task and starts it asynchronously, returning the
// task ID immediately. Task progress is observed through the registry.
func (e *Executor) Submit(req Request) (string, error) {
	if len(req.Argv) == 0 {
		return "", errors.New("empty command")
	}
	id := req.TaskID
	if id == "" {
		id = tasks.NewID()
	}
	command := req.Command
	if command == "" {
		command = strings.Join(req.Argv, " ")
	}

	e.registry.Create(id, req.Tool, command)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(id, req)
	}()

	return id, nil
}

func (e *Executor) run(id string, req Request) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	dir := e.TaskDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.logger.Error("creating task dir", "task_id", id, "error", err)
		e.registry.FinishError(id, err.Error())
		return
	}

	cmd := exec.Command(req.Argv[0], req.Argv[1:]...)
	cmd.Dir = dir
	cmd.SysProcAttr = sysProcAttr()
	cmd.WaitDelay = e.waitDelay
	cmd.Stdout = &streamWriter{registry: e.registry, id: id}
	cmd.Stderr = &streamWriter{registry: e.registry, id: id, stderr: true}
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		e.logger.Error("spawning task", "task_id", id, "tool", req.Tool, "error", err)
		e.registry.FinishError(id, err.Error())
		if e.metrics != nil {
			e.metrics.RecordError("executor", "spawn_failed")
		}
		return
	}

	e.registry.MarkRunning(id, cmd.Process.Pid)
	e.mu.Lock()
	e.handles[id] = &handle{cmd: cmd}
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.TaskStarted()
	}
	e.logger.Info("task started",
		"task_id", id,
		"tool", req.Tool,
		"pid", cmd.Process.Pid,
		"timeout", timeout,
	)

	watchdog := time.AfterFunc(timeout, func() {
		e.registry.FinishTimeout(id, fmt.Sprintf("Task timed out after %ds", int(timeout.Seconds())))
		if err := killProcess(cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
			e.logger.Warn("killing timed out task", "task_id", id, "error", err)
		}
		e.logger.Warn("task timed out", "task_id", id, "tool", req.Tool, "timeout", timeout)
	})

	err := cmd.Wait()
	watchdog.Stop()

	e.mu.Lock()
	delete(e.handles, id)
	e.mu.Unlock()

	rc := exitCode(err)
	status := models.TaskCompleted
	switch {
	case err == nil:
	case errors.Is(err, exec.ErrWaitDelay):
		// Exit was clean; only pipe I/O held by orphaned children was
		// cut short after WaitDelay.
		rc = 0
	default:
		status = models.TaskFailed
	}
	// No-op if the watchdog or a kill already sealed the task.
	e.registry.Finish(id, status, &rc)

	final, _ := e.registry.Get(id)
	elapsed := time.Since(start)
	if e.metrics != nil {
		e.metrics.RecordTask(req.Tool, string(final.Status), elapsed.Seconds())
	}
	e.logger.Info("task finished",
		"task_id", id,
		"tool", req.Tool,
		"status", final.Status,
		"return_code", rc,
		"duration", elapsed,
	)
}

// Cancel sends SIGTERM to a running task's process group and marks it
// killed. For a task that is not running, the current status is returned
// so callers can echo it. ErrAlreadyFinished signals a kill that lost the
// race against process exit.
func (e *Executor) Cancel(id string) (models.TaskStatus, error) {
	snapshot, ok := e.registry.Get(id)
	if !ok {
		return "", ErrTaskNotFound
	}

	e.mu.Lock()
	h, running := e.handles[id]
	e.mu.Unlock()

	if snapshot.Status != models.TaskRunning || !running {
		return snapshot.Status, nil
	}

	if err := terminateProcess(h.cmd); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return snapshot.Status, ErrAlreadyFinished
		}
		return snapshot.Status, err
	}

	e.registry.Finish(id, models.TaskKilled, nil)
	e.logger.Info("task killed", "task_id", id)
	return models.TaskKilled, nil
}

// Shutdown marks all running tasks killed, signals their process groups,
// and waits for reaping until ctx expires.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for id, h := range e.handles {
		e.registry.Finish(id, models.TaskKilled, nil)
		if err := terminateProcess(h.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
			e.logger.Warn("terminating task at shutdown", "task_id", id, "error", err)
		}
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TaskDir returns the working directory for a task. Tools drop their
// artifact files (reports, screenshots, wordlist hits) here.
func (e *Executor) TaskDir(id string) string {
	return filepath.Join(e.dataDir, "tasks", id)
}

// ReadArtifact reads a file produced by a task, confined to the task's
// working directory.
func (e *Executor) ReadArtifact(taskID, name string) ([]byte, error) {
	if name == "" || !filepath.IsLocal(name) {
		return nil, fmt.Errorf("invalid artifact path %q", name)
	}
	return os.ReadFile(filepath.Join(e.TaskDir(taskID), name))
}

// ReadFile reads a file from the task data area by slash-separated relative
// path, typically "<task_id>/<artifact>". Paths that escape the area are
// rejected. Only task working directories are reachable; server state files
// elsewhere in the data dir are not.
func (e *Executor) ReadFile(relPath string) ([]byte, error) {
	relPath = strings.Trim(relPath, "/")
	if relPath == "" || !filepath.IsLocal(filepath.FromSlash(relPath)) {
		return nil, fmt.Errorf("invalid file path %q", relPath)
	}
	return os.ReadFile(filepath.Join(e.dataDir, "tasks", filepath.FromSlash(relPath)))
}

// RemoveTaskDir deletes a task's working directory. Session deletion calls
// this best-effort for every task the session ever started.
func (e *Executor) RemoveTaskDir(taskID string) error {
	if taskID == "" || !filepath.IsLocal(taskID) {
		return fmt.Errorf("invalid task id %q", taskID)
	}
	return os.RemoveAll(e.TaskDir(taskID))
}

// streamWriter appends process output to the registry as it arrives so
// websocket followers see it before the task finishes.
type streamWriter struct {
	registry *tasks.Registry
	id       string
	stderr   bool
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if w.stderr {
		w.registry.AppendStderr(w.id, string(p))
	} else {
		w.registry.AppendOutput(w.id, string(p))
	}
	return len(p), nil
}

// exitCode maps a Wait error to a shell-style return code. Non-exit
// errors (signals on some platforms, wait failures) map to -1.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

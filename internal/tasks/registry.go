// Package tasks tracks tool invocations from spawn to terminal status. The
// registry is the single source of truth for task state: the executor writes
// into it, pollers and websocket streamers read snapshots and deltas out of
// it. Records are retained for the process lifetime.
package tasks

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

// NewID mints a short task identifier.
func NewID() string {
	return uuid.NewString()[:8]
}

// Registry is a concurrent task map with a per-task mutex, so incremental
// output appends and snapshot reads do not block unrelated tasks.
type Registry struct {
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	tasks map[string]*record
}

type record struct {
	mu   sync.Mutex
	task models.Task
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger.With("component", "tasks")
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates an empty task registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger: slog.Default().With("component", "tasks"),
		now:    time.Now,
		tasks:  make(map[string]*record),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a task in status starting and returns its snapshot.
// Re-using an id replaces the previous record.
func (r *Registry) Create(id, tool, command string) models.Task {
	task := models.Task{
		ID:        id,
		Tool:      tool,
		Command:   command,
		Status:    models.TaskStarting,
		StartedAt: models.Timestamp(r.now()),
	}

	r.mu.Lock()
	r.tasks[id] = &record{task: task}
	r.mu.Unlock()

	r.logger.Debug("task created", "task_id", id, "tool", tool)
	return task
}

func (r *Registry) get(id string) (*record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.tasks[id]
	return rec, ok
}

// MarkRunning transitions a starting task to running and records its pid.
func (r *Registry) MarkRunning(id string, pid int) {
	rec, ok := r.get(id)
	if !ok {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.task.Status != models.TaskStarting {
		return
	}
	rec.task.Status = models.TaskRunning
	rec.task.PID = &pid
}

// AppendOutput appends a stdout chunk.
func (r *Registry) AppendOutput(id, chunk string) {
	r.appendStream(id, chunk, false)
}

// AppendStderr appends a stderr chunk.
func (r *Registry) AppendStderr(id, chunk string) {
	r.appendStream(id, chunk, true)
}

func (r *Registry) appendStream(id, chunk string, stderr bool) {
	if chunk == "" {
		return
	}
	rec, ok := r.get(id)
	if !ok {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.task.Status.Terminal() {
		return
	}
	if stderr {
		rec.task.Error += chunk
	} else {
		rec.task.Output += chunk
	}
}

// Finish transitions a task to a terminal status with its exit code. Once a
// task is terminal, later transitions are ignored, so an explicit kill is
// not overwritten when the process exit is subsequently observed.
func (r *Registry) Finish(id string, status models.TaskStatus, returnCode *int) {
	r.finish(id, status, returnCode, "")
}

// FinishError marks a spawn failure: status error with the failure text in
// the stderr field.
func (r *Registry) FinishError(id, message string) {
	r.finish(id, models.TaskError, nil, message)
}

// FinishTimeout marks a watchdog kill, adding the timeout notice to stderr.
func (r *Registry) FinishTimeout(id, message string) {
	r.finish(id, models.TaskTimeout, nil, message)
}

// Terminal stderr text is appended, never substituted, so position-based
// streamers keep a stable prefix.
func (r *Registry) finish(id string, status models.TaskStatus, returnCode *int, errText string) {
	rec, ok := r.get(id)
	if !ok {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.task.Status.Terminal() {
		return
	}
	rec.task.Status = status
	rec.task.ReturnCode = returnCode
	if errText != "" {
		if rec.task.Error == "" {
			rec.task.Error = errText
		} else {
			rec.task.Error += "\n" + errText
		}
	}
	finished := models.Timestamp(r.now())
	rec.task.FinishedAt = &finished

	r.logger.Debug("task finished", "task_id", id, "status", status)
}

// Get returns a snapshot of the task.
func (r *Registry) Get(id string) (models.Task, bool) {
	rec, ok := r.get(id)
	if !ok {
		return models.Task{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.task, true
}

// List returns snapshots of all tasks, oldest first.
func (r *Registry) List() []models.Task {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.tasks))
	for _, rec := range r.tasks {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := make([]models.Task, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.task)
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt != out[j].StartedAt {
			return out[i].StartedAt < out[j].StartedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Delta returns the output beyond the given positions plus a snapshot of
// the task, for position-based streaming.
func (r *Registry) Delta(id string, outPos, errPos int) (stdout, stderr string, task models.Task, ok bool) {
	rec, found := r.get(id)
	if !found {
		return "", "", models.Task{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if outPos >= 0 && outPos < len(rec.task.Output) {
		stdout = rec.task.Output[outPos:]
	}
	if errPos >= 0 && errPos < len(rec.task.Error) {
		stderr = rec.task.Error[errPos:]
	}
	return stdout, stderr, rec.task, true
}

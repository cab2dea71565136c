// Package scheduler fires deferred tool runs: one-shot jobs at an absolute
// instant and recurring jobs on a cron expression. schedules.json is the
// authoritative job state; every fire is dispatched through the same
// execution pipeline an operator-requested run uses and appended to a
// sqlite run-history audit trail.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/jsarkisian/PTBudgetBuster/internal/observability"
	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

// ErrJobRunning is returned when an operation needs the job to be idle.
var ErrJobRunning = errors.New("schedule is currently running")

// cronParser accepts standard five-field expressions, an optional seconds
// field, and @descriptors. Expressions are validated at create and update
// time so a bad one never reaches the fire loop.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ToolRunner dispatches one scheduled job through the standard tool
// pipeline: scope check, task creation, event logging, broadcast, and
// polling to a terminal task status. Dispatch problems (unknown tool,
// blocked target) come back as an error; a task that ran but did not
// succeed comes back as its terminal status.
type ToolRunner interface {
	RunScheduled(ctx context.Context, job models.ScheduledJob) (taskID string, status models.TaskStatus, err error)
}

// RunnerFunc adapts a function to the ToolRunner interface.
type RunnerFunc func(ctx context.Context, job models.ScheduledJob) (string, models.TaskStatus, error)

// RunScheduled implements ToolRunner.
func (f RunnerFunc) RunScheduled(ctx context.Context, job models.ScheduledJob) (string, models.TaskStatus, error) {
	return f(ctx, job)
}

// CreateRequest is the payload for registering or replacing a scheduled
// job. CreatedBy is stamped by the API layer from the authenticated user.
type CreateRequest struct {
	SessionID  string              `json:"session_id"`
	Tool       string              `json:"tool"`
	Parameters json.RawMessage     `json:"parameters"`
	Type       models.ScheduleType `json:"schedule_type"`
	RunAt      string              `json:"run_at"`
	CronExpr   string              `json:"cron_expr"`
	Label      string              `json:"label"`
	CreatedBy  string              `json:"-"`
}

// Scheduler arms triggers for persisted jobs and fires them when due.
//
// Trigger times live only in memory and are rebuilt from the store at
// startup: a one-shot job whose instant passed while the server was down
// fires on the first due check instead of being dropped. The registry
// mutex is never held across the execution path.
type Scheduler struct {
	store   *Store
	runner  ToolRunner
	history *History
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time
	tick    time.Duration

	mu      sync.Mutex
	armed   map[string]time.Time
	running map[string]struct{}
	started bool
	kick    chan struct{}

	wg sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "scheduler")
		}
	}
}

// WithHistory attaches the run-history store.
func WithHistory(h *History) Option {
	return func(s *Scheduler) { s.history = h }
}

// WithMetrics attaches a metric sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithTracer attaches a tracer; each fire gets its own span.
func WithTracer(t *observability.Tracer) Option {
	return func(s *Scheduler) { s.tracer = t }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the due-check cadence.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// New creates a scheduler over store and re-arms every job in status
// scheduled. Jobs already terminal (completed, failed, disabled) and jobs
// a previous process left marked running stay dormant until an operator
// revives them.
func New(store *Store, runner ToolRunner, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	s := &Scheduler{
		store:   store,
		runner:  runner,
		logger:  slog.Default().With("component", "scheduler"),
		now:     time.Now,
		tick:    time.Second,
		armed:   make(map[string]time.Time),
		running: make(map[string]struct{}),
		kick:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.rearm()
	return s, nil
}

// rearm registers triggers for every armable persisted job and refreshes
// the advisory next_run stamps.
func (s *Scheduler) rearm() {
	now := s.now()
	count := 0
	for _, job := range s.store.List() {
		if job.Status != models.ScheduleScheduled {
			continue
		}
		next, err := nextTrigger(job, now)
		if err != nil {
			s.logger.Warn("schedule not re-armed", "id", job.ID, "error", err)
			continue
		}
		s.mu.Lock()
		s.armed[job.ID] = next
		s.mu.Unlock()
		if stamp := models.Timestamp(next); stamp != job.NextRun {
			s.store.Update(job.ID, func(j *models.ScheduledJob) { j.NextRun = stamp })
		}
		count++
	}
	if count > 0 {
		s.logger.Info("schedules re-armed", "count", count)
	}
}

// Start begins the tick loop. It returns immediately; due jobs fire until
// ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	armed := len(s.armed)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx)
			case <-s.kick:
				s.runDue(ctx)
			}
		}
	}()
	s.logger.Info("scheduler started", "tick", s.tick, "armed", armed)
	return nil
}

// Stop waits for the tick loop, and any fire it is in the middle of, to
// finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce fires every due job and reports how many fired. The tick loop
// calls it; tests drive it directly with a fixed clock.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	return s.runDue(ctx)
}

func (s *Scheduler) runDue(ctx context.Context) int {
	now := s.now()
	s.mu.Lock()
	var due []string
	for id, at := range s.armed {
		if now.Before(at) {
			continue
		}
		if _, busy := s.running[id]; busy {
			continue
		}
		due = append(due, id)
	}
	for _, id := range due {
		delete(s.armed, id)
		s.running[id] = struct{}{}
	}
	s.mu.Unlock()

	sort.Strings(due)
	for _, id := range due {
		s.fire(ctx, id)
	}
	return len(due)
}

// fire runs one job through the runner and records the outcome.
func (s *Scheduler) fire(ctx context.Context, id string) {
	defer func() {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
	}()

	started := s.now()
	job, err := s.store.Update(id, func(j *models.ScheduledJob) {
		j.Status = models.ScheduleRunning
		j.LastRun = models.Timestamp(started)
		j.RunCount++
		j.NextRun = ""
	})
	if err != nil {
		// Deleted between arming and firing.
		return
	}

	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.TraceScheduledRun(ctx, job.ID, job.Tool)
		defer span.End()
	}

	var runID int64
	if s.history != nil {
		runID, err = s.history.Begin(ctx, models.ScheduleRun{
			JobID:     job.ID,
			SessionID: job.SessionID,
			Tool:      job.Tool,
			Status:    string(models.ScheduleRunning),
			StartedAt: models.Timestamp(started),
		})
		if err != nil {
			s.logger.Warn("run history not recorded", "id", job.ID, "error", err)
			runID = 0
		}
	}

	s.logger.Info("schedule fired", "id", job.ID, "tool", job.Tool, "session_id", job.SessionID, "run", job.RunCount)
	taskID, taskStatus, runErr := s.runner.RunScheduled(ctx, job)
	finished := s.now()
	success := runErr == nil && taskStatus == models.TaskCompleted
	if s.tracer != nil && runErr != nil {
		s.tracer.RecordError(span, runErr)
	}

	if s.history != nil && runID != 0 {
		histStatus := string(taskStatus)
		if runErr != nil || histStatus == "" {
			histStatus = string(models.TaskFailed)
		}
		if ferr := s.history.Finish(ctx, runID, taskID, histStatus, finished); ferr != nil {
			s.logger.Warn("run history not finalized", "id", job.ID, "error", ferr)
		}
	}
	if s.metrics != nil {
		if success {
			s.metrics.RecordScheduleRun(string(models.ScheduleCompleted))
		} else {
			s.metrics.RecordScheduleRun(string(models.ScheduleFailed))
		}
	}

	var next time.Time
	var hasNext bool
	if _, err := s.store.Update(id, func(j *models.ScheduledJob) {
		j.LastTaskID = taskID
		if j.Status == models.ScheduleDisabled {
			// Disabled while the run was in flight; leave it parked.
			return
		}
		switch {
		case j.Type == models.ScheduleCron:
			if success {
				j.Status = models.ScheduleScheduled
			} else {
				// Recurring jobs stay armed and retry on their next
				// trigger within this process lifetime.
				j.Status = models.ScheduleFailed
			}
			if sched, perr := cronParser.Parse(j.CronExpr); perr == nil {
				next = sched.Next(finished)
				hasNext = !next.IsZero()
			}
			if hasNext {
				j.NextRun = models.Timestamp(next)
			}
		case success:
			j.Status = models.ScheduleCompleted
		default:
			j.Status = models.ScheduleFailed
		}
	}); err != nil {
		// Deleted while the run was in flight; nothing to re-arm.
		return
	}
	if hasNext {
		s.mu.Lock()
		s.armed[id] = next
		s.mu.Unlock()
	}

	switch {
	case runErr != nil:
		s.logger.Warn("schedule run failed", "id", job.ID, "tool", job.Tool, "error", runErr)
	case !success:
		s.logger.Warn("schedule run failed", "id", job.ID, "tool", job.Tool, "task_id", taskID, "task_status", string(taskStatus))
	default:
		s.logger.Info("schedule run completed", "id", job.ID, "task_id", taskID, "duration", finished.Sub(started))
	}
}

// Create validates and registers a new job, arming its trigger. A one-shot
// instant already in the past fires on the next due check.
func (s *Scheduler) Create(req CreateRequest) (models.ScheduledJob, error) {
	job, err := s.buildJob(req)
	if err != nil {
		return models.ScheduledJob{}, err
	}
	next, err := nextTrigger(job, s.now())
	if err != nil {
		return models.ScheduledJob{}, err
	}
	job.NextRun = models.Timestamp(next)
	s.store.Put(job)
	s.mu.Lock()
	s.armed[job.ID] = next
	s.mu.Unlock()
	s.logger.Info("schedule created",
		"id", job.ID,
		"tool", job.Tool,
		"session_id", job.SessionID,
		"type", string(job.Type),
		"next_run", job.NextRun,
	)
	return job, nil
}

// Update replaces the definition fields of a job and recomputes its
// trigger. Lifecycle fields (status, run count, last run) are untouched;
// only jobs still in status scheduled are re-armed.
func (s *Scheduler) Update(id string, req CreateRequest) (models.ScheduledJob, error) {
	current, ok := s.store.Get(id)
	if !ok {
		return models.ScheduledJob{}, ErrNotFound
	}
	repl, err := s.buildJob(req)
	if err != nil {
		return models.ScheduledJob{}, err
	}
	var next time.Time
	armable := current.Status == models.ScheduleScheduled
	if armable {
		if next, err = nextTrigger(repl, s.now()); err != nil {
			return models.ScheduledJob{}, err
		}
	}
	rearmed := false
	updated, err := s.store.Update(id, func(j *models.ScheduledJob) {
		j.SessionID = repl.SessionID
		j.Tool = repl.Tool
		j.Parameters = repl.Parameters
		j.Type = repl.Type
		j.RunAt = repl.RunAt
		j.CronExpr = repl.CronExpr
		j.Label = repl.Label
		if armable && j.Status == models.ScheduleScheduled {
			j.NextRun = models.Timestamp(next)
			rearmed = true
		}
	})
	if err != nil {
		return models.ScheduledJob{}, err
	}
	if rearmed {
		s.mu.Lock()
		s.armed[id] = next
		s.mu.Unlock()
	}
	return updated, nil
}

// Delete removes a job. A fire already in flight finishes but finds no
// record to update.
func (s *Scheduler) Delete(id string) error {
	if err := s.store.Delete(id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.armed, id)
	s.mu.Unlock()
	return nil
}

// Enable returns a job to scheduled and re-arms its trigger.
func (s *Scheduler) Enable(id string) (models.ScheduledJob, error) {
	if s.isRunning(id) {
		return models.ScheduledJob{}, ErrJobRunning
	}
	job, ok := s.store.Get(id)
	if !ok {
		return models.ScheduledJob{}, ErrNotFound
	}
	next, err := nextTrigger(job, s.now())
	if err != nil {
		return models.ScheduledJob{}, err
	}
	updated, err := s.store.Update(id, func(j *models.ScheduledJob) {
		j.Status = models.ScheduleScheduled
		j.NextRun = models.Timestamp(next)
	})
	if err != nil {
		return models.ScheduledJob{}, err
	}
	s.mu.Lock()
	s.armed[id] = next
	s.mu.Unlock()
	return updated, nil
}

// Disable takes a job out of rotation without deleting it.
func (s *Scheduler) Disable(id string) (models.ScheduledJob, error) {
	updated, err := s.store.Update(id, func(j *models.ScheduledJob) {
		j.Status = models.ScheduleDisabled
		j.NextRun = ""
	})
	if err != nil {
		return models.ScheduledJob{}, err
	}
	s.mu.Lock()
	delete(s.armed, id)
	s.mu.Unlock()
	return updated, nil
}

// RunNow forces a job back to scheduled and fires it on the next due
// check, regardless of its trigger.
func (s *Scheduler) RunNow(id string) (models.ScheduledJob, error) {
	if s.isRunning(id) {
		return models.ScheduledJob{}, ErrJobRunning
	}
	now := s.now()
	updated, err := s.store.Update(id, func(j *models.ScheduledJob) {
		j.Status = models.ScheduleScheduled
		j.NextRun = models.Timestamp(now)
	})
	if err != nil {
		return models.ScheduledJob{}, err
	}
	s.mu.Lock()
	s.armed[id] = now
	s.mu.Unlock()
	s.kickLoop()
	return updated, nil
}

// Get returns a job by id.
func (s *Scheduler) Get(id string) (models.ScheduledJob, bool) {
	return s.store.Get(id)
}

// List returns every job.
func (s *Scheduler) List() []models.ScheduledJob {
	return s.store.List()
}

// ListForSession returns the jobs targeting one session.
func (s *Scheduler) ListForSession(sessionID string) []models.ScheduledJob {
	return s.store.ListForSession(sessionID)
}

// History returns the run-history store, or nil when none is configured.
func (s *Scheduler) History() *History {
	return s.history
}

func (s *Scheduler) isRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.running[id]
	return busy
}

func (s *Scheduler) kickLoop() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) buildJob(req CreateRequest) (models.ScheduledJob, error) {
	job := models.ScheduledJob{
		ID:         uuid.NewString()[:12],
		SessionID:  strings.TrimSpace(req.SessionID),
		Tool:       strings.TrimSpace(req.Tool),
		Parameters: compactParameters(req.Parameters),
		Type:       req.Type,
		Label:      strings.TrimSpace(req.Label),
		Status:     models.ScheduleScheduled,
		CreatedAt:  models.Timestamp(s.now()),
		CreatedBy:  req.CreatedBy,
	}
	if job.SessionID == "" {
		return models.ScheduledJob{}, errors.New("session_id is required")
	}
	if job.Tool == "" {
		return models.ScheduledJob{}, errors.New("tool is required")
	}
	switch req.Type {
	case models.ScheduleOnce:
		at, err := models.ParseTimestamp(strings.TrimSpace(req.RunAt))
		if err != nil {
			return models.ScheduledJob{}, fmt.Errorf("invalid run_at %q: must be RFC 3339", req.RunAt)
		}
		job.RunAt = models.Timestamp(at)
	case models.ScheduleCron:
		expr := strings.TrimSpace(req.CronExpr)
		if _, err := cronParser.Parse(expr); err != nil {
			return models.ScheduledJob{}, fmt.Errorf("invalid cron expression: %w", err)
		}
		job.CronExpr = expr
	default:
		return models.ScheduledJob{}, fmt.Errorf("schedule_type must be %q or %q", models.ScheduleOnce, models.ScheduleCron)
	}
	return job, nil
}

// nextTrigger computes when job should fire next. A one-shot instant in
// the past is returned as-is so a missed job fires on the first due check
// instead of being dropped.
func nextTrigger(job models.ScheduledJob, now time.Time) (time.Time, error) {
	switch job.Type {
	case models.ScheduleOnce:
		at, err := models.ParseTimestamp(job.RunAt)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid run_at %q: %w", job.RunAt, err)
		}
		return at, nil
	case models.ScheduleCron:
		sched, err := cronParser.Parse(job.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", job.CronExpr, err)
		}
		next := sched.Next(now)
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("cron expression %q yields no next run", job.CronExpr)
		}
		return next, nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule type %q", job.Type)
	}
}

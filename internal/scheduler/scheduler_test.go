package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jsarkisian/PTBudgetBuster/internal/observability"
	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a settable clock shared between test and scheduler.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordingRunner captures fired jobs and returns a scripted outcome.
type recordingRunner struct {
	mu     sync.Mutex
	fired  []models.ScheduledJob
	taskID string
	status models.TaskStatus
	err    error
}

func (r *recordingRunner) RunScheduled(_ context.Context, job models.ScheduledJob) (string, models.TaskStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, job)
	return r.taskID, r.status, r.err
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func mustSchedStore(t *testing.T, dir string) *Store {
	t.Helper()
	st, err := NewStore(filepath.Join(dir, "schedules.json"), WithStoreLogger(quietLogger()))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return st
}

func mustScheduler(t *testing.T, store *Store, runner ToolRunner, clock *fakeClock, opts ...Option) *Scheduler {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger()), WithNow(clock.Now)}, opts...)
	s, err := New(store, runner, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func onceRequest(runAt time.Time) CreateRequest {
	return CreateRequest{
		SessionID:  "sess-1",
		Tool:       "nmap",
		Parameters: json.RawMessage(`{"target":"10.0.0.5"}`),
		Type:       models.ScheduleOnce,
		RunAt:      models.Timestamp(runAt),
		Label:      "nightly sweep",
		CreatedBy:  "admin",
	}
}

func TestCreateValidation(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := mustScheduler(t, mustSchedStore(t, t.TempDir()), &recordingRunner{}, clock)

	tests := []struct {
		name    string
		mutate  func(*CreateRequest)
		wantErr string
	}{
		{"missing session", func(r *CreateRequest) { r.SessionID = " " }, "session_id is required"},
		{"missing tool", func(r *CreateRequest) { r.Tool = "" }, "tool is required"},
		{"bad run_at", func(r *CreateRequest) { r.RunAt = "tomorrow" }, "run_at"},
		{"bad cron", func(r *CreateRequest) {
			r.Type = models.ScheduleCron
			r.CronExpr = "not cron"
		}, "cron"},
		{"bad type", func(r *CreateRequest) { r.Type = "hourly" }, "schedule_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := onceRequest(clock.Now().Add(time.Hour))
			tt.mutate(&req)
			if _, err := s.Create(req); err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Create() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestOnceJobFiresWhenDue(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	runner := &recordingRunner{taskID: "task-1", status: models.TaskCompleted}
	s := mustScheduler(t, mustSchedStore(t, t.TempDir()), runner, clock)

	job, err := s.Create(onceRequest(clock.Now().Add(10 * time.Minute)))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if len(job.ID) != 12 {
		t.Fatalf("job id %q, want 12 chars", job.ID)
	}
	if job.Status != models.ScheduleScheduled {
		t.Fatalf("status = %q, want scheduled", job.Status)
	}

	if n := s.RunOnce(context.Background()); n != 0 {
		t.Fatalf("RunOnce() before trigger fired %d jobs", n)
	}

	clock.Advance(11 * time.Minute)
	if n := s.RunOnce(context.Background()); n != 1 {
		t.Fatalf("RunOnce() after trigger fired %d jobs, want 1", n)
	}
	if runner.count() != 1 {
		t.Fatalf("runner fired %d times, want 1", runner.count())
	}
	if got := runner.fired[0]; got.ID != job.ID || got.Tool != "nmap" {
		t.Fatalf("runner received job %+v", got)
	}

	updated, _ := s.Get(job.ID)
	if updated.Status != models.ScheduleCompleted {
		t.Errorf("status after run = %q, want completed", updated.Status)
	}
	if updated.RunCount != 1 {
		t.Errorf("run_count = %d, want 1", updated.RunCount)
	}
	if updated.LastTaskID != "task-1" {
		t.Errorf("last_task_id = %q, want task-1", updated.LastTaskID)
	}
	if updated.LastRun == "" {
		t.Error("last_run not stamped")
	}
}

func TestFireWithTracer(t *testing.T) {
	tracer, shutdown := observability.NewTracer(observability.TraceConfig{ServiceName: "test"})
	defer shutdown(context.Background())

	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	runner := &recordingRunner{taskID: "task-1", status: models.TaskFailed, err: errors.New("blocked")}
	s := mustScheduler(t, mustSchedStore(t, t.TempDir()), runner, clock, WithTracer(tracer))

	job, err := s.Create(onceRequest(clock.Now().Add(time.Minute)))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	clock.Advance(2 * time.Minute)
	if n := s.RunOnce(context.Background()); n != 1 {
		t.Fatalf("RunOnce() fired %d jobs, want 1", n)
	}

	updated, _ := s.Get(job.ID)
	if updated.Status != models.ScheduleFailed {
		t.Errorf("status after failed run = %q, want failed", updated.Status)
	}
	if updated.RunCount != 1 {
		t.Errorf("run_count = %d, want 1", updated.RunCount)
	}
	if updated.LastTaskID != "task-1" {
		t.Errorf("last_task_id = %q, want task-1", updated.LastTaskID)
	}
	if updated.LastRun == "" {
		t.Error("last_run not stamped")
	}

	// A failed one-shot is not re-armed.
	clock.Advance(time.Hour)
	if n := s.RunOnce(context.Background()); n != 0 {
		t.Fatalf("failed one-shot fired again (%d)", n)
	}
}

func TestMissedOnceJobFiresAtStartup(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := mustSchedStore(t, dir)
	store.Put(models.ScheduledJob{
		ID:         "missedjob0001",
		SessionID:  "sess-1",
		Tool:       "subfinder",
		Parameters: json.RawMessage(`{"domain":"example.com"}`),
		Type:       models.ScheduleOnce,
		RunAt:      models.Timestamp(clock.Now().Add(-2 * time.Hour)),
		Status:     models.ScheduleScheduled,
		CreatedAt:  models.Timestamp(clock.Now().Add(-3 * time.Hour)),
	})

	runner := &recordingRunner{taskID: "task-9", status: models.TaskCompleted}
	s := mustScheduler(t, store, runner, clock)

	if n := s.RunOnce(context.Background()); n != 1 {
		t.Fatalf("RunOnce() fired %d jobs, want 1 (missed instant)", n)
	}
	updated, _ := s.Get("missedjob0001")
	if updated.Status != models.ScheduleCompleted {
		t.Errorf("status = %q, want completed", updated.Status)
	}
}

func TestTerminalJobsStayDormantAtStartup(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := mustSchedStore(t, t.TempDir())
	past := models.Timestamp(clock.Now().Add(-time.Hour))
	for i, status := range []models.ScheduleStatus{
		models.ScheduleCompleted, models.ScheduleFailed, models.ScheduleDisabled, models.ScheduleRunning,
	} {
		store.Put(models.ScheduledJob{
			ID:        "dormantjob00" + string(rune('a'+i)),
			SessionID: "sess-1",
			Tool:      "nmap",
			Type:      models.ScheduleOnce,
			RunAt:     past,
			Status:    status,
			CreatedAt: past,
		})
	}

	runner := &recordingRunner{status: models.TaskCompleted}
	s := mustScheduler(t, store, runner, clock)
	if n := s.RunOnce(context.Background()); n != 0 {
		t.Fatalf("RunOnce() fired %d dormant jobs", n)
	}
}

func TestCronJobReturnsToScheduled(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	runner := &recordingRunner{taskID: "task-2", status: models.TaskCompleted}
	s := mustScheduler(t, mustSchedStore(t, t.TempDir()), runner, clock)

	job, err := s.Create(CreateRequest{
		SessionID: "sess-1",
		Tool:      "httpx",
		Type:      models.ScheduleCron,
		CronExpr:  "0 * * * *",
		CreatedBy: "admin",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Trigger is the top of the next hour.
	clock.Advance(61 * time.Minute)
	if n := s.RunOnce(context.Background()); n != 1 {
		t.Fatalf("RunOnce() fired %d jobs, want 1", n)
	}

	updated, _ := s.Get(job.ID)
	if updated.Status != models.ScheduleScheduled {
		t.Errorf("status after cron run = %q, want scheduled", updated.Status)
	}
	if updated.RunCount != 1 {
		t.Errorf("run_count = %d, want 1", updated.RunCount)
	}
	if updated.NextRun == "" {
		t.Error("next_run not recomputed")
	}

	// And it fires again on the following trigger.
	clock.Advance(time.Hour)
	if n := s.RunOnce(context.Background()); n != 1 {
		t.Fatalf("second cron fire = %d jobs, want 1", n)
	}
	updated, _ = s.Get(job.ID)
	if updated.RunCount != 2 {
		t.Errorf("run_count after second fire = %d, want 2", updated.RunCount)
	}
}

func TestFailedRunMarksJobFailed(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	runner := &recordingRunner{err: errors.New("target not in scope")}
	s := mustScheduler(t, mustSchedStore(t, t.TempDir()), runner, clock)

	job, err := s.Create(onceRequest(clock.Now().Add(time.Minute)))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	clock.Advance(2 * time.Minute)
	s.RunOnce(context.Background())

	updated, _ := s.Get(job.ID)
	if updated.Status != models.ScheduleFailed {
		t.Errorf("status = %q, want failed", updated.Status)
	}
}

func TestFailedCronRunStaysArmed(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	runner := &recordingRunner{taskID: "task-3", status: models.TaskFailed}
	s := mustScheduler(t, mustSchedStore(t, t.TempDir()), runner, clock)

	job, err := s.Create(CreateRequest{
		SessionID: "sess-1",
		Tool:      "nuclei",
		Type:      models.ScheduleCron,
		CronExpr:  "@hourly",
		CreatedBy: "admin",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	clock.Advance(61 * time.Minute)
	s.RunOnce(context.Background())

	updated, _ := s.Get(job.ID)
	if updated.Status != models.ScheduleFailed {
		t.Fatalf("status = %q, want failed", updated.Status)
	}

	// Within this process the trigger survives a failed run.
	clock.Advance(time.Hour)
	if n := s.RunOnce(context.Background()); n != 1 {
		t.Fatalf("failed cron did not retry (%d fires)", n)
	}
}

func TestDisableAndEnable(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	runner := &recordingRunner{status: models.TaskCompleted}
	s := mustScheduler(t, mustSchedStore(t, t.TempDir()), runner, clock)

	job, err := s.Create(onceRequest(clock.Now().Add(time.Minute)))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	disabled, err := s.Disable(job.ID)
	if err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	if disabled.Status != models.ScheduleDisabled || disabled.NextRun != "" {
		t.Fatalf("Disable() -> status=%q next_run=%q", disabled.Status, disabled.NextRun)
	}

	clock.Advance(5 * time.Minute)
	if n := s.RunOnce(context.Background()); n != 0 {
		t.Fatalf("disabled job fired (%d)", n)
	}

	enabled, err := s.Enable(job.ID)
	if err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if enabled.Status != models.ScheduleScheduled {
		t.Fatalf("Enable() status = %q", enabled.Status)
	}
	if n := s.RunOnce(context.Background()); n != 1 {
		t.Fatalf("enabled job did not fire (%d)", n)
	}
}

func TestRunNowIgnoresTrigger(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	runner := &recordingRunner{status: models.TaskCompleted}
	s := mustScheduler(t, mustSchedStore(t, t.TempDir()), runner, clock)

	job, err := s.Create(onceRequest(clock.Now().Add(24 * time.Hour)))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := s.RunNow(job.ID); err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	if n := s.RunOnce(context.Background()); n != 1 {
		t.Fatalf("RunNow job did not fire (%d)", n)
	}
	if _, err := s.RunNow("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("RunNow(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestUpdateReplacesDefinitionAndRearms(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	runner := &recordingRunner{status: models.TaskCompleted}
	s := mustScheduler(t, mustSchedStore(t, t.TempDir()), runner, clock)

	job, err := s.Create(onceRequest(clock.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	req := onceRequest(clock.Now().Add(5 * time.Minute))
	req.Tool = "httpx"
	updated, err := s.Update(job.ID, req)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Tool != "httpx" {
		t.Fatalf("Update() tool = %q", updated.Tool)
	}
	if updated.ID != job.ID {
		t.Fatalf("Update() changed id %q -> %q", job.ID, updated.ID)
	}

	clock.Advance(6 * time.Minute)
	if n := s.RunOnce(context.Background()); n != 1 {
		t.Fatalf("updated job did not fire on new trigger (%d)", n)
	}
	if runner.fired[0].Tool != "httpx" {
		t.Fatalf("fired tool = %q, want httpx", runner.fired[0].Tool)
	}

	if _, err := s.Update("nope", req); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestDeleteDisarms(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	runner := &recordingRunner{status: models.TaskCompleted}
	s := mustScheduler(t, mustSchedStore(t, t.TempDir()), runner, clock)

	job, err := s.Create(onceRequest(clock.Now().Add(time.Minute)))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.Delete(job.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	clock.Advance(5 * time.Minute)
	if n := s.RunOnce(context.Background()); n != 0 {
		t.Fatalf("deleted job fired (%d)", n)
	}
	if err := s.Delete(job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestFireRecordsHistory(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	hist, err := NewHistory("")
	if err != nil {
		t.Fatalf("NewHistory() error = %v", err)
	}
	defer hist.Close()

	runner := &recordingRunner{taskID: "task-7", status: models.TaskCompleted}
	s := mustScheduler(t, mustSchedStore(t, t.TempDir()), runner, clock, WithHistory(hist))

	job, err := s.Create(onceRequest(clock.Now().Add(time.Minute)))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	clock.Advance(90 * time.Second)
	s.RunOnce(context.Background())

	runs, err := hist.ListForJob(context.Background(), job.ID, 10)
	if err != nil {
		t.Fatalf("ListForJob() error = %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("history holds %d runs, want 1", len(runs))
	}
	run := runs[0]
	if run.TaskID != "task-7" {
		t.Errorf("task_id = %q, want task-7", run.TaskID)
	}
	if run.Status != string(models.TaskCompleted) {
		t.Errorf("status = %q, want completed", run.Status)
	}
	if run.FinishedAt == "" {
		t.Error("finished_at not stamped")
	}
	if s.History() != hist {
		t.Error("History() did not return the configured store")
	}
}

func TestStartFiresViaTicker(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	fired := make(chan models.ScheduledJob, 1)
	runner := RunnerFunc(func(_ context.Context, job models.ScheduledJob) (string, models.TaskStatus, error) {
		fired <- job
		return "task-t", models.TaskCompleted, nil
	})
	s := mustScheduler(t, mustSchedStore(t, t.TempDir()), runner, clock, WithTickInterval(5*time.Millisecond))

	job, err := s.Create(onceRequest(clock.Now().Add(-time.Second)))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case got := <-fired:
		if got.ID != job.ID {
			t.Fatalf("fired job %q, want %q", got.ID, job.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job did not fire via tick loop")
	}

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

package tasks

import (
	"testing"
	"time"

	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

func fixedClock() func() time.Time {
	t := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func TestRegistry_Lifecycle(t *testing.T) {
	r := NewRegistry(WithNow(fixedClock()))

	created := r.Create("abc123", "nmap", "/usr/bin/nmap -p 80 a.com")
	if created.Status != models.TaskStarting {
		t.Errorf("Create() status = %q, want starting", created.Status)
	}
	if created.StartedAt != "2025-06-01T12:00:00Z" {
		t.Errorf("Create() started_at = %q", created.StartedAt)
	}
	if created.ReturnCode != nil || created.PID != nil || created.FinishedAt != nil {
		t.Errorf("Create() produced non-nil terminal fields: %+v", created)
	}

	r.MarkRunning("abc123", 4242)
	task, ok := r.Get("abc123")
	if !ok {
		t.Fatal("Get() missing")
	}
	if task.Status != models.TaskRunning {
		t.Errorf("status = %q, want running", task.Status)
	}
	if task.PID == nil || *task.PID != 4242 {
		t.Errorf("pid = %v, want 4242", task.PID)
	}

	r.AppendOutput("abc123", "PORT   STATE\n")
	r.AppendOutput("abc123", "80/tcp open\n")
	r.AppendStderr("abc123", "warning: slow\n")

	rc := 0
	r.Finish("abc123", models.TaskCompleted, &rc)
	task, _ = r.Get("abc123")
	if task.Status != models.TaskCompleted {
		t.Errorf("status = %q, want completed", task.Status)
	}
	if task.Output != "PORT   STATE\n80/tcp open\n" {
		t.Errorf("output = %q", task.Output)
	}
	if task.Error != "warning: slow\n" {
		t.Errorf("error = %q", task.Error)
	}
	if task.ReturnCode == nil || *task.ReturnCode != 0 {
		t.Errorf("return_code = %v", task.ReturnCode)
	}
	if task.FinishedAt == nil {
		t.Error("finished_at not set")
	}
}

func TestRegistry_TerminalIsFinal(t *testing.T) {
	r := NewRegistry(WithNow(fixedClock()))
	r.Create("t1", "bash", "sleep 100")
	r.MarkRunning("t1", 1)

	// Operator kill lands first; the later process-exit observation must
	// not overwrite it.
	r.Finish("t1", models.TaskKilled, nil)
	rc := 143
	r.Finish("t1", models.TaskFailed, &rc)

	task, _ := r.Get("t1")
	if task.Status != models.TaskKilled {
		t.Errorf("status = %q, want killed", task.Status)
	}
	if task.ReturnCode != nil {
		t.Errorf("return_code = %v, want nil", task.ReturnCode)
	}

	// Appends after terminal are dropped.
	r.AppendOutput("t1", "late")
	task, _ = r.Get("t1")
	if task.Output != "" {
		t.Errorf("output after terminal = %q", task.Output)
	}
}

func TestRegistry_FinishTimeoutAppendsNotice(t *testing.T) {
	r := NewRegistry(WithNow(fixedClock()))
	r.Create("t1", "nmap", "nmap")
	r.MarkRunning("t1", 1)
	r.AppendStderr("t1", "partial stderr")

	r.FinishTimeout("t1", "Task timed out after 30s")
	task, _ := r.Get("t1")
	if task.Status != models.TaskTimeout {
		t.Errorf("status = %q, want timeout", task.Status)
	}
	if task.Error != "partial stderr\nTask timed out after 30s" {
		t.Errorf("error = %q", task.Error)
	}

	// With no prior stderr, the notice is the whole error field.
	r.Create("t2", "nmap", "nmap")
	r.FinishTimeout("t2", "Task timed out after 300s")
	task, _ = r.Get("t2")
	if task.Error != "Task timed out after 300s" {
		t.Errorf("error = %q", task.Error)
	}
}

func TestRegistry_FinishError(t *testing.T) {
	r := NewRegistry(WithNow(fixedClock()))
	r.Create("t1", "nmap", "nmap")
	r.FinishError("t1", `exec: "nmap": executable file not found in $PATH`)

	task, _ := r.Get("t1")
	if task.Status != models.TaskError {
		t.Errorf("status = %q, want error", task.Status)
	}
	if task.Error == "" {
		t.Error("error text missing")
	}
	if task.ReturnCode != nil {
		t.Errorf("return_code = %v, want nil", task.ReturnCode)
	}
}

func TestRegistry_Delta(t *testing.T) {
	r := NewRegistry(WithNow(fixedClock()))
	r.Create("t1", "bash", "echo")
	r.MarkRunning("t1", 1)
	r.AppendOutput("t1", "hello ")

	stdout, stderr, task, ok := r.Delta("t1", 0, 0)
	if !ok {
		t.Fatal("Delta() missing task")
	}
	if stdout != "hello " || stderr != "" {
		t.Errorf("Delta() = %q, %q", stdout, stderr)
	}
	if task.Status != models.TaskRunning {
		t.Errorf("Delta() status = %q", task.Status)
	}

	r.AppendOutput("t1", "world")
	r.AppendStderr("t1", "oops")
	stdout, stderr, _, _ = r.Delta("t1", len("hello "), 0)
	if stdout != "world" {
		t.Errorf("Delta() stdout = %q, want %q", stdout, "world")
	}
	if stderr != "oops" {
		t.Errorf("Delta() stderr = %q, want %q", stderr, "oops")
	}

	// Positions at or past the end yield empty deltas.
	stdout, stderr, _, _ = r.Delta("t1", 11, 4)
	if stdout != "" || stderr != "" {
		t.Errorf("Delta() past end = %q, %q", stdout, stderr)
	}

	if _, _, _, ok := r.Delta("missing", 0, 0); ok {
		t.Error("Delta() on unknown task should report missing")
	}
}

func TestRegistry_List(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(WithNow(func() time.Time {
		now = now.Add(time.Second)
		return now
	}))

	r.Create("b", "nmap", "nmap")
	r.Create("a", "httpx", "httpx")
	r.Create("c", "ffuf", "ffuf")

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("List() len = %d", len(list))
	}
	// Oldest first by start time.
	if list[0].ID != "b" || list[1].ID != "a" || list[2].ID != "c" {
		t.Errorf("List() order = %s, %s, %s", list[0].ID, list[1].ID, list[2].ID)
	}
}

func TestNewID(t *testing.T) {
	id := NewID()
	if len(id) != 8 {
		t.Errorf("NewID() = %q, want 8 chars", id)
	}
	if id == NewID() {
		t.Error("NewID() returned duplicate ids")
	}
}

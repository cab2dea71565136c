package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jsarkisian/PTBudgetBuster/internal/agent"
	"github.com/jsarkisian/PTBudgetBuster/internal/auth"
	"github.com/jsarkisian/PTBudgetBuster/internal/clients"
	"github.com/jsarkisian/PTBudgetBuster/internal/events"
	"github.com/jsarkisian/PTBudgetBuster/internal/executor"
	"github.com/jsarkisian/PTBudgetBuster/internal/playbooks"
	"github.com/jsarkisian/PTBudgetBuster/internal/scheduler"
	"github.com/jsarkisian/PTBudgetBuster/internal/sessions"
	"github.com/jsarkisian/PTBudgetBuster/internal/settings"
	"github.com/jsarkisian/PTBudgetBuster/internal/tasks"
	"github.com/jsarkisian/PTBudgetBuster/internal/tooldefs"
	"github.com/jsarkisian/PTBudgetBuster/internal/users"
	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

const serverTestCatalog = `tools:
  lister:
    name: lister
    binary: /bin/echo
    description: Echoes its target, stands in for a scanner
    category: recon
    risk_level: low
    parameters:
      target:
        type: string
        positional: true
        required: true
      ports:
        type: string
        flag: "-p"
`

// scriptedProvider replays a fixed sequence of model replies. An exhausted
// script falls back to a plain text reply.
type scriptedProvider struct {
	mu     sync.Mutex
	script []scriptedReply
}

type scriptedReply struct {
	resp agent.Response
	err  error
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(_ context.Context, _ agent.Request) (agent.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.script) == 0 {
		return agent.Response{Blocks: []agent.Block{agent.TextBlock("ok")}, StopReason: "end_turn"}, nil
	}
	next := p.script[0]
	p.script = p.script[1:]
	return next.resp, next.err
}

func (p *scriptedProvider) reply(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, scriptedReply{
		resp: agent.Response{Blocks: []agent.Block{agent.TextBlock(text)}, StopReason: "end_turn"},
	})
}

func (p *scriptedProvider) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, scriptedReply{err: err})
}

type testServer struct {
	srv      *Server
	web      *httptest.Server
	provider *scriptedProvider

	sessions  *sessions.Store
	tasks     *tasks.Registry
	exec      *executor.Executor
	tools     *tooldefs.Registry
	bus       *events.Bus
	users     *users.Manager
	clients   *clients.Manager
	scheduler *scheduler.Scheduler
	settings  *settings.Store
	playbooks *playbooks.Catalog

	dataDir string
}

func newTestServer(t *testing.T, tweaks ...func(*Config)) *testServer {
	t.Helper()

	dataDir := t.TempDir()
	catalogPath := filepath.Join(t.TempDir(), "tool_definitions.yaml")
	if err := os.WriteFile(catalogPath, []byte(serverTestCatalog), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	toolReg, err := tooldefs.NewRegistry(catalogPath)
	if err != nil {
		t.Fatalf("tooldefs.NewRegistry() error = %v", err)
	}

	taskReg := tasks.NewRegistry()
	exec := executor.NewExecutor(taskReg, dataDir)
	bus := events.NewBus()

	store, err := sessions.NewStore(dataDir)
	if err != nil {
		t.Fatalf("sessions.NewStore() error = %v", err)
	}

	clientMgr, err := clients.NewManager(filepath.Join(dataDir, "clients.json"))
	if err != nil {
		t.Fatalf("clients.NewManager() error = %v", err)
	}
	settingsStore, err := settings.NewStore(filepath.Join(dataDir, "settings.json"))
	if err != nil {
		t.Fatalf("settings.NewStore() error = %v", err)
	}
	playbookDir := filepath.Join(dataDir, "playbooks")
	if err := os.MkdirAll(playbookDir, 0o755); err != nil {
		t.Fatalf("mkdir playbooks: %v", err)
	}
	catalog, err := playbooks.NewCatalog(playbookDir)
	if err != nil {
		t.Fatalf("playbooks.NewCatalog() error = %v", err)
	}

	provider := &scriptedProvider{}
	driver, err := agent.New(agent.Config{
		Provider:     provider,
		Tools:        toolReg,
		Executor:     exec,
		Tasks:        taskReg,
		Bus:          bus,
		Model:        "test-model",
		PollInterval: 5 * time.Millisecond,
		TaskWait:     10 * time.Second,
		LLMTimeout:   10 * time.Second,
	})
	if err != nil {
		t.Fatalf("agent.New() error = %v", err)
	}

	// The scheduler's runner is the server itself; the closure is bound
	// before the server exists and fires long after.
	var srv *Server
	schedStore, err := scheduler.NewStore(filepath.Join(dataDir, "schedules.json"))
	if err != nil {
		t.Fatalf("scheduler.NewStore() error = %v", err)
	}
	sched, err := scheduler.New(schedStore, scheduler.RunnerFunc(
		func(ctx context.Context, job models.ScheduledJob) (string, models.TaskStatus, error) {
			return srv.RunScheduled(ctx, job)
		}))
	if err != nil {
		t.Fatalf("scheduler.New() error = %v", err)
	}

	cfg := Config{
		Sessions:     store,
		Tasks:        taskReg,
		Executor:     exec,
		Tools:        toolReg,
		Bus:          bus,
		Driver:       driver,
		Scheduler:    sched,
		Clients:      clientMgr,
		Settings:     settingsStore,
		Playbooks:    catalog,
		PollInterval: 5 * time.Millisecond,
	}
	for _, tweak := range tweaks {
		tweak(&cfg)
	}

	srv, err = New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	web := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		web.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		exec.Shutdown(ctx)
	})

	return &testServer{
		srv:       srv,
		web:       web,
		provider:  provider,
		sessions:  store,
		tasks:     taskReg,
		exec:      exec,
		tools:     toolReg,
		bus:       bus,
		clients:   clientMgr,
		scheduler: sched,
		settings:  settingsStore,
		playbooks: catalog,
		dataDir:   dataDir,
	}
}

// withAuth equips the config with a JWT service and a user manager whose
// admin password is fixed.
func withAuth(t *testing.T) func(*Config) {
	t.Helper()
	return func(cfg *Config) {
		mgr, err := users.NewManager(filepath.Join(t.TempDir(), "users.json"),
			users.WithAdminPassword("hunter2-hunter2"))
		if err != nil {
			t.Fatalf("users.NewManager() error = %v", err)
		}
		cfg.Users = mgr
		cfg.Auth = auth.NewService("test-secret", time.Hour)
	}
}

func (ts *testServer) url(path string) string {
	return ts.web.URL + path
}

// request sends a JSON request and decodes the JSON response body into a
// generic map.
func (ts *testServer) request(t *testing.T, method, path string, body any, headers map[string]string) (int, map[string]any) {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.url(path), reqBody)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := ts.web.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var decoded map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("decode response %q: %v", data, err)
		}
	}
	return resp.StatusCode, decoded
}

func (ts *testServer) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	return ts.request(t, http.MethodGet, path, nil, nil)
}

func (ts *testServer) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	return ts.request(t, http.MethodPost, path, body, nil)
}

func (ts *testServer) put(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	return ts.request(t, http.MethodPut, path, body, nil)
}

func (ts *testServer) delete(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	return ts.request(t, http.MethodDelete, path, nil, nil)
}

// mkSession creates a session through the API and returns its id.
func (ts *testServer) mkSession(t *testing.T, name string, scope []string) string {
	t.Helper()
	status, body := ts.post(t, "/api/sessions", map[string]any{
		"name":         name,
		"target_scope": scope,
	})
	if status != http.StatusCreated {
		t.Fatalf("create session status = %d, body = %v", status, body)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("create session returned no id: %v", body)
	}
	return id
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

// waitTask polls the registry until the task is terminal.
func (ts *testServer) waitTask(t *testing.T, taskID string) models.Task {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		task, ok := ts.tasks.Get(taskID)
		if ok && task.Status.Terminal() {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal state", taskID)
	return models.Task{}
}

func TestHandleRoot(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.get(t, "/")
	if status != http.StatusOK {
		t.Fatalf("GET / status = %d", status)
	}
	if body["service"] != "ptbb" || body["status"] != "ok" {
		t.Fatalf("GET / body = %v", body)
	}

	status, body = ts.get(t, "/definitely-not-a-route")
	if status != http.StatusNotFound {
		t.Fatalf("unknown path status = %d", status)
	}
	if body["error"] == "" {
		t.Fatalf("unknown path body = %v", body)
	}
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t)
	status, body := ts.get(t, "/health")
	if status != http.StatusOK {
		t.Fatalf("GET /health status = %d", status)
	}
	if body["status"] != "ok" {
		t.Fatalf("GET /health body = %v", body)
	}
}

func TestServerRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("New() with empty config should fail")
	}
}

func TestStartAndShutdown(t *testing.T) {
	ts := newTestServer(t)
	srv := ts.srv

	// Re-point at an ephemeral port and run the real listener path.
	srv.addr = "127.0.0.1:0"
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	addr := srv.Addr()
	if addr == "" || strings.HasSuffix(addr, ":0") {
		t.Fatalf("Addr() = %q, want a bound port", addr)
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
	if err != nil {
		t.Fatalf("GET /health on live listener: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("live /health status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestShiftPath(t *testing.T) {
	cases := []struct {
		in        string
		segment   string
		remainder string
	}{
		{"", "", ""},
		{"abc", "abc", ""},
		{"/abc", "abc", ""},
		{"abc/def", "abc", "def"},
		{"/abc/def/ghi", "abc", "def/ghi"},
	}
	for _, tc := range cases {
		seg, rest := shiftPath(tc.in)
		if seg != tc.segment || rest != tc.remainder {
			t.Errorf("shiftPath(%q) = (%q, %q), want (%q, %q)", tc.in, seg, rest, tc.segment, tc.remainder)
		}
	}
}

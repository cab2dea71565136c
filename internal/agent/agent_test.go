package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jsarkisian/PTBudgetBuster/internal/events"
	"github.com/jsarkisian/PTBudgetBuster/internal/executor"
	"github.com/jsarkisian/PTBudgetBuster/internal/sessions"
	"github.com/jsarkisian/PTBudgetBuster/internal/tasks"
	"github.com/jsarkisian/PTBudgetBuster/internal/tooldefs"
)

const agentTestCatalog = `tools:
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

// fakeProvider replays a scripted sequence of replies and records every
// request it saw. An exhausted script falls back to a plain text reply so a
// miscounted test fails on assertions instead of hanging.
type fakeProvider struct {
	mu       sync.Mutex
	requests []Request
	script   []fakeReply
}

type fakeReply struct {
	resp Response
	err  error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(_ context.Context, req Request) (Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.script) == 0 {
		return textResponse("ok"), nil
	}
	next := f.script[0]
	f.script = f.script[1:]
	return next.resp, next.err
}

func (f *fakeProvider) calls() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.requests))
	copy(out, f.requests)
	return out
}

func textResponse(text string) Response {
	return Response{Blocks: []Block{TextBlock(text)}, StopReason: "end_turn"}
}

func toolUseResponse(texts []string, id, name string, input map[string]any) Response {
	resp := Response{StopReason: "tool_use"}
	for _, t := range texts {
		resp.Blocks = append(resp.Blocks, TextBlock(t))
	}
	raw, _ := json.Marshal(input)
	resp.Blocks = append(resp.Blocks, ToolUseBlock(id, name, input, raw))
	return resp
}

// captureSender records every frame broadcast to it.
type captureSender struct {
	mu     sync.Mutex
	frames []events.Payload
}

func (c *captureSender) Send(p events.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, p)
	return nil
}

func (c *captureSender) byType(eventType string) []events.Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Payload
	for _, f := range c.frames {
		if f["type"] == eventType {
			out = append(out, f)
		}
	}
	return out
}

func (c *captureSender) waitFor(t *testing.T, eventType string, timeout time.Duration) events.Payload {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if frames := c.byType(eventType); len(frames) > 0 {
			return frames[0]
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s frame", eventType)
	return nil
}

type testEnv struct {
	driver  *Driver
	sess    *sessions.Session
	sender  *captureSender
	bus     *events.Bus
	tasks   *tasks.Registry
	exec    *executor.Executor
	dataDir string
}

func newTestEnv(t *testing.T, provider Provider, tweaks ...func(*Config)) *testEnv {
	t.Helper()

	dataDir := t.TempDir()
	catalogPath := filepath.Join(t.TempDir(), "tool_definitions.yaml")
	if err := os.WriteFile(catalogPath, []byte(agentTestCatalog), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	toolReg, err := tooldefs.NewRegistry(catalogPath)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	taskReg := tasks.NewRegistry()
	exec := executor.NewExecutor(taskReg, dataDir)
	bus := events.NewBus()

	store, err := sessions.NewStore(dataDir)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	sess, err := store.Create("acme-web", []string{"example.com"}, "", "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	sender := &captureSender{}
	bus.Subscribe(sess.ID(), "tester", sender)

	cfg := Config{
		Provider:             provider,
		Tools:                toolReg,
		Executor:             exec,
		Tasks:                taskReg,
		Bus:                  bus,
		Model:                "test-model",
		PollInterval:         5 * time.Millisecond,
		TaskWait:             10 * time.Second,
		ExecTimeout:          10 * time.Second,
		LLMTimeout:           10 * time.Second,
		StepApprovalTimeout:  time.Second,
		ScopeApprovalTimeout: time.Second,
	}
	for _, tweak := range tweaks {
		tweak(&cfg)
	}

	driver, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		exec.Shutdown(ctx)
	})

	return &testEnv{
		driver:  driver,
		sess:    sess,
		sender:  sender,
		bus:     bus,
		tasks:   taskReg,
		exec:    exec,
		dataDir: dataDir,
	}
}

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

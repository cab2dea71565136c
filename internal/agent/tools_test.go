package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

func TestToolSchemas(t *testing.T) {
	schemas := toolSchemas([]string{"nmap", "subfinder", "bash"})
	if len(schemas) != 5 {
		t.Fatalf("schemas = %d, want 5", len(schemas))
	}
	if schemas[0].Name != ToolExecuteTool {
		t.Errorf("first schema = %q, want execute_tool", schemas[0].Name)
	}
	if !strings.Contains(schemas[0].Description, "nmap, subfinder, bash") {
		t.Errorf("execute_tool description missing catalog: %q", schemas[0].Description)
	}
	for _, s := range schemas {
		if s.InputSchema == nil {
			t.Errorf("schema %s has nil input schema", s.Name)
		}
	}
}

func TestValidateToolInput(t *testing.T) {
	tests := []struct {
		name    string
		tool    string
		input   string
		wantErr bool
	}{
		{"valid execute_tool", ToolExecuteTool, `{"tool":"nmap","parameters":{"target":"example.com"}}`, false},
		{"execute_tool missing parameters", ToolExecuteTool, `{"tool":"nmap"}`, true},
		{"valid bash", ToolExecuteBash, `{"command":"id"}`, false},
		{"bash command wrong type", ToolExecuteBash, `{"command":42}`, true},
		{"valid finding", ToolRecordFinding, `{"severity":"high","title":"t","description":"d"}`, false},
		{"finding bad severity", ToolRecordFinding, `{"severity":"urgent","title":"t","description":"d"}`, true},
		{"finding missing title", ToolRecordFinding, `{"severity":"low","description":"d"}`, true},
		{"valid read_file", ToolReadFile, `{"path":"abc/scan.txt"}`, false},
		{"valid add_to_scope", ToolAddToScope, `{"hosts":["a.example.com"],"reason":"subdomain"}`, false},
		{"add_to_scope hosts wrong type", ToolAddToScope, `{"hosts":"a.example.com"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateToolInput(tt.tool, json.RawMessage(tt.input), nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateToolInput() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if err := validateToolInput("bogus", json.RawMessage(`{}`), nil); err == nil {
		t.Error("unknown tool expected error")
	}
}

func TestExecuteToolCall_UnknownTool(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{})
	block := ToolUseBlock("tu", "teleport", map[string]any{}, json.RawMessage(`{}`))
	if got := env.driver.executeToolCall(context.Background(), env.sess, block, nil); got != "Unknown tool" {
		t.Errorf("result = %q, want Unknown tool", got)
	}
}

func TestExecuteToolCall_InvalidInput(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{})
	input := map[string]any{"severity": "high", "description": "d"}
	block := ToolUseBlock("tu", ToolRecordFinding, input, mustRaw(t, input))
	got := env.driver.executeToolCall(context.Background(), env.sess, block, nil)
	if !strings.HasPrefix(got, "Invalid input for record_finding") {
		t.Errorf("result = %q", got)
	}
	if len(env.sess.Findings()) != 0 {
		t.Error("invalid input recorded a finding")
	}
}

func TestExecuteToolCall_ScopeViolation(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{})

	input := map[string]any{
		"tool":       "lister",
		"parameters": map[string]any{"target": "10.99.99.99"},
	}
	block := ToolUseBlock("tu", ToolExecuteTool, input, mustRaw(t, input))
	got := env.driver.executeToolCall(context.Background(), env.sess, block, nil)

	if !strings.Contains(got, "SCOPE VIOLATION") {
		t.Errorf("result = %q, want scope violation message", got)
	}
	if !strings.Contains(got, "10.99.99.99") {
		t.Errorf("violation message missing target: %q", got)
	}
	if tasks := env.tasks.List(); len(tasks) != 0 {
		t.Errorf("blocked call still spawned tasks: %+v", tasks)
	}

	events := env.sess.Record().Events
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Type != models.EventToolResult || events[0].Data["status"] != "blocked" {
		t.Errorf("violation event = %+v", events[0])
	}
}

func TestExecuteToolCall_CatalogTool(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{})

	input := map[string]any{
		"tool":       "lister",
		"parameters": map[string]any{"target": "example.com"},
	}
	block := ToolUseBlock("tu", ToolExecuteTool, input, mustRaw(t, input))
	got := env.driver.executeToolCall(context.Background(), env.sess, block, nil)

	if !strings.HasPrefix(got, "Status: completed\nOutput:\n") {
		t.Errorf("result = %q", got)
	}
	if !strings.Contains(got, "example.com") {
		t.Errorf("result missing tool output: %q", got)
	}

	var types []string
	for _, ev := range env.sess.Record().Events {
		types = append(types, ev.Type)
	}
	if len(types) != 2 || types[0] != models.EventToolExec || types[1] != models.EventToolResult {
		t.Errorf("event types = %v", types)
	}

	start := env.sender.waitFor(t, models.EventToolStart, time.Second)
	if start["tool"] != "lister" {
		t.Errorf("tool_start frame = %v", start)
	}
	result := env.sender.waitFor(t, models.EventToolResult, time.Second)
	payload, ok := result["result"].(map[string]any)
	if !ok {
		t.Fatalf("tool_result frame = %v", result)
	}
	if payload["status"] != string(models.TaskCompleted) {
		t.Errorf("result status = %v", payload["status"])
	}
	if _, ok := payload["parameters"]; !ok {
		t.Error("tool_result frame missing parameters")
	}
}

func TestExecuteToolCall_BashDetokenizes(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{})
	env.sess.SetScope(nil)

	token := env.sess.Vault().Put("sup3r-s3cret")
	input := map[string]any{"command": "echo " + token}
	block := ToolUseBlock("tu", ToolExecuteBash, input, mustRaw(t, input))
	got := env.driver.executeToolCall(context.Background(), env.sess, block, nil)

	if !strings.HasPrefix(got, "Output:\n") {
		t.Errorf("result = %q", got)
	}
	// The subprocess saw the real value, not the token.
	if !strings.Contains(got, "sup3r-s3cret") {
		t.Errorf("bash did not receive detokenized command: %q", got)
	}

	var bashEvents []models.Event
	for _, ev := range env.sess.Record().Events {
		if ev.Type == models.EventBashExec || ev.Type == models.EventBashResult {
			bashEvents = append(bashEvents, ev)
		}
	}
	if len(bashEvents) != 2 {
		t.Fatalf("bash events = %d, want 2", len(bashEvents))
	}
	// The logged command stays tokenized.
	if cmd, _ := bashEvents[0].Data["command"].(string); strings.Contains(cmd, "sup3r-s3cret") {
		t.Errorf("bash_exec event leaked the secret: %q", cmd)
	}
}

func TestExecuteToolCall_ReadFile(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{})

	taskDir := filepath.Join(env.dataDir, "tasks", "abc12345")
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(taskDir, "scan.txt"), []byte("80/tcp open"), 0o644); err != nil {
		t.Fatal(err)
	}

	read := func(path string) string {
		input := map[string]any{"path": path}
		block := ToolUseBlock("tu", ToolReadFile, input, mustRaw(t, input))
		return env.driver.executeToolCall(context.Background(), env.sess, block, nil)
	}

	if got := read("abc12345/scan.txt"); got != "80/tcp open" {
		t.Errorf("read = %q", got)
	}
	if got := read("abc12345/missing.txt"); got != "Error reading file: not found" {
		t.Errorf("missing read = %q", got)
	}
	if got := read("../" + env.sess.ID() + ".json"); !strings.HasPrefix(got, "Error reading file:") {
		t.Errorf("traversal read = %q", got)
	}
}

func TestExecuteToolCall_AddToScopeApproved(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{})

	input := map[string]any{
		"hosts":  []any{"api.example.com"},
		"reason": "subdomain of the in-scope root",
	}
	block := ToolUseBlock("tu", ToolAddToScope, input, mustRaw(t, input))

	resultCh := make(chan string, 1)
	go func() {
		resultCh <- env.driver.executeToolCall(context.Background(), env.sess, block, nil)
	}()

	pending := env.sender.waitFor(t, models.EventScopeAdditionPending, time.Second)
	approvalID, _ := pending["approval_id"].(string)
	if approvalID == "" {
		t.Fatalf("scope_addition_pending frame = %v", pending)
	}
	if _, err := env.sess.ResolveScopeApproval(approvalID, true); err != nil {
		t.Fatalf("ResolveScopeApproval() error = %v", err)
	}

	var result string
	select {
	case result = <-resultCh:
	case <-time.After(2 * time.Second):
		t.Fatal("add_to_scope did not return")
	}

	if !strings.Contains(result, "Scope updated. Added: api.example.com") {
		t.Errorf("result = %q", result)
	}
	scope := env.sess.Scope()
	if len(scope) != 2 || scope[1] != "api.example.com" {
		t.Errorf("scope = %v", scope)
	}

	updated := env.sender.waitFor(t, models.EventScopeUpdated, time.Second)
	if updated["reason"] != "subdomain of the in-scope root" {
		t.Errorf("scope_updated frame = %v", updated)
	}
}

func TestExecuteToolCall_AddToScopeRejected(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{})

	input := map[string]any{"hosts": []any{"evil.example.net"}}
	block := ToolUseBlock("tu", ToolAddToScope, input, mustRaw(t, input))

	resultCh := make(chan string, 1)
	go func() {
		resultCh <- env.driver.executeToolCall(context.Background(), env.sess, block, nil)
	}()

	pending := env.sender.waitFor(t, models.EventScopeAdditionPending, time.Second)
	approvalID, _ := pending["approval_id"].(string)
	if _, err := env.sess.ResolveScopeApproval(approvalID, false); err != nil {
		t.Fatalf("ResolveScopeApproval() error = %v", err)
	}

	var result string
	select {
	case result = <-resultCh:
	case <-time.After(2 * time.Second):
		t.Fatal("add_to_scope did not return")
	}

	if !strings.Contains(result, "rejected by the tester") {
		t.Errorf("result = %q", result)
	}
	if scope := env.sess.Scope(); len(scope) != 1 {
		t.Errorf("scope grew after rejection: %v", scope)
	}
}

func TestExecuteToolCall_AddToScopeTimeout(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{}, func(cfg *Config) {
		cfg.ScopeApprovalTimeout = 30 * time.Millisecond
	})

	input := map[string]any{"hosts": []any{"late.example.com"}}
	block := ToolUseBlock("tu", ToolAddToScope, input, mustRaw(t, input))
	result := env.driver.executeToolCall(context.Background(), env.sess, block, nil)

	if !strings.Contains(result, "timed out") {
		t.Errorf("result = %q", result)
	}
	pending := env.sender.waitFor(t, models.EventScopeAdditionPending, time.Second)
	if id, _ := pending["approval_id"].(string); id != "" {
		if _, ok := env.sess.ScopeApprovalByID(id); ok {
			t.Error("stale scope approval left behind")
		}
	}
}

func TestExecuteToolCall_EmptyHosts(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{})
	input := map[string]any{"hosts": []any{}}
	block := ToolUseBlock("tu", ToolAddToScope, input, mustRaw(t, input))
	if got := env.driver.executeToolCall(context.Background(), env.sess, block, nil); got != "No hosts provided for scope addition" {
		t.Errorf("result = %q", got)
	}
}

func TestClip(t *testing.T) {
	if got := clip("abcdef", 4); got != "abcd" {
		t.Errorf("clip = %q", got)
	}
	if got := clip("ab", 4); got != "ab" {
		t.Errorf("clip = %q", got)
	}
}

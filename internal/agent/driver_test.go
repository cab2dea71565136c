package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jsarkisian/PTBudgetBuster/internal/redact"
	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New(empty) expected error")
	}

	env := newTestEnv(t, &fakeProvider{})
	if env.driver.maxTokens != DefaultMaxTokens {
		t.Errorf("maxTokens = %d, want default %d", env.driver.maxTokens, DefaultMaxTokens)
	}
	if env.driver.historyWindow != DefaultHistoryWindow {
		t.Errorf("historyWindow = %d, want default %d", env.driver.historyWindow, DefaultHistoryWindow)
	}
	if got := env.driver.approvalMode(); got != models.ApprovalManual {
		t.Errorf("approvalMode() = %q, want manual default", got)
	}
}

func TestChat_TextReply(t *testing.T) {
	provider := &fakeProvider{script: []fakeReply{
		{resp: textResponse("Hello! Ready to help with the engagement.")},
	}}
	env := newTestEnv(t, provider)

	res, err := env.driver.Chat(context.Background(), env.sess, "hello", "alice")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if res.Content != "Hello! Ready to help with the engagement." {
		t.Errorf("Content = %q", res.Content)
	}
	if res.ToolCalls == nil || len(res.ToolCalls) != 0 {
		t.Errorf("ToolCalls = %#v, want empty non-nil", res.ToolCalls)
	}

	msgs := env.sess.ChatHistory(0)
	if len(msgs) != 2 {
		t.Fatalf("history = %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "hello" || msgs[0].User != "alice" {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != res.Content {
		t.Errorf("assistant message = %+v", msgs[1])
	}

	reqs := provider.calls()
	if len(reqs) != 1 {
		t.Fatalf("provider calls = %d, want 1", len(reqs))
	}
	req := reqs[0]
	if !strings.Contains(req.System, "Current Engagement Context") {
		t.Error("system prompt missing engagement context header")
	}
	if !strings.Contains(req.System, "TARGET SCOPE: example.com") {
		t.Errorf("system prompt missing scope, got tail %q", req.System[len(req.System)-200:])
	}
	if len(req.Tools) != 5 {
		t.Errorf("tools sent = %d, want 5", len(req.Tools))
	}
	last := req.Turns[len(req.Turns)-1]
	if last.Role != RoleUser || last.Blocks[0].Text != "hello" {
		t.Errorf("last turn = %+v", last)
	}

	frames := env.sender.byType(models.EventChatMessage)
	if len(frames) != 1 {
		t.Fatalf("chat_message frames = %d, want 1", len(frames))
	}
	if frames[0]["role"] != "assistant" || frames[0]["content"] != res.Content {
		t.Errorf("chat_message frame = %v", frames[0])
	}
}

func TestChat_AgenticToolLoop(t *testing.T) {
	input := map[string]any{
		"severity":    "high",
		"title":       "SQLi in login form",
		"description": "Boolean-based SQL injection in the username field.",
	}
	provider := &fakeProvider{script: []fakeReply{
		{resp: toolUseResponse([]string{"Recording the finding."}, "tu_1", ToolRecordFinding, input)},
		{resp: textResponse("Recorded the SQL injection finding.")},
	}}
	env := newTestEnv(t, provider)

	res, err := env.driver.Chat(context.Background(), env.sess, "log that sqli", "alice")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if want := "Recording the finding.\nRecorded the SQL injection finding."; res.Content != want {
		t.Errorf("Content = %q, want %q", res.Content, want)
	}
	if len(res.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(res.ToolCalls))
	}
	call := res.ToolCalls[0]
	if call.Tool != ToolRecordFinding {
		t.Errorf("call.Tool = %q", call.Tool)
	}
	if want := "Finding recorded: [HIGH] SQLi in login form"; call.ResultPreview != want {
		t.Errorf("ResultPreview = %q, want %q", call.ResultPreview, want)
	}

	findings := env.sess.Findings()
	if len(findings) != 1 || findings[0].Severity != "high" {
		t.Fatalf("findings = %+v", findings)
	}
	if len(env.sender.byType(models.EventNewFinding)) != 1 {
		t.Error("new_finding frame missing")
	}

	// The second request must carry the tool exchange back to the model.
	reqs := provider.calls()
	if len(reqs) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(reqs))
	}
	turns := reqs[1].Turns
	resultTurn := turns[len(turns)-1]
	if resultTurn.Role != RoleUser {
		t.Fatalf("last turn role = %q, want user", resultTurn.Role)
	}
	block := resultTurn.Blocks[0]
	if block.Type != BlockToolResult || block.ToolUseID != "tu_1" {
		t.Errorf("tool result block = %+v", block)
	}
	if !strings.Contains(block.Content, "Finding recorded") {
		t.Errorf("tool result content = %q", block.Content)
	}
	assistantTurn := turns[len(turns)-2]
	if assistantTurn.Role != RoleAssistant || assistantTurn.Blocks[1].Type != BlockToolUse {
		t.Errorf("assistant turn = %+v", assistantTurn)
	}
}

func TestChat_TokenizesCredentials(t *testing.T) {
	provider := &fakeProvider{script: []fakeReply{
		{resp: textResponse("Understood.")},
	}}
	env := newTestEnv(t, provider)

	_, err := env.driver.Chat(context.Background(), env.sess,
		"try ssh with password=hunter2 against the bastion", "alice")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if env.sess.Vault().Len() != 1 {
		t.Fatalf("vault size = %d, want 1", env.sess.Vault().Len())
	}
	msgs := env.sess.ChatHistory(0)
	if strings.Contains(msgs[0].Content, "hunter2") {
		t.Errorf("history kept raw credential: %q", msgs[0].Content)
	}
	if !strings.Contains(msgs[0].Content, "[[__CRED_") {
		t.Errorf("history missing token: %q", msgs[0].Content)
	}

	for _, req := range provider.calls() {
		if strings.Contains(req.System, "hunter2") {
			t.Error("raw credential leaked into system prompt")
		}
		for _, turn := range req.Turns {
			for _, b := range turn.Blocks {
				if strings.Contains(b.Text, "hunter2") || strings.Contains(b.Content, "hunter2") {
					t.Errorf("raw credential leaked in %s turn: %+v", turn.Role, b)
				}
			}
		}
	}
}

func TestChat_ProviderError(t *testing.T) {
	provider := &fakeProvider{script: []fakeReply{
		{err: errors.New("rate_limit exceeded")},
	}}
	env := newTestEnv(t, provider)

	if _, err := env.driver.Chat(context.Background(), env.sess, "hello", "alice"); err == nil {
		t.Fatal("Chat() expected error")
	}

	// The operator message survives; no assistant reply is fabricated.
	msgs := env.sess.ChatHistory(0)
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Errorf("history = %+v, want the lone user message", msgs)
	}
	if frames := env.sender.byType(models.EventChatMessage); len(frames) != 0 {
		t.Errorf("chat_message frames = %d, want 0", len(frames))
	}
}

func TestHistoryTurns(t *testing.T) {
	tests := []struct {
		name      string
		msgs      []models.Message
		latest    string
		wantRoles []string
		wantLast  string
	}{
		{
			name:      "empty history seeds the latest message",
			latest:    "hi",
			wantRoles: []string{RoleUser},
			wantLast:  "hi",
		},
		{
			name: "alternating history appends latest",
			msgs: []models.Message{
				{Role: "user", Content: "scan example.com"},
				{Role: "assistant", Content: "Done."},
			},
			latest:    "now check ports",
			wantRoles: []string{RoleUser, RoleAssistant, RoleUser},
			wantLast:  "now check ports",
		},
		{
			name: "history already ending with latest is not duplicated",
			msgs: []models.Message{
				{Role: "user", Content: "scan example.com"},
				{Role: "assistant", Content: "Done."},
				{Role: "user", Content: "now check ports"},
			},
			latest:    "now check ports",
			wantRoles: []string{RoleUser, RoleAssistant, RoleUser},
			wantLast:  "now check ports",
		},
		{
			name: "consecutive same-role messages merge into one turn",
			msgs: []models.Message{
				{Role: "user", Content: "first"},
				{Role: "user", Content: "second"},
			},
			latest:    "third",
			wantRoles: []string{RoleUser},
			wantLast:  "third",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			turns := historyTurns(tt.msgs, tt.latest)
			if len(turns) != len(tt.wantRoles) {
				t.Fatalf("turns = %d, want %d (%+v)", len(turns), len(tt.wantRoles), turns)
			}
			for i, role := range tt.wantRoles {
				if turns[i].Role != role {
					t.Errorf("turn[%d].Role = %q, want %q", i, turns[i].Role, role)
				}
			}
			last := turns[len(turns)-1]
			if got := last.Blocks[len(last.Blocks)-1].Text; got != tt.wantLast {
				t.Errorf("last block = %q, want %q", got, tt.wantLast)
			}
		})
	}
}

func TestScrubTurns(t *testing.T) {
	vault := redact.NewVault()
	token := vault.Put("s3cr3t-pass")

	turns := []Turn{
		UserText("use s3cr3t-pass on the bastion"),
		{Role: RoleUser, Blocks: []Block{ToolResultBlock("tu_1", "output shows s3cr3t-pass in cleartext", false)}},
	}
	scrubbed := scrubTurns(vault, turns)

	if got := scrubbed[0].Blocks[0].Text; got != "use "+token+" on the bastion" {
		t.Errorf("scrubbed text = %q", got)
	}
	if got := scrubbed[1].Blocks[0].Content; strings.Contains(got, "s3cr3t-pass") {
		t.Errorf("scrubbed tool result still leaks: %q", got)
	}
	// Originals untouched.
	if !strings.Contains(turns[0].Blocks[0].Text, "s3cr3t-pass") {
		t.Error("scrubTurns mutated its input")
	}
}

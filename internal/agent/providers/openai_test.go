package providers

import (
	"encoding/json"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/jsarkisian/PTBudgetBuster/internal/agent"
)

func TestNewOpenAI(t *testing.T) {
	if _, err := NewOpenAI(Config{}); err == nil {
		t.Error("expected error for missing API key")
	}

	p, err := NewOpenAI(Config{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.model != DefaultOpenAIModel {
		t.Errorf("model = %q, want default", p.model)
	}
	if p.maxRetries <= 0 || p.retryDelay <= 0 {
		t.Error("retry settings should have default values")
	}

	p, err = NewOpenAI(Config{APIKey: "sk-test", BaseURL: "https://gateway.example.com/v1"})
	if err != nil {
		t.Fatalf("unexpected error with base URL: %v", err)
	}
	if p.client == nil {
		t.Fatal("expected client for base URL config")
	}
}

func TestConvertToChatMessages(t *testing.T) {
	raw := json.RawMessage(`{"tool":"nmap","parameters":{"target":"example.com"}}`)
	req := agent.Request{
		System: "You are a penetration tester.",
		Turns: []agent.Turn{
			agent.UserText("scan the target"),
			{Role: agent.RoleAssistant, Blocks: []agent.Block{
				agent.TextBlock("Scanning now."),
				agent.ToolUseBlock("call_1", "execute_tool", map[string]any{"tool": "nmap"}, raw),
			}},
			{Role: agent.RoleUser, Blocks: []agent.Block{
				agent.ToolResultBlock("call_1", "80/tcp open", false),
				agent.TextBlock("keep going"),
			}},
		},
	}

	msgs := convertToChatMessages(req)
	if len(msgs) != 5 {
		t.Fatalf("messages = %d, want 5", len(msgs))
	}

	wantRoles := []string{
		openai.ChatMessageRoleSystem,
		openai.ChatMessageRoleUser,
		openai.ChatMessageRoleAssistant,
		openai.ChatMessageRoleTool,
		openai.ChatMessageRoleUser,
	}
	for i, want := range wantRoles {
		if msgs[i].Role != want {
			t.Errorf("message %d role = %q, want %q", i, msgs[i].Role, want)
		}
	}

	if msgs[0].Content != "You are a penetration tester." {
		t.Errorf("system content = %q", msgs[0].Content)
	}

	assistant := msgs[2]
	if assistant.Content != "Scanning now." {
		t.Errorf("assistant content = %q", assistant.Content)
	}
	if len(assistant.ToolCalls) != 1 {
		t.Fatalf("assistant tool calls = %d, want 1", len(assistant.ToolCalls))
	}
	call := assistant.ToolCalls[0]
	if call.ID != "call_1" || call.Type != openai.ToolTypeFunction {
		t.Errorf("tool call = %+v", call)
	}
	if call.Function.Name != "execute_tool" {
		t.Errorf("function name = %q", call.Function.Name)
	}
	if call.Function.Arguments != string(raw) {
		t.Errorf("arguments = %q, want raw JSON preserved", call.Function.Arguments)
	}

	if msgs[3].ToolCallID != "call_1" || msgs[3].Content != "80/tcp open" {
		t.Errorf("tool message = %+v", msgs[3])
	}
	if msgs[4].Content != "keep going" {
		t.Errorf("trailing user content = %q", msgs[4].Content)
	}
}

func TestConvertToChatMessagesSkipsEmptyAssistant(t *testing.T) {
	req := agent.Request{
		Turns: []agent.Turn{
			{Role: agent.RoleAssistant},
			agent.UserText("hello"),
		},
	}

	msgs := convertToChatMessages(req)
	if len(msgs) != 1 || msgs[0].Role != openai.ChatMessageRoleUser {
		t.Errorf("messages = %+v, want single user message", msgs)
	}
}

func TestConvertToChatMessagesMarshalsInput(t *testing.T) {
	// No raw JSON carried: arguments come from the decoded input map.
	req := agent.Request{
		Turns: []agent.Turn{
			{Role: agent.RoleAssistant, Blocks: []agent.Block{
				agent.ToolUseBlock("call_9", "read_file", map[string]any{"path": "abc/scan.txt"}, nil),
			}},
		},
	}

	msgs := convertToChatMessages(req)
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(msgs[0].ToolCalls[0].Function.Arguments), &decoded); err != nil {
		t.Fatalf("arguments not valid JSON: %v", err)
	}
	if decoded["path"] != "abc/scan.txt" {
		t.Errorf("decoded arguments = %v", decoded)
	}
}

func TestConvertOpenAITools(t *testing.T) {
	tools := []agent.ToolSchema{
		{
			Name:        "execute_bash",
			Description: "Run a shell command",
			InputSchema: map[string]any{"type": "object"},
		},
		{Name: "bare"},
	}

	out := convertOpenAITools(tools)
	if len(out) != 2 {
		t.Fatalf("tools = %d, want 2", len(out))
	}
	if out[0].Type != openai.ToolTypeFunction {
		t.Errorf("tool type = %v", out[0].Type)
	}
	if out[0].Function.Name != "execute_bash" || out[0].Function.Description != "Run a shell command" {
		t.Errorf("function = %+v", out[0].Function)
	}

	// Nil schema degrades to an empty object schema.
	params, ok := out[1].Function.Parameters.(map[string]any)
	if !ok || params["type"] != "object" {
		t.Errorf("bare tool parameters = %v", out[1].Function.Parameters)
	}
}

func TestParseChatResponse(t *testing.T) {
	resp := openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{
				FinishReason: openai.FinishReasonToolCalls,
				Message: openai.ChatCompletionMessage{
					Role:    "assistant",
					Content: "Checking the target.",
					ToolCalls: []openai.ToolCall{
						{
							ID:   "call_7",
							Type: openai.ToolTypeFunction,
							Function: openai.FunctionCall{
								Name:      "execute_bash",
								Arguments: `{"command":"id"}`,
							},
						},
					},
				},
			},
		},
		Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}

	out := parseChatResponse(resp)
	if out.StopReason != "tool_use" {
		t.Errorf("stop reason = %q, want tool_use", out.StopReason)
	}
	if out.InputTokens != 10 || out.OutputTokens != 5 {
		t.Errorf("usage = %d/%d", out.InputTokens, out.OutputTokens)
	}
	if len(out.Blocks) != 2 {
		t.Fatalf("blocks = %d, want 2", len(out.Blocks))
	}
	if out.Blocks[0].Type != agent.BlockText || out.Blocks[0].Text != "Checking the target." {
		t.Errorf("text block = %+v", out.Blocks[0])
	}

	tool := out.Blocks[1]
	if tool.Type != agent.BlockToolUse || tool.ID != "call_7" || tool.Name != "execute_bash" {
		t.Errorf("tool block = %+v", tool)
	}
	if tool.Input["command"] != "id" {
		t.Errorf("tool input = %v", tool.Input)
	}
	if string(tool.Raw) != `{"command":"id"}` {
		t.Errorf("tool raw = %s", tool.Raw)
	}
}

func TestParseChatResponseStopReasons(t *testing.T) {
	tests := []struct {
		finish openai.FinishReason
		want   string
	}{
		{openai.FinishReasonStop, "end_turn"},
		{openai.FinishReasonLength, "max_tokens"},
		{openai.FinishReasonToolCalls, "tool_use"},
	}

	for _, tt := range tests {
		resp := openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{FinishReason: tt.finish, Message: openai.ChatCompletionMessage{Content: "x"}},
			},
		}
		if out := parseChatResponse(resp); out.StopReason != tt.want {
			t.Errorf("finish %q: stop reason = %q, want %q", tt.finish, out.StopReason, tt.want)
		}
	}
}

func TestParseChatResponseBadArguments(t *testing.T) {
	resp := openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{
				FinishReason: openai.FinishReasonToolCalls,
				Message: openai.ChatCompletionMessage{
					ToolCalls: []openai.ToolCall{
						{
							ID:       "call_1",
							Type:     openai.ToolTypeFunction,
							Function: openai.FunctionCall{Name: "execute_bash", Arguments: "not json"},
						},
					},
				},
			},
		},
	}

	out := parseChatResponse(resp)
	if len(out.Blocks) != 1 {
		t.Fatalf("blocks = %d, want 1", len(out.Blocks))
	}
	if out.Blocks[0].Input == nil || len(out.Blocks[0].Input) != 0 {
		t.Errorf("input = %v, want empty map", out.Blocks[0].Input)
	}
	if string(out.Blocks[0].Raw) != "not json" {
		t.Errorf("raw = %q, want original arguments preserved", out.Blocks[0].Raw)
	}
}

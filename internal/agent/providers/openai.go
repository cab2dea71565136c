package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/jsarkisian/PTBudgetBuster/internal/agent"
)

// DefaultOpenAIModel is used when neither configuration nor request names
// a model.
const DefaultOpenAIModel = "gpt-4o"

// OpenAI speaks the OpenAI chat-completions API, which also covers
// OpenAI-compatible gateways via BaseURL.
type OpenAI struct {
	client     *openai.Client
	model      string
	maxRetries int
	retryDelay time.Duration
}

// NewOpenAI creates an OpenAI provider.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}

	var client *openai.Client
	if cfg.BaseURL != "" {
		clientCfg := openai.DefaultConfig(cfg.APIKey)
		clientCfg.BaseURL = cfg.BaseURL
		client = openai.NewClientWithConfig(clientCfg)
	} else {
		client = openai.NewClient(cfg.APIKey)
	}

	p := &OpenAI{
		client:     client,
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}
	if p.model == "" {
		p.model = DefaultOpenAIModel
	}
	if p.maxRetries <= 0 {
		p.maxRetries = defaultMaxRetries
	}
	if p.retryDelay <= 0 {
		p.retryDelay = defaultRetryDelay
	}
	return p, nil
}

// Name implements agent.Provider.
func (p *OpenAI) Name() string { return ProviderOpenAI }

// Complete implements agent.Provider with linear-backoff retries.
func (p *OpenAI) Complete(ctx context.Context, req agent.Request) (agent.Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	chatReq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  convertToChatMessages(req),
		MaxTokens: req.MaxTokens,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	var resp openai.ChatCompletionResponse
	var err error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return agent.Response{}, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}
		resp, err = p.client.CreateChatCompletion(ctx, chatReq)
		if err == nil {
			break
		}
		if ctx.Err() != nil || !isRetryableError(err) {
			break
		}
	}
	if err != nil {
		return agent.Response{}, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return agent.Response{}, errors.New("openai: response contains no choices")
	}
	return parseChatResponse(resp), nil
}

// convertToChatMessages flattens block-structured turns into the completion
// message list. The system prompt leads; tool results, which Anthropic
// carries inside a user turn, become their own tool-role messages here.
func convertToChatMessages(req agent.Request) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Turns)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	for _, t := range req.Turns {
		if t.Role == agent.RoleAssistant {
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
			var texts []string
			for _, b := range t.Blocks {
				switch b.Type {
				case agent.BlockText:
					texts = append(texts, b.Text)
				case agent.BlockToolUse:
					args := string(b.Raw)
					if args == "" {
						if raw, err := json.Marshal(b.Input); err == nil {
							args = string(raw)
						}
					}
					msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
						ID:   b.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      b.Name,
							Arguments: args,
						},
					})
				}
			}
			msg.Content = strings.Join(texts, "\n")
			if msg.Content == "" && len(msg.ToolCalls) == 0 {
				continue
			}
			msgs = append(msgs, msg)
			continue
		}

		var texts []string
		for _, b := range t.Blocks {
			switch b.Type {
			case agent.BlockText:
				texts = append(texts, b.Text)
			case agent.BlockToolResult:
				msgs = append(msgs, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    b.Content,
					ToolCallID: b.ToolUseID,
				})
			}
		}
		if len(texts) > 0 {
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: strings.Join(texts, "\n"),
			})
		}
	}
	return msgs
}

// convertOpenAITools maps tool schemas to function-style tool definitions.
// A nil schema degrades to an empty object so the request stays valid.
func convertOpenAITools(tools []agent.ToolSchema) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		params := any(t.InputSchema)
		if t.InputSchema == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// parseChatResponse maps the first choice back to agent blocks.
func parseChatResponse(resp openai.ChatCompletionResponse) agent.Response {
	choice := resp.Choices[0]

	out := agent.Response{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	switch choice.FinishReason {
	case openai.FinishReasonToolCalls:
		out.StopReason = "tool_use"
	case openai.FinishReasonLength:
		out.StopReason = "max_tokens"
	default:
		out.StopReason = "end_turn"
	}

	if choice.Message.Content != "" {
		out.Blocks = append(out.Blocks, agent.TextBlock(choice.Message.Content))
	}
	for _, call := range choice.Message.ToolCalls {
		raw := json.RawMessage(call.Function.Arguments)
		var input map[string]any
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &input); err != nil {
				input = nil
			}
		}
		if input == nil {
			input = map[string]any{}
		}
		out.Blocks = append(out.Blocks, agent.ToolUseBlock(call.ID, call.Function.Name, input, raw))
	}
	return out
}

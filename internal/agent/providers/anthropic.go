// Package providers implements the agent.Provider contract for the LLM
// backends the server can drive: Anthropic's native Messages API and
// OpenAI-compatible chat-completion endpoints.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/jsarkisian/PTBudgetBuster/internal/agent"
)

// Provider names accepted in configuration.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// DefaultAnthropicModel is used when neither configuration nor request
// names a model.
const DefaultAnthropicModel = "claude-sonnet-4-20250514"

const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
)

// Config holds the provider-independent connection settings.
type Config struct {
	// Provider selects the backend, ProviderAnthropic by default.
	Provider string

	APIKey  string
	BaseURL string
	Model   string

	MaxRetries int
	RetryDelay time.Duration
}

// New builds the configured provider.
func New(cfg Config) (agent.Provider, error) {
	switch cfg.Provider {
	case "", ProviderAnthropic:
		return NewAnthropic(cfg)
	case ProviderOpenAI:
		return NewOpenAI(cfg)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
	}
}

// Anthropic speaks the Anthropic Messages API.
type Anthropic struct {
	client     anthropic.Client
	model      string
	maxRetries int
	retryDelay time.Duration
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(cfg Config) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	p := &Anthropic{
		client:     anthropic.NewClient(opts...),
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}
	if p.model == "" {
		p.model = DefaultAnthropicModel
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
func (p *Anthropic) Name() string { return ProviderAnthropic }

// Complete implements agent.Provider with exponential-backoff retries on
// transient API failures.
func (p *Anthropic) Complete(ctx context.Context, req agent.Request) (agent.Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  convertTurns(req.Turns),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Type: "text", Text: req.System},
		}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertAnthropicTools(req.Tools)
	}

	var message *anthropic.Message
	var err error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.retryDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return agent.Response{}, ctx.Err()
			case <-time.After(delay):
			}
		}
		message, err = p.client.Messages.New(ctx, params)
		if err == nil {
			break
		}
		if ctx.Err() != nil || !isRetryableError(err) {
			break
		}
	}
	if err != nil {
		return agent.Response{}, wrapAnthropicError(err)
	}
	return parseAnthropicMessage(message), nil
}

// convertTurns maps conversation turns to Anthropic message params.
func convertTurns(turns []agent.Turn) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(t.Blocks))
		for _, b := range t.Blocks {
			switch b.Type {
			case agent.BlockText:
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			case agent.BlockToolUse:
				var input any = b.Input
				if len(b.Raw) > 0 {
					input = b.Raw
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, input, b.Name))
			case agent.BlockToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if t.Role == agent.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

// convertAnthropicTools maps tool schemas to the API's tool params. A schema
// that fails to convert is skipped rather than failing the whole request.
func convertAnthropicTools(tools []agent.ToolSchema) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		raw, err := json.Marshal(t.InputSchema)
		if err != nil {
			continue
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			continue
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			continue
		}
		if t.Description != "" {
			param.OfTool.Description = anthropic.String(t.Description)
		}
		out = append(out, param)
	}
	return out
}

// parseAnthropicMessage flattens the response content into agent blocks.
func parseAnthropicMessage(msg *anthropic.Message) agent.Response {
	resp := agent.Response{
		StopReason:   string(msg.StopReason),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text := block.AsText()
			resp.Blocks = append(resp.Blocks, agent.TextBlock(text.Text))
		case "tool_use":
			toolUse := block.AsToolUse()
			var raw json.RawMessage
			if r := toolUse.JSON.Input.Raw(); r != "" {
				raw = json.RawMessage(r)
			}
			var input map[string]any
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &input); err != nil {
					input = nil
				}
			}
			if input == nil && len(toolUse.Input) > 0 {
				var m map[string]any
				if err := json.Unmarshal(toolUse.Input, &m); err == nil {
					input = m
				}
			}
			if input == nil {
				input = map[string]any{}
			}
			resp.Blocks = append(resp.Blocks, agent.ToolUseBlock(toolUse.ID, toolUse.Name, input, raw))
		}
	}
	return resp
}

// isRetryableError reports whether the failure is worth another attempt:
// rate limits, overloads, timeouts, transient connection problems.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 408, 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate_limit", "rate limit", "429", "overloaded", "timeout", "connection"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func wrapAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("anthropic: status %d (request %s): %w", apiErr.StatusCode, apiErr.RequestID, err)
	}
	return fmt.Errorf("anthropic: %w", err)
}

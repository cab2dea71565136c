// Package agent drives the LLM side of an engagement: operator chat,
// autonomous runs with human approval gates, and the tool bridge between
// model tool calls and the subprocess executor.
//
// The driver sits on the trust boundary described by the session's
// credential vault: text leaving toward the model is tokenized and
// scrubbed, tool parameters are detokenized only at the subprocess edge,
// and tool output is redacted before it flows back into a model turn.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jsarkisian/PTBudgetBuster/internal/events"
	"github.com/jsarkisian/PTBudgetBuster/internal/executor"
	"github.com/jsarkisian/PTBudgetBuster/internal/observability"
	"github.com/jsarkisian/PTBudgetBuster/internal/redact"
	"github.com/jsarkisian/PTBudgetBuster/internal/sessions"
	"github.com/jsarkisian/PTBudgetBuster/internal/tasks"
	"github.com/jsarkisian/PTBudgetBuster/internal/tooldefs"
	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

// Driver defaults.
const (
	DefaultMaxTokens     = 4096
	DefaultHistoryWindow = 50

	defaultPollInterval         = time.Second
	defaultTaskWait             = 10 * time.Minute
	defaultLLMTimeout           = 2 * time.Minute
	defaultStepApprovalTimeout  = 10 * time.Minute
	defaultScopeApprovalTimeout = 90 * time.Second
)

// Config wires a Driver. Provider, Tools, Executor, Tasks and Bus are
// required; everything else has a default.
type Config struct {
	Provider Provider
	Tools    *tooldefs.Registry
	Executor *executor.Executor
	Tasks    *tasks.Registry
	Bus      *events.Bus

	Model         string
	MaxTokens     int
	HistoryWindow int

	PollInterval         time.Duration
	TaskWait             time.Duration
	ExecTimeout          time.Duration
	LLMTimeout           time.Duration
	StepApprovalTimeout  time.Duration
	ScopeApprovalTimeout time.Duration

	// ApprovalMode returns the current step-approval mode, one of
	// models.ApprovalManual or models.ApprovalAuto. It is read at every
	// gate so a settings change applies to the next step. Nil means
	// manual.
	ApprovalMode func() string

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Driver runs model conversations for sessions. One driver serves every
// session; per-engagement state lives on the session itself.
type Driver struct {
	logger   *slog.Logger
	provider Provider
	tools    *tooldefs.Registry
	exec     *executor.Executor
	tasks    *tasks.Registry
	bus      *events.Bus
	metrics  *observability.Metrics
	tracer   *observability.Tracer

	model         string
	maxTokens     int
	historyWindow int

	pollInterval         time.Duration
	taskWait             time.Duration
	execTimeout          time.Duration
	llmTimeout           time.Duration
	stepApprovalTimeout  time.Duration
	scopeApprovalTimeout time.Duration

	approvalMode func() string
}

// New validates cfg and builds a Driver.
func New(cfg Config) (*Driver, error) {
	if cfg.Provider == nil {
		return nil, errors.New("agent: provider is required")
	}
	if cfg.Tools == nil {
		return nil, errors.New("agent: tool registry is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("agent: executor is required")
	}
	if cfg.Tasks == nil {
		return nil, errors.New("agent: task registry is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("agent: event bus is required")
	}

	d := &Driver{
		logger:               slog.Default().With("component", "agent"),
		provider:             cfg.Provider,
		tools:                cfg.Tools,
		exec:                 cfg.Executor,
		tasks:                cfg.Tasks,
		bus:                  cfg.Bus,
		metrics:              cfg.Metrics,
		tracer:               cfg.Tracer,
		model:                cfg.Model,
		maxTokens:            cfg.MaxTokens,
		historyWindow:        cfg.HistoryWindow,
		pollInterval:         cfg.PollInterval,
		taskWait:             cfg.TaskWait,
		execTimeout:          cfg.ExecTimeout,
		llmTimeout:           cfg.LLMTimeout,
		stepApprovalTimeout:  cfg.StepApprovalTimeout,
		scopeApprovalTimeout: cfg.ScopeApprovalTimeout,
		approvalMode:         cfg.ApprovalMode,
	}
	if cfg.Logger != nil {
		d.logger = cfg.Logger.With("component", "agent")
	}
	if d.maxTokens <= 0 {
		d.maxTokens = DefaultMaxTokens
	}
	if d.historyWindow <= 0 {
		d.historyWindow = DefaultHistoryWindow
	}
	if d.pollInterval <= 0 {
		d.pollInterval = defaultPollInterval
	}
	if d.taskWait <= 0 {
		d.taskWait = defaultTaskWait
	}
	if d.execTimeout <= 0 {
		d.execTimeout = executor.DefaultTimeout
	}
	if d.llmTimeout <= 0 {
		d.llmTimeout = defaultLLMTimeout
	}
	if d.stepApprovalTimeout <= 0 {
		d.stepApprovalTimeout = defaultStepApprovalTimeout
	}
	if d.scopeApprovalTimeout <= 0 {
		d.scopeApprovalTimeout = defaultScopeApprovalTimeout
	}
	if d.approvalMode == nil {
		d.approvalMode = func() string { return models.ApprovalManual }
	}
	return d, nil
}

// ChatResult is the assistant's reply to one operator message.
type ChatResult struct {
	Content   string                `json:"response"`
	ToolCalls []models.ProposedCall `json:"tool_calls"`
}

// Chat handles one operator chat message: tokenize, log, run the agentic
// loop until the model stops calling tools, then log and broadcast the
// assistant reply. In chat mode the model acts immediately; the approval
// gate exists only for autonomous steps.
func (d *Driver) Chat(ctx context.Context, sess *sessions.Session, message, user string) (ChatResult, error) {
	tokenized := sess.Vault().Tokenize(message)
	sess.AppendMessage("user", tokenized, user)

	turns := historyTurns(sess.ChatHistory(d.historyWindow), tokenized)
	schemas := toolSchemas(d.tools.Names())

	var texts []string
	var calls []models.ProposedCall
	for {
		resp, err := d.complete(ctx, sess, turns, schemas)
		if err != nil {
			return ChatResult{}, err
		}

		assistant := Turn{Role: RoleAssistant}
		var results []Block
		for _, block := range resp.Blocks {
			switch block.Type {
			case BlockText:
				texts = append(texts, block.Text)
				assistant.Blocks = append(assistant.Blocks, block)
			case BlockToolUse:
				assistant.Blocks = append(assistant.Blocks, block)
				result := d.executeToolCall(ctx, sess, block, nil)
				calls = append(calls, models.ProposedCall{
					Tool:          block.Name,
					Input:         block.Input,
					ResultPreview: clip(result, previewLimit),
				})
				results = append(results, ToolResultBlock(block.ID, result, false))
			}
		}

		if len(assistant.Blocks) > 0 {
			turns = append(turns, assistant)
		}
		if len(results) == 0 {
			break
		}
		turns = append(turns, Turn{Role: RoleUser, Blocks: results})
	}

	content := strings.Join(texts, "\n")
	sess.AppendMessage("assistant", content, "")
	d.bus.Publish(sess.ID(), models.EventChatMessage, map[string]any{
		"role":       "assistant",
		"content":    content,
		"tool_calls": normalizeCalls(calls),
	})
	return ChatResult{Content: content, ToolCalls: normalizeCalls(calls)}, nil
}

// complete issues one guarded completion. Outbound text is scrubbed against
// the session vault first, so a secret that slipped past tokenization still
// leaves as a token.
func (d *Driver) complete(ctx context.Context, sess *sessions.Session, turns []Turn, schemas []ToolSchema) (Response, error) {
	req := Request{
		Model:     d.model,
		System:    sess.Vault().Scrub(systemPrompt + contextHeader + sess.ContextSummary()),
		Turns:     scrubTurns(sess.Vault(), turns),
		Tools:     schemas,
		MaxTokens: d.maxTokens,
	}

	callCtx := ctx
	if d.llmTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.llmTimeout)
		defer cancel()
	}

	var span trace.Span
	if d.tracer != nil {
		callCtx, span = d.tracer.TraceLLMRequest(callCtx, d.provider.Name(), d.model)
		defer span.End()
	}

	start := time.Now()
	resp, err := d.provider.Complete(callCtx, req)
	elapsed := time.Since(start)
	if err != nil {
		if d.tracer != nil {
			d.tracer.RecordError(span, err)
		}
		if d.metrics != nil {
			d.metrics.RecordLLMRequest(d.provider.Name(), d.model, "error", elapsed.Seconds(), 0, 0)
		}
		d.logger.Error("model request failed",
			"session_id", sess.ID(),
			"provider", d.provider.Name(),
			"error", err,
		)
		return Response{}, err
	}
	if d.metrics != nil {
		d.metrics.RecordLLMRequest(d.provider.Name(), d.model, "ok", elapsed.Seconds(), resp.InputTokens, resp.OutputTokens)
	}
	d.logger.Debug("model response",
		"session_id", sess.ID(),
		"stop_reason", resp.StopReason,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
	)
	return resp, nil
}

// historyTurns rebuilds the conversation from persisted chat history,
// appending latest if the history does not already end with it. Consecutive
// same-role messages merge into one turn so the rebuilt conversation always
// alternates.
func historyTurns(msgs []models.Message, latest string) []Turn {
	var turns []Turn
	appendText := func(role, content string) {
		if content == "" {
			return
		}
		if n := len(turns); n > 0 && turns[n-1].Role == role {
			turns[n-1].Blocks = append(turns[n-1].Blocks, TextBlock(content))
			return
		}
		turns = append(turns, Turn{Role: role, Blocks: []Block{TextBlock(content)}})
	}
	for _, m := range msgs {
		switch m.Role {
		case "user":
			appendText(RoleUser, m.Content)
		case "assistant":
			appendText(RoleAssistant, m.Content)
		}
	}
	if n := len(turns); n == 0 || turns[n-1].Role != RoleUser || lastBlockText(turns[n-1]) != latest {
		appendText(RoleUser, latest)
	}
	return turns
}

func lastBlockText(t Turn) string {
	if len(t.Blocks) == 0 {
		return ""
	}
	return t.Blocks[len(t.Blocks)-1].Text
}

// scrubTurns applies the vault scrub to every outbound text field.
func scrubTurns(vault *redact.Vault, turns []Turn) []Turn {
	if vault.Len() == 0 {
		return turns
	}
	out := make([]Turn, len(turns))
	for i, t := range turns {
		blocks := make([]Block, len(t.Blocks))
		for j, b := range t.Blocks {
			b.Text = vault.Scrub(b.Text)
			b.Content = vault.Scrub(b.Content)
			blocks[j] = b
		}
		out[i] = Turn{Role: t.Role, Blocks: blocks}
	}
	return out
}

func normalizeCalls(calls []models.ProposedCall) []models.ProposedCall {
	if calls == nil {
		return []models.ProposedCall{}
	}
	return calls
}

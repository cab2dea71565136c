package agent

import (
	"context"
	"encoding/json"
	"strings"
)

// Block types carried in provider turns and responses.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Block is a single content block in a conversation turn. Text blocks use
// Text; tool_use blocks use ID, Name, Input and Raw; tool_result blocks use
// ToolUseID, Content and IsError.
type Block struct {
	Type string

	// Text content (type "text").
	Text string

	// Tool invocation (type "tool_use"). Raw holds the verbatim input JSON
	// so parameter order survives the round trip into the dispatcher.
	ID    string
	Name  string
	Input map[string]any
	Raw   json.RawMessage

	// Tool result (type "tool_result").
	ToolUseID string
	Content   string
	IsError   bool
}

// TextBlock returns a text content block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// ToolUseBlock returns a tool invocation block.
func ToolUseBlock(id, name string, input map[string]any, raw json.RawMessage) Block {
	return Block{Type: BlockToolUse, ID: id, Name: name, Input: input, Raw: raw}
}

// ToolResultBlock returns a tool result block answering the tool_use with
// the given id.
func ToolResultBlock(toolUseID, content string, isError bool) Block {
	return Block{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Turn is one conversation turn: a role plus its content blocks.
type Turn struct {
	Role   string
	Blocks []Block
}

// UserText returns a user turn holding a single text block.
func UserText(text string) Turn {
	return Turn{Role: RoleUser, Blocks: []Block{TextBlock(text)}}
}

// AssistantText returns an assistant turn holding a single text block.
func AssistantText(text string) Turn {
	return Turn{Role: RoleAssistant, Blocks: []Block{TextBlock(text)}}
}

// ToolSchema describes one tool exposed to the model. InputSchema is a JSON
// Schema document as a generic map.
type ToolSchema struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Request is one completion request. A nil Tools slice omits tool
// definitions entirely, forcing a text-only reply.
type Request struct {
	Model     string
	System    string
	Turns     []Turn
	Tools     []ToolSchema
	MaxTokens int
}

// Response is the model's reply.
type Response struct {
	Blocks       []Block
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// Text joins the response's text blocks with newlines.
func (r Response) Text() string {
	var parts []string
	for _, b := range r.Blocks {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolUses returns the response's tool invocation blocks in model order.
func (r Response) ToolUses() []Block {
	var uses []Block
	for _, b := range r.Blocks {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// HasToolUse reports whether the response contains any tool invocation.
func (r Response) HasToolUse() bool {
	for _, b := range r.Blocks {
		if b.Type == BlockToolUse {
			return true
		}
	}
	return false
}

// Provider is a chat-completion backend. Implementations must honour the
// context and return every content block in model order.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

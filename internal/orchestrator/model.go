package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/autosage/internal/sessions"
	"github.com/haasonsaas/autosage/internal/tools"
)

// Message roles exchanged with a model.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a tool invocation requested by a model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Message is one entry of the conversation sent to a model.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
}

// Request is one model turn.
type Request struct {
	SessionID string
	Manifest  *sessions.Manifest
	Messages  []Message
	Tools     []tools.Descriptor
}

// Chunk is one streamed piece of a model turn. The channel is closed after
// the last chunk; a chunk with Err ends the turn.
type Chunk struct {
	Text     string
	ToolCall *ToolCall
	Err      error
}

// Model produces text and tool calls for a conversation.
type Model interface {
	Name() string
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)
}

package models

import "time"

// SessionEventType identifies the kind of a session stream event.
type SessionEventType string

const (
	SessionEventTextDelta        SessionEventType = "text_delta"
	SessionEventToolCallStart    SessionEventType = "tool_call_start"
	SessionEventToolCallComplete SessionEventType = "tool_call_complete"
	SessionEventStateUpdate      SessionEventType = "state_update"
)

// Terminal stream sentinels. They are framing events, never produced by a run.
const (
	StreamEventDone  = "agent_done"
	StreamEventError = "error"
)

// Valid reports whether t is a known session event type.
func (t SessionEventType) Valid() bool {
	switch t {
	case SessionEventTextDelta, SessionEventToolCallStart, SessionEventToolCallComplete, SessionEventStateUpdate:
		return true
	default:
		return false
	}
}

// SessionEvent is one ordered progress notification of an orchestration run.
// Exactly one payload is set for a given Type.
type SessionEvent struct {
	Type      SessionEventType `json:"type"`
	Sequence  uint64           `json:"seq"`
	Time      time.Time        `json:"time"`
	SessionID string           `json:"session_id,omitempty"`

	Text  *TextDelta    `json:"text,omitempty"`
	Tool  *ToolCallInfo `json:"tool,omitempty"`
	State any           `json:"state,omitempty"`
}

// TextDelta is an incremental fragment of model text.
type TextDelta struct {
	Text string `json:"text"`
}

// ToolCallInfo describes a tool call made during a run.
type ToolCallInfo struct {
	Name       string      `json:"name"`
	JobID      string      `json:"job_id,omitempty"`
	Status     string      `json:"status,omitempty"`
	DurationMs int64       `json:"duration_ms,omitempty"`
	Summary    string      `json:"summary,omitempty"`
	Result     *ToolResult `json:"result,omitempty"`
}

// Payload returns the event's payload for framing on the wire.
func (e SessionEvent) Payload() any {
	switch e.Type {
	case SessionEventTextDelta:
		return e.Text
	case SessionEventToolCallStart, SessionEventToolCallComplete:
		return e.Tool
	case SessionEventStateUpdate:
		return e.State
	default:
		return nil
	}
}

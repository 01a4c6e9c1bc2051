package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ScriptedModel is a deterministic model that needs no network. A prompt
// line of the form "/tool <name> <json>" or "@<name> <json>" requests a tool
// call; any other prompt gets a short reply describing the session.
type ScriptedModel struct{}

func (ScriptedModel) Name() string { return "scripted" }

func (m ScriptedModel) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	text, calls := m.respond(req)
	out := make(chan Chunk)
	go func() {
		defer close(out)
		send := func(c Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, piece := range strings.SplitAfter(text, " ") {
			if piece == "" {
				continue
			}
			if !send(Chunk{Text: piece}) {
				return
			}
		}
		for i := range calls {
			if !send(Chunk{ToolCall: &calls[i]}) {
				return
			}
		}
	}()
	return out, nil
}

func (ScriptedModel) respond(req *Request) (string, []ToolCall) {
	if len(req.Messages) == 0 {
		return "Nothing to do.", nil
	}
	last := req.Messages[len(req.Messages)-1]

	if last.Role == RoleTool {
		var parts []string
		for i := len(req.Messages) - 1; i >= 0 && req.Messages[i].Role == RoleTool; i-- {
			msg := req.Messages[i]
			parts = append([]string{fmt.Sprintf("%s: %s", msg.ToolName, msg.Content)}, parts...)
		}
		return "Results. " + strings.Join(parts, " "), nil
	}

	calls := ParseToolCalls(last.Content)
	if len(calls) > 0 {
		names := make([]string, len(calls))
		for i, c := range calls {
			names[i] = c.Name
		}
		return fmt.Sprintf("Running %s.", strings.Join(names, ", ")), calls
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You said: %s.", strings.TrimSpace(last.Content))
	if m := req.Manifest; m != nil && m.Input.Filename != "" {
		fmt.Fprintf(&b, " Session input is %s (%d bytes).", m.Input.Filename, m.Input.Size)
	}
	if len(req.Tools) > 0 {
		names := make([]string, len(req.Tools))
		for i, t := range req.Tools {
			names[i] = t.Name
		}
		fmt.Fprintf(&b, " Available tools: %s.", strings.Join(names, ", "))
	}
	return b.String(), nil
}

// ParseToolCalls extracts tool call directives from a prompt. Input defaults
// to an empty object.
func ParseToolCalls(prompt string) []ToolCall {
	var calls []ToolCall
	for _, line := range strings.Split(prompt, "\n") {
		line = strings.TrimSpace(line)
		var rest string
		switch {
		case strings.HasPrefix(line, "/tool "):
			rest = strings.TrimSpace(strings.TrimPrefix(line, "/tool "))
		case strings.HasPrefix(line, "@") && len(line) > 1:
			rest = line[1:]
		default:
			continue
		}
		name, input, _ := strings.Cut(rest, " ")
		if name == "" {
			continue
		}
		input = strings.TrimSpace(input)
		if input == "" {
			input = "{}"
		}
		calls = append(calls, ToolCall{
			ID:    fmt.Sprintf("call_%d", len(calls)+1),
			Name:  name,
			Input: json.RawMessage(input),
		})
	}
	return calls
}

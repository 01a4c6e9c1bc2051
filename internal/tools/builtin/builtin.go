// Package builtin provides the diagnostic tools every server registers.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/autosage/internal/tools"
	"github.com/haasonsaas/autosage/pkg/models"
)

// MaxSleep caps the sleep tool.
const MaxSleep = 60 * time.Second

// Echo returns its input unchanged in the result output.
type Echo struct{}

// Descriptor implements tools.Tool.
func (Echo) Descriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:        "echo_json",
		Description: "Echo the JSON input back as the structured output.",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Stability:   tools.StabilityStable,
		Version:     "1.0.0",
		Tags:        []string{"debug", "builtin"},
	}
}

// Execute implements tools.Tool.
func (Echo) Execute(ctx context.Context, call *tools.Call) (any, error) {
	var input map[string]json.RawMessage
	if err := call.Decode(&input); err != nil {
		return nil, err
	}
	output, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode echo output: %w", err)
	}
	return &models.ToolResult{
		Status:  models.ResultOK,
		Summary: fmt.Sprintf("echoed %d keys", len(input)),
		Stdout:  string(output),
		Metrics: map[string]any{"keys": len(input)},
		Output:  output,
	}, nil
}

// Sleep waits for the requested duration. It exists to exercise slow-job handling.
type Sleep struct{}

// Descriptor implements tools.Tool.
func (Sleep) Descriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:        "sleep",
		Description: "Sleep for the given number of milliseconds and report the elapsed time.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"ms": {"type": "integer", "minimum": 0, "maximum": 60000}},
			"required": ["ms"]
		}`),
		Stability: tools.StabilityExperimental,
		Version:   "0.1.0",
		Tags:      []string{"debug", "builtin"},
	}
}

// Execute implements tools.Tool.
func (Sleep) Execute(ctx context.Context, call *tools.Call) (any, error) {
	var input struct {
		Ms int64 `json:"ms"`
	}
	if err := call.Decode(&input); err != nil {
		return nil, err
	}
	d := time.Duration(input.Ms) * time.Millisecond
	if d < 0 || d > MaxSleep {
		return nil, tools.NewError(models.ErrInvalidRequest, "ms must be between 0 and %d", MaxSleep.Milliseconds())
	}

	started := time.Now()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	elapsed := time.Since(started)
	return &models.ToolResult{
		Status:  models.ResultOK,
		Summary: fmt.Sprintf("slept %d ms", input.Ms),
		Metrics: map[string]any{"elapsed_ms": elapsed.Milliseconds()},
	}, nil
}

// Register adds the built-in tools to reg.
func Register(reg *tools.Registry) error {
	for _, tool := range []tools.Tool{Echo{}, Sleep{}} {
		if err := reg.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// Package tools defines the tool contract and the registry tools are looked up in.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/autosage/internal/results"
	"github.com/haasonsaas/autosage/pkg/models"
)

// Stability is the maturity tier a tool is published under.
type Stability string

const (
	StabilityStable       Stability = "stable"
	StabilityExperimental Stability = "experimental"
	StabilityDeprecated   Stability = "deprecated"
)

// Valid reports whether s is a known tier.
func (s Stability) Valid() bool {
	switch s {
	case StabilityStable, StabilityExperimental, StabilityDeprecated:
		return true
	default:
		return false
	}
}

// ParseStability parses a tier name. The empty string parses to "" (no tier).
func ParseStability(value string) (Stability, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "", nil
	}
	s := Stability(value)
	if !s.Valid() {
		return "", fmt.Errorf("unknown stability %q (expected stable, experimental or deprecated)", value)
	}
	return s, nil
}

// Descriptor is the discovery metadata of a tool.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
	Stability   Stability       `json:"stability"`
	Version     string          `json:"version"`
	Tags        []string        `json:"tags"`
}

// Call carries everything a tool needs for one execution.
type Call struct {
	JobID     string
	SessionID string
	// WorkDir is the only directory the tool may write to.
	WorkDir string
	Input   json.RawMessage
	// Context is the caller's optional metadata object, nil when absent.
	Context json.RawMessage
	Limits  results.Limits
}

// Decode unmarshals the call input into v. Missing input decodes as an empty object.
func (c *Call) Decode(v any) error {
	input := c.Input
	if len(input) == 0 || string(input) == "null" {
		input = json.RawMessage("{}")
	}
	if err := json.Unmarshal(input, v); err != nil {
		return NewError(models.ErrInvalidRequest, "invalid input: %v", err)
	}
	return nil
}

// Tool is a named capability. Execute returns any value that normalizes to a
// tool result, or an error. Errors of type *Error keep their code.
type Tool interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, call *Call) (any, error)
}

// Error is a typed tool failure.
type Error struct {
	Code    models.ErrorCode
	Message string
	Details map[string]any
}

// NewError builds a typed tool error.
func NewError(code models.ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured details to the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Info converts the error to its wire form.
func (e *Error) Info() *models.ErrorInfo {
	return &models.ErrorInfo{Code: e.Code, Message: e.Message, Details: e.Details}
}

// Func adapts a plain function to the Tool interface.
type Func struct {
	Desc Descriptor
	Fn   func(ctx context.Context, call *Call) (any, error)
}

// Descriptor implements Tool.
func (f Func) Descriptor() Descriptor { return f.Desc }

// Execute implements Tool.
func (f Func) Execute(ctx context.Context, call *Call) (any, error) { return f.Fn(ctx, call) }

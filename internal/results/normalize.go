package results

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/haasonsaas/autosage/pkg/models"
)

// ErrInvalidToolOutput is returned when a tool produced a value that is not a tool result.
var ErrInvalidToolOutput = errors.New("invalid tool output")

// Normalize converts the raw value returned by a tool into a tool result.
// A missing solver is filled with fallback and a missing status means ok.
func Normalize(raw any, fallback string) (*models.ToolResult, error) {
	var result *models.ToolResult
	switch v := raw.(type) {
	case nil:
		return nil, fmt.Errorf("%w: tool returned no value", ErrInvalidToolOutput)
	case *models.ToolResult:
		if v == nil {
			return nil, fmt.Errorf("%w: tool returned a nil result", ErrInvalidToolOutput)
		}
		result = v.Clone()
	case models.ToolResult:
		result = v.Clone()
	case json.RawMessage:
		decoded, err := decode(v)
		if err != nil {
			return nil, err
		}
		result = decoded
	case []byte:
		decoded, err := decode(v)
		if err != nil {
			return nil, err
		}
		result = decoded
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToolOutput, err)
		}
		decoded, err := decode(data)
		if err != nil {
			return nil, err
		}
		result = decoded
	}

	if result.Status == "" {
		result.Status = models.ResultOK
	}
	if !result.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidToolOutput, result.Status)
	}
	if result.Solver == "" {
		result.Solver = fallback
	}
	if result.Artifacts == nil {
		result.Artifacts = []models.Artifact{}
	}
	if result.Metrics == nil {
		result.Metrics = map[string]any{}
	}
	return result, nil
}

func decode(data []byte) (*models.ToolResult, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrInvalidToolOutput)
	}
	var result models.ToolResult
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToolOutput, err)
	}
	return &result, nil
}

// Package models provides the wire types shared by the AutoSage server and its clients.
package models

import (
	"encoding/json"
	"fmt"
)

// ResultStatus is the outcome of a single tool execution.
type ResultStatus string

const (
	ResultOK    ResultStatus = "ok"
	ResultError ResultStatus = "error"
)

// Valid reports whether s is one of the known result statuses.
func (s ResultStatus) Valid() bool {
	switch s {
	case ResultOK, ResultError:
		return true
	default:
		return false
	}
}

// Metric keys written on error results.
const (
	MetricErrorCode    = "error_code"
	MetricErrorMessage = "error_message"
)

// ToolResult is the canonical shape every tool execution is normalized to,
// whether it succeeded or failed.
type ToolResult struct {
	Status    ResultStatus    `json:"status"`
	Solver    string          `json:"solver"`
	Summary   string          `json:"summary"`
	Stdout    string          `json:"stdout"`
	Stderr    string          `json:"stderr"`
	ExitCode  int             `json:"exit_code"`
	Artifacts []Artifact      `json:"artifacts"`
	Metrics   map[string]any  `json:"metrics"`
	Output    json.RawMessage `json:"output,omitempty"`
}

// Artifact describes a file produced by a tool in its job directory.
type Artifact struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	URI      string `json:"uri,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// OK reports whether the result represents a successful execution.
func (r *ToolResult) OK() bool {
	return r != nil && r.Status == ResultOK
}

// SetMetric records a metric, allocating the map on first use.
func (r *ToolResult) SetMetric(key string, value any) {
	if r.Metrics == nil {
		r.Metrics = make(map[string]any)
	}
	r.Metrics[key] = value
}

// ErrorCode returns the error code recorded in the result metrics, if any.
func (r *ToolResult) ErrorCode() ErrorCode {
	if r == nil || r.Metrics == nil {
		return ""
	}
	if code, ok := r.Metrics[MetricErrorCode].(string); ok {
		return ErrorCode(code)
	}
	if code, ok := r.Metrics[MetricErrorCode].(ErrorCode); ok {
		return code
	}
	return ""
}

// Clone returns a deep copy of the result.
func (r *ToolResult) Clone() *ToolResult {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Artifacts != nil {
		clone.Artifacts = append([]Artifact(nil), r.Artifacts...)
	}
	if r.Metrics != nil {
		clone.Metrics = make(map[string]any, len(r.Metrics))
		for k, v := range r.Metrics {
			clone.Metrics[k] = v
		}
	}
	if r.Output != nil {
		clone.Output = append(json.RawMessage(nil), r.Output...)
	}
	return &clone
}

// ErrorResult builds an error-shaped tool result for the given solver.
func ErrorResult(solver string, code ErrorCode, message string, details map[string]any) *ToolResult {
	result := &ToolResult{
		Status:    ResultError,
		Solver:    solver,
		Summary:   message,
		ExitCode:  -1,
		Artifacts: []Artifact{},
		Metrics: map[string]any{
			MetricErrorCode:    string(code),
			MetricErrorMessage: message,
		},
	}
	for k, v := range details {
		if _, reserved := result.Metrics[k]; reserved {
			k = "detail_" + k
		}
		result.Metrics[k] = flattenMetric(v)
	}
	return result
}

// flattenMetric keeps metric values scalar so clients can rely on
// numbers, strings and booleans only.
func flattenMetric(v any) any {
	switch val := v.(type) {
	case nil:
		return ""
	case string, bool, int, int32, int64, uint, uint32, uint64, float32, float64:
		return val
	case fmt.Stringer:
		return val.String()
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

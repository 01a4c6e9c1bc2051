package results

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/haasonsaas/autosage/pkg/models"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name       string
		raw        any
		wantErr    bool
		wantStatus models.ResultStatus
		wantSolver string
	}{
		{"struct pointer", &models.ToolResult{Status: models.ResultOK}, false, models.ResultOK, "fallback"},
		{"keeps solver", &models.ToolResult{Status: models.ResultError, Solver: "self"}, false, models.ResultError, "self"},
		{"raw json", json.RawMessage(`{"status":"ok","summary":"hi"}`), false, models.ResultOK, "fallback"},
		{"missing status", map[string]any{"summary": "x"}, false, models.ResultOK, "fallback"},
		{"bad status", map[string]any{"status": "maybe"}, true, "", ""},
		{"array", []int{1, 2}, true, "", ""},
		{"string", "hello", true, "", ""},
		{"nil", nil, true, "", ""},
		{"wrong field type", map[string]any{"exit_code": "zero"}, true, "", ""},
		{"unmarshalable", make(chan int), true, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.raw, "fallback")
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidToolOutput) {
					t.Fatalf("expected ErrInvalidToolOutput, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Status != tt.wantStatus {
				t.Fatalf("status = %q, want %q", got.Status, tt.wantStatus)
			}
			if got.Solver != tt.wantSolver {
				t.Fatalf("solver = %q, want %q", got.Solver, tt.wantSolver)
			}
			if got.Artifacts == nil || got.Metrics == nil {
				t.Fatalf("expected non-nil artifacts and metrics")
			}
		})
	}
}

func TestNormalizeDoesNotAliasInput(t *testing.T) {
	in := &models.ToolResult{Status: models.ResultOK, Metrics: map[string]any{"a": 1}}
	out, err := Normalize(in, "x")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	out.Metrics["a"] = 2
	if in.Metrics["a"] != 1 {
		t.Fatalf("normalize returned an alias of the input")
	}
}

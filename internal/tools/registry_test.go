package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func stubTool(name string, stability Stability, tags ...string) Tool {
	return Func{
		Desc: Descriptor{Name: name, Description: name, Stability: stability, Version: "1.0.0", Tags: tags},
		Fn: func(ctx context.Context, call *Call) (any, error) {
			return map[string]any{"status": "ok"}, nil
		},
	}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(stubTool("echo_json", StabilityStable, "debug")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, ok := reg.Tool("echo_json"); !ok {
		t.Fatalf("expected tool")
	}
	if _, ok := reg.Tool("does.not.exist"); ok {
		t.Fatalf("expected no tool")
	}
	if err := reg.Register(stubTool("echo_json", StabilityStable)); !errors.Is(err, ErrDuplicateTool) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestRegistryRejectsBadTools(t *testing.T) {
	tests := []struct {
		name string
		tool Tool
	}{
		{"empty name", stubTool("", StabilityStable)},
		{"long name", stubTool(strings.Repeat("a", MaxToolNameLength+1), StabilityStable)},
		{"bad chars", stubTool("echo json", StabilityStable)},
		{"bad stability", stubTool("x", Stability("beta"))},
		{"bad schema", Func{Desc: Descriptor{Name: "x", InputSchema: json.RawMessage(`{"type": 12}`)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := NewRegistry().Register(tt.tool); err == nil {
				t.Fatalf("expected registration error")
			}
		})
	}
}

func TestRegistryList(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(
		stubTool("circuits.simulate", StabilityStable, "circuits", "ngspice"),
		stubTool("echo_json", StabilityStable, "debug"),
		stubTool("sleep", StabilityExperimental, "debug"),
		stubTool("circuits.version", StabilityDeprecated, "circuits"),
	)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all in registration order", Filter{}, []string{"circuits.simulate", "echo_json", "sleep", "circuits.version"}},
		{"stability", Filter{Stability: StabilityStable}, []string{"circuits.simulate", "echo_json"}},
		{"single tag", Filter{Tags: []string{"debug"}}, []string{"echo_json", "sleep"}},
		{"all tags required", Filter{Tags: []string{"circuits", "ngspice"}}, []string{"circuits.simulate"}},
		{"stability and tags", Filter{Stability: StabilityExperimental, Tags: []string{"debug"}}, []string{"sleep"}},
		{"no match", Filter{Tags: []string{"missing"}}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := reg.List(tt.filter)
			names := make([]string, 0, len(got))
			for _, d := range got {
				names = append(names, d.Name)
			}
			if strings.Join(names, ",") != strings.Join(tt.want, ",") {
				t.Fatalf("List = %v, want %v", names, tt.want)
			}
		})
	}

	first := reg.List(Filter{})
	second := reg.List(Filter{})
	for i := range first {
		if first[i].Name != second[i].Name {
			t.Fatalf("listing order is not stable")
		}
	}
}

func TestRegistryValidate(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(Func{
		Desc: Descriptor{
			Name:        "sleep",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"ms":{"type":"integer","minimum":0}},"required":["ms"]}`),
		},
		Fn: func(ctx context.Context, call *Call) (any, error) { return nil, nil },
	})

	if err := reg.Validate("sleep", json.RawMessage(`{"ms": 10}`)); err != nil {
		t.Fatalf("expected valid input, got %v", err)
	}
	err := reg.Validate("sleep", json.RawMessage(`{"ms": "soon"}`))
	var verr *ValidationError
	if !errors.As(err, &verr) || len(verr.Errors) == 0 {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := reg.Validate("sleep", nil); err == nil {
		t.Fatalf("expected missing required field to fail")
	}
}

func TestParseStability(t *testing.T) {
	if s, err := ParseStability(" Stable "); err != nil || s != StabilityStable {
		t.Fatalf("ParseStability = %q, %v", s, err)
	}
	if s, err := ParseStability(""); err != nil || s != "" {
		t.Fatalf("empty stability should parse to none, got %q, %v", s, err)
	}
	if _, err := ParseStability("beta"); err == nil {
		t.Fatalf("expected error for unknown stability")
	}
}

func TestCallDecode(t *testing.T) {
	var v struct {
		Message string `json:"message"`
	}
	if err := (&Call{}).Decode(&v); err != nil {
		t.Fatalf("decode empty: %v", err)
	}
	err := (&Call{Input: json.RawMessage(`[1]`)}).Decode(&v)
	var terr *Error
	if !errors.As(err, &terr) || terr.Code != "invalid_request" {
		t.Fatalf("expected invalid_request tool error, got %v", err)
	}
}

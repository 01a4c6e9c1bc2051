package circuits

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/haasonsaas/autosage/internal/results"
	"github.com/haasonsaas/autosage/internal/tools"
	"github.com/haasonsaas/autosage/pkg/models"
)

const fakeNgspice = `#!/bin/sh
log=""
raw=""
while [ $# -gt 0 ]; do
  case "$1" in
    -o) log="$2"; shift 2 ;;
    -r) raw="$2"; shift 2 ;;
    -v|-V) echo "** ngspice-42 : Circuit level simulation program"; exit 0 ;;
    *) input="$1"; shift ;;
  esac
done
if grep -q BROKEN "$input"; then
  echo "Error: unknown subckt: x1" > "$log"
  exit 1
fi
[ -n "$log" ] && echo "Circuit: autosage" > "$log"
[ -n "$raw" ] && echo "raw data" > "$raw"
echo "simulation done"
exit 0
`

func fakeConfig(t *testing.T) Config {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script solver stub requires a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "ngspice")
	if err := os.WriteFile(path, []byte(fakeNgspice), 0o755); err != nil {
		t.Fatalf("write fake ngspice: %v", err)
	}
	return Config{Binary: path}.withDefaults()
}

func TestBuildDeck(t *testing.T) {
	tests := []struct {
		name    string
		input   SimulateInput
		want    []string
		wantErr bool
	}{
		{
			name:  "default op",
			input: SimulateInput{Netlist: "R1 a 0 1k\n.end"},
			want:  []string{"R1 a 0 1k\n.op\n.end\n"},
		},
		{
			name: "tran with probes",
			input: SimulateInput{
				Netlist:  "V1 in 0 PULSE(0 1 0 1n 1n 1m 2m)\nR1 in out 1000\nC1 out 0 1e-6",
				Analysis: AnalysisTran,
				Probes:   []string{"v(out)"},
				Options:  AnalysisOptions{Tran: &TranOptions{Step: 0.0001, TStop: 0.01}},
			},
			want: []string{".tran 0.0001 0.01\n", ".print tran v(out)\n", ".end\n"},
		},
		{
			name: "ac",
			input: SimulateInput{
				Netlist:  "R1 a 0 1k",
				Analysis: AnalysisAC,
				Options:  AnalysisOptions{AC: &ACOptions{Points: 10, FStart: 1, FStop: 1e6}},
			},
			want: []string{".ac dec 10 1 1e+06\n"},
		},
		{
			name: "dc",
			input: SimulateInput{
				Netlist:  "V1 a 0 1",
				Analysis: AnalysisDC,
				Options:  AnalysisOptions{DC: &DCOptions{Source: "V1", Start: 0, Stop: 5, Step: 0.5}},
			},
			want: []string{".dc V1 0 5 0.5\n"},
		},
		{name: "empty netlist", input: SimulateInput{Netlist: "  "}, wantErr: true},
		{name: "tran missing options", input: SimulateInput{Netlist: "R1 a 0 1", Analysis: AnalysisTran}, wantErr: true},
		{name: "unknown analysis", input: SimulateInput{Netlist: "R1 a 0 1", Analysis: "noise"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deck, err := BuildDeck(tt.input)
			if tt.wantErr {
				var terr *tools.Error
				if !errors.As(err, &terr) || terr.Code != models.ErrInvalidRequest {
					t.Fatalf("expected invalid_request, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("build deck: %v", err)
			}
			for _, want := range tt.want {
				if !strings.Contains(deck, want) {
					t.Fatalf("deck missing %q:\n%s", want, deck)
				}
			}
			if strings.Count(strings.ToLower(deck), ".end\n") != 1 {
				t.Fatalf("deck must contain exactly one .end:\n%s", deck)
			}
		})
	}
}

func TestLogScanning(t *testing.T) {
	log := "Circuit: x\nError: no such node\nfatal: giving up\nDone\n"
	if !logHasErrors(log) {
		t.Fatalf("expected errors to be detected")
	}
	if logHasErrors("Circuit: x\nDone\n") {
		t.Fatalf("clean log flagged as failing")
	}
	if got := logExcerpt(log, 1); got != "Error: no such node" {
		t.Fatalf("excerpt = %q", got)
	}
	if got := logExcerpt("a\nb\nc\n", 2); got != "a\nb" {
		t.Fatalf("head excerpt = %q", got)
	}
}

func TestParseVersion(t *testing.T) {
	if got := parseVersion("******\n** ngspice-42 : Circuit level simulation program\n"); got != "42" {
		t.Fatalf("parseVersion = %q", got)
	}
	if got := parseVersion("nothing useful"); got != "unknown" {
		t.Fatalf("parseVersion = %q", got)
	}
}

func TestSimulateWithStubSolver(t *testing.T) {
	cfg := fakeConfig(t)
	workDir := t.TempDir()
	tool := &Simulate{cfg: cfg}

	raw, err := tool.Execute(context.Background(), &tools.Call{
		JobID:   "job-1",
		WorkDir: workDir,
		Input: json.RawMessage(`{
			"netlist": "V1 in 0 1\nR1 in out 1000\nC1 out 0 1e-6",
			"analysis": "tran",
			"probes": ["v(out)"],
			"options": {"tran": {"tstop": 0.01, "step": 0.0001}}
		}`),
		Limits: results.DefaultLimits(),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	result, err := results.Normalize(raw, "circuits.simulate")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if result.Status != models.ResultOK {
		t.Fatalf("expected ok, got %+v", result)
	}
	names := map[string]bool{}
	for _, a := range result.Artifacts {
		names[a.Name] = true
	}
	for _, want := range []string{"circuit.cir", "ngspice.log", "ngspice.raw"} {
		if !names[want] {
			t.Fatalf("missing artifact %s in %v", want, result.Artifacts)
		}
	}
	if result.Artifacts[0].URI != "/v1/jobs/job-1/artifacts/"+result.Artifacts[0].Name {
		t.Fatalf("unexpected artifact uri %q", result.Artifacts[0].URI)
	}
}

func TestValidateNetlistWithStubSolver(t *testing.T) {
	cfg := fakeConfig(t)
	tool := &ValidateNetlist{cfg: cfg}

	tests := []struct {
		name    string
		netlist string
		status  models.ResultStatus
	}{
		{"valid", "R1 a 0 1k\n.end\n", models.ResultOK},
		{"invalid", "X1 a b BROKEN\n.end\n", models.ResultError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input, _ := json.Marshal(map[string]string{"netlist_text": tt.netlist})
			raw, err := tool.Execute(context.Background(), &tools.Call{WorkDir: t.TempDir(), Input: input})
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			result := raw.(*models.ToolResult)
			if result.Status != tt.status {
				t.Fatalf("status = %q, want %q (%+v)", result.Status, tt.status, result)
			}
			if tt.status == models.ResultError {
				if result.ErrorCode() != models.ErrValidationFailed {
					t.Fatalf("error code = %q", result.ErrorCode())
				}
				if !strings.Contains(result.Metrics["log_excerpt"].(string), "unknown subckt") {
					t.Fatalf("expected log excerpt, got %v", result.Metrics["log_excerpt"])
				}
			}
		})
	}
}

func TestVersionAndSmoketestWithStubSolver(t *testing.T) {
	cfg := fakeConfig(t)

	raw, err := (&Version{cfg: cfg}).Execute(context.Background(), &tools.Call{})
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if got := raw.(*models.ToolResult).Metrics["version"]; got != "42" {
		t.Fatalf("version = %v", got)
	}

	raw, err = (&Smoketest{cfg: cfg}).Execute(context.Background(), &tools.Call{})
	if err != nil {
		t.Fatalf("smoketest: %v", err)
	}
	if result := raw.(*models.ToolResult); result.Status != models.ResultOK {
		t.Fatalf("smoketest failed: %+v", result)
	}
}

func TestMissingSolver(t *testing.T) {
	tool := &Version{cfg: Config{Binary: "autosage-missing-ngspice"}.withDefaults()}
	_, err := tool.Execute(context.Background(), &tools.Call{})
	var terr *tools.Error
	if !errors.As(err, &terr) || terr.Code != models.ErrProcessNotFound {
		t.Fatalf("expected process_not_found, got %v", err)
	}
}

func TestRegister(t *testing.T) {
	reg := tools.NewRegistry()
	if err := Register(reg, Config{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	got := reg.List(tools.Filter{Tags: []string{"circuits"}})
	if len(got) != 4 {
		t.Fatalf("expected 4 circuits tools, got %d", len(got))
	}
}

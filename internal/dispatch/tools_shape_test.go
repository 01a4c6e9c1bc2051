package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/haasonsaas/autosage/internal/jobs"
	"github.com/haasonsaas/autosage/internal/tools"
	"github.com/haasonsaas/autosage/internal/tools/builtin"
	"github.com/haasonsaas/autosage/internal/tools/circuits"
	"github.com/haasonsaas/autosage/pkg/models"
)

const stubNgspice = `#!/bin/sh
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
[ -n "$log" ] && echo "Circuit: autosage" > "$log"
[ -n "$raw" ] && echo "raw data" > "$raw"
echo "simulation done"
exit 0
`

// productionDispatcher registers the same tools the server does, with the
// circuit tools bound to binary.
func productionDispatcher(t *testing.T, binary string) *Dispatcher {
	t.Helper()
	store, err := jobs.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	registry := tools.NewRegistry()
	if err := builtin.Register(registry); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	if err := circuits.Register(registry, circuits.Config{Binary: binary, Timeout: 10 * time.Second}); err != nil {
		t.Fatalf("register circuits: %v", err)
	}
	d, err := New(store, registry, Config{})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Drain(ctx)
	})
	return d
}

func stubSolver(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("solver stub requires a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "ngspice")
	if err := os.WriteFile(path, []byte(stubNgspice), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return path
}

func checkShape(t *testing.T, name string, result *models.ToolResult) {
	t.Helper()
	if result == nil {
		t.Fatal("nil result")
	}
	if !result.Status.Valid() {
		t.Fatalf("status %q is not a result status", result.Status)
	}
	if result.Solver != name {
		t.Fatalf("solver = %q, want %q", result.Solver, name)
	}
	if result.Status == models.ResultError {
		if result.ErrorCode() == "" || result.ExitCode != -1 {
			t.Fatalf("error result lacks code or exit code: %+v", result)
		}
		if msg, _ := result.Metrics["error_message"].(string); msg == "" {
			t.Fatalf("error result lacks a message: %+v", result)
		}
	}
}

func TestEveryRegisteredToolReturnsResultShape(t *testing.T) {
	working := productionDispatcher(t, stubSolver(t))
	broken := productionDispatcher(t, "autosage-missing-ngspice")

	cases := map[string]struct {
		ok   string
		fail string
		// runtime failures come from the broken solver instead of bad input.
		runtime  bool
		wantCode models.ErrorCode
		status   int
	}{
		"echo_json": {ok: `{"a":1}`, fail: `[1]`, wantCode: models.ErrInvalidRequest, status: http.StatusBadRequest},
		"sleep":     {ok: `{"ms":1}`, fail: `{"ms":-1}`, wantCode: models.ErrInvalidRequest, status: http.StatusBadRequest},
		"circuits.simulate": {
			ok:      `{"netlist":"V1 in 0 1\nR1 in out 1000\nC1 out 0 1e-6","analysis":"op"}`,
			fail:    `{"netlist":"V1 in 0 1\nR1 in out 1000\nC1 out 0 1e-6","analysis":"op"}`,
			runtime: true, wantCode: models.ErrProcessNotFound, status: http.StatusInternalServerError,
		},
		"circuits.validate_netlist": {
			ok:      `{"netlist_text":"R1 a 0 1k\n.end\n"}`,
			fail:    `{"netlist_text":"R1 a 0 1k\n.end\n"}`,
			runtime: true, wantCode: models.ErrProcessNotFound, status: http.StatusInternalServerError,
		},
		"circuits.version":   {ok: `{}`, fail: `{}`, runtime: true, wantCode: models.ErrProcessNotFound, status: http.StatusInternalServerError},
		"circuits.smoketest": {ok: `{}`, fail: `{}`, runtime: true, wantCode: models.ErrProcessNotFound, status: http.StatusInternalServerError},
	}

	descriptors := working.Registry().List(tools.Filter{})
	if len(descriptors) != len(cases) {
		t.Fatalf("registered %d tools, cases cover %d", len(descriptors), len(cases))
	}
	for _, desc := range descriptors {
		tc, ok := cases[desc.Name]
		if !ok {
			t.Fatalf("no cases for tool %q", desc.Name)
		}
		t.Run(desc.Name, func(t *testing.T) {
			result, status := working.Execute(context.Background(), &Request{Tool: desc.Name, Input: json.RawMessage(tc.ok)})
			checkShape(t, desc.Name, result)
			if status != http.StatusOK || result.Status != models.ResultOK {
				t.Fatalf("success case: status %d, result %+v", status, result)
			}

			d := working
			if tc.runtime {
				d = broken
			}
			result, status = d.Execute(context.Background(), &Request{Tool: desc.Name, Input: json.RawMessage(tc.fail)})
			checkShape(t, desc.Name, result)
			if status != tc.status || result.Status != models.ResultError || result.ErrorCode() != tc.wantCode {
				t.Fatalf("failure case: status %d, result %+v", status, result)
			}
		})
	}
}

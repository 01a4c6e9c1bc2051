package runner

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/autosage/internal/tools"
	"github.com/haasonsaas/autosage/pkg/models"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func baseOptions(script string) Options {
	return Options{
		Argv:           []string{"sh", "-c", script},
		Timeout:        5 * time.Second,
		MaxStdoutBytes: 1024,
		MaxStderrBytes: 1024,
	}
}

func TestRunCapturesOutput(t *testing.T) {
	requireShell(t)
	result, err := Run(context.Background(), baseOptions("echo out; echo err 1>&2; exit 3"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.TrimSpace(result.Stdout) != "out" || strings.TrimSpace(result.Stderr) != "err" {
		t.Fatalf("unexpected output: %+v", result)
	}
	if result.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", result.ExitCode)
	}
}

func TestRunTruncatesOutput(t *testing.T) {
	requireShell(t)
	opts := baseOptions("printf 'abcdefghijklmnopqrstuvwxyz'")
	opts.MaxStdoutBytes = 5
	result, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.StdoutTruncated {
		t.Fatalf("expected stdout truncated")
	}
	if result.Stdout != "abcde"+StdoutTruncatedMarker {
		t.Fatalf("stdout = %q", result.Stdout)
	}
	if result.StderrTruncated {
		t.Fatalf("stderr should not be truncated")
	}
}

func TestRunTimeout(t *testing.T) {
	requireShell(t)
	opts := baseOptions("sleep 5")
	opts.Timeout = 100 * time.Millisecond
	started := time.Now()
	_, err := Run(context.Background(), opts)
	var terr *tools.Error
	if !errors.As(err, &terr) || terr.Code != models.ErrTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if terr.Details["timeout_ms"] != int64(100) {
		t.Fatalf("unexpected details: %v", terr.Details)
	}
	if time.Since(started) > 3*time.Second {
		t.Fatalf("timeout was not enforced promptly")
	}
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		code models.ErrorCode
	}{
		{"empty argv", Options{Timeout: time.Second, MaxStdoutBytes: 1, MaxStderrBytes: 1}, models.ErrInvalidRequest},
		{"zero timeout", Options{Argv: []string{"true"}, MaxStdoutBytes: 1, MaxStderrBytes: 1}, models.ErrInvalidRequest},
		{"zero caps", Options{Argv: []string{"true"}, Timeout: time.Second}, models.ErrInvalidRequest},
		{"missing binary", Options{Argv: []string{"autosage-definitely-missing-binary"}, Timeout: time.Second, MaxStdoutBytes: 1, MaxStderrBytes: 1}, models.ErrProcessNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Run(context.Background(), tt.opts)
			var terr *tools.Error
			if !errors.As(err, &terr) || terr.Code != tt.code {
				t.Fatalf("expected %s, got %v", tt.code, err)
			}
		})
	}
}

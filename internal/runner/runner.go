// Package runner executes external solver processes with a timeout and
// bounded output capture.
package runner

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/autosage/internal/tools"
	"github.com/haasonsaas/autosage/pkg/models"
)

// Truncation markers appended to captured output that hit its cap.
const (
	StdoutTruncatedMarker = "\n[stdout truncated]"
	StderrTruncatedMarker = "\n[stderr truncated]"
)

// killGrace is how long a process gets between the interrupt and the kill.
const killGrace = 500 * time.Millisecond

// Options describes one process invocation.
type Options struct {
	Argv           []string
	Dir            string
	Env            map[string]string
	Timeout        time.Duration
	MaxStdoutBytes int
	MaxStderrBytes int
}

// Result is the captured outcome of a process that ran to exit.
type Result struct {
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	ExitCode        int           `json:"exit_code"`
	Elapsed         time.Duration `json:"elapsed"`
	StdoutTruncated bool          `json:"stdout_truncated"`
	StderrTruncated bool          `json:"stderr_truncated"`
}

// ElapsedMs returns the elapsed time in milliseconds.
func (r *Result) ElapsedMs() int64 {
	return r.Elapsed.Milliseconds()
}

// Run starts the process and waits for it. A non-zero exit is not an error;
// failures to start, invalid options and timeouts are returned as *tools.Error.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if len(opts.Argv) == 0 || strings.TrimSpace(opts.Argv[0]) == "" {
		return nil, tools.NewError(models.ErrInvalidRequest, "argv must not be empty")
	}
	if opts.Timeout <= 0 {
		return nil, tools.NewError(models.ErrInvalidRequest, "timeout must be > 0")
	}
	if opts.MaxStdoutBytes <= 0 || opts.MaxStderrBytes <= 0 {
		return nil, tools.NewError(models.ErrInvalidRequest, "max stdout/stderr byte limits must be > 0")
	}

	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Stdin = nil
	if opts.Env != nil {
		env := os.Environ()
		for k, v := range opts.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = killGrace

	stdout := newLimitedBuffer(opts.MaxStdoutBytes)
	stderr := newLimitedBuffer(opts.MaxStderrBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, tools.NewError(models.ErrProcessNotFound, "executable not found: %s", opts.Argv[0]).
				WithDetails(map[string]any{"argv0": opts.Argv[0]})
		}
		return nil, tools.NewError(models.ErrProcessStartFailed, "%v", err).
			WithDetails(map[string]any{"argv": strings.Join(opts.Argv, " ")})
	}
	waitErr := cmd.Wait()
	elapsed := time.Since(started)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, tools.NewError(models.ErrTimeout, "process exceeded timeout of %d ms", opts.Timeout.Milliseconds()).
			WithDetails(map[string]any{"timeout_ms": opts.Timeout.Milliseconds()})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &Result{
		Stdout:          strings.ToValidUTF8(stdout.String(), "�"),
		Stderr:          strings.ToValidUTF8(stderr.String(), "�"),
		ExitCode:        exitCode(waitErr),
		Elapsed:         elapsed,
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
	}
	if result.StdoutTruncated {
		result.Stdout += StdoutTruncatedMarker
	}
	if result.StderrTruncated {
		result.Stderr += StderrTruncatedMarker
	}
	return result, nil
}

type limitedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.max - len(b.buf)
	if len(p) > remaining {
		if remaining > 0 {
			b.buf = append(b.buf, p[:remaining]...)
		}
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *limitedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

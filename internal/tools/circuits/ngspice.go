// Package circuits exposes ngspice circuit simulation as tools.
package circuits

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/autosage/internal/jobs"
	"github.com/haasonsaas/autosage/internal/runner"
	"github.com/haasonsaas/autosage/internal/tools"
	"github.com/haasonsaas/autosage/pkg/models"
)

// Defaults applied when Config leaves a field empty.
const (
	DefaultBinary       = "ngspice"
	DefaultTimeout      = 10 * time.Second
	DefaultMaxFileBytes = 10_000_000
	defaultOutputBytes  = 1_000_000
	logExcerptLines     = 50
)

// collectedExtensions are the solver files reported as artifacts.
var collectedExtensions = map[string]bool{
	".cir": true,
	".log": true,
	".raw": true,
	".txt": true,
}

// Config controls how ngspice is invoked.
type Config struct {
	Binary       string
	Timeout      time.Duration
	MaxFileBytes int64
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Binary) == "" {
		c.Binary = DefaultBinary
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = DefaultMaxFileBytes
	}
	return c
}

// Register adds every circuits tool to reg.
func Register(reg *tools.Registry, cfg Config) error {
	cfg = cfg.withDefaults()
	for _, tool := range []tools.Tool{
		&Simulate{cfg: cfg},
		&ValidateNetlist{cfg: cfg},
		&Version{cfg: cfg},
		&Smoketest{cfg: cfg},
	} {
		if err := reg.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// session is one ngspice invocation context bound to a working directory.
type session struct {
	cfg     Config
	call    *tools.Call
	dir     string
	cleanup func()
}

func newSession(cfg Config, call *tools.Call) (*session, error) {
	s := &session{cfg: cfg, call: call, dir: call.WorkDir, cleanup: func() {}}
	if s.dir == "" {
		dir, err := os.MkdirTemp("", "autosage-ngspice-")
		if err != nil {
			return nil, fmt.Errorf("create scratch directory: %w", err)
		}
		s.dir = dir
		s.cleanup = func() { _ = os.RemoveAll(dir) }
	}
	return s, nil
}

func (s *session) writeFile(name, content string) error {
	if err := os.WriteFile(filepath.Join(s.dir, name), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (s *session) run(ctx context.Context, timeout time.Duration, args ...string) (*runner.Result, error) {
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	stdoutCap := s.call.Limits.MaxStdoutBytes
	if stdoutCap <= 0 {
		stdoutCap = defaultOutputBytes
	}
	stderrCap := s.call.Limits.MaxStderrBytes
	if stderrCap <= 0 {
		stderrCap = defaultOutputBytes
	}
	return runner.Run(ctx, runner.Options{
		Argv:           append([]string{s.cfg.Binary}, args...),
		Dir:            s.dir,
		Timeout:        timeout,
		MaxStdoutBytes: stdoutCap,
		MaxStderrBytes: stderrCap,
	})
}

func (s *session) readLog(name string) string {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return ""
	}
	return strings.ToValidUTF8(string(data), "�")
}

// artifacts lists solver files in the working directory, skipping files over the size cap.
func (s *session) artifacts() []models.Artifact {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return []models.Artifact{}
	}
	out := []models.Artifact{}
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if !collectedExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Size() > s.cfg.MaxFileBytes {
			continue
		}
		artifact := models.Artifact{
			Name:     entry.Name(),
			Size:     info.Size(),
			MimeType: jobs.DetectMimeType(entry.Name()),
		}
		if s.call.JobID != "" {
			artifact.URI = "/v1/jobs/" + s.call.JobID + "/artifacts/" + entry.Name()
		}
		out = append(out, artifact)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func processResult(run *runner.Result, summary string, artifacts []models.Artifact) *models.ToolResult {
	return &models.ToolResult{
		Status:    models.ResultOK,
		Summary:   summary,
		Stdout:    run.Stdout,
		Stderr:    run.Stderr,
		ExitCode:  run.ExitCode,
		Artifacts: artifacts,
		Metrics: map[string]any{
			"elapsed_ms": run.ElapsedMs(),
			"exit_code":  run.ExitCode,
		},
	}
}

func markFailed(result *models.ToolResult, code models.ErrorCode, message string) {
	result.Status = models.ResultError
	result.Summary = message
	result.SetMetric(models.MetricErrorCode, string(code))
	result.SetMetric(models.MetricErrorMessage, message)
}

// logHasErrors reports whether an ngspice log contains an error or fatal line.
func logHasErrors(log string) bool {
	for _, line := range strings.Split(log, "\n") {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "error:") || strings.Contains(lower, "fatal") {
			return true
		}
	}
	return false
}

// logExcerpt returns the error lines of a log, or its head when there are none.
func logExcerpt(log string, limit int) string {
	lines := strings.Split(strings.TrimRight(log, "\n"), "\n")
	var relevant []string
	for _, line := range lines {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "error:") || strings.Contains(lower, "fatal") {
			relevant = append(relevant, line)
		}
	}
	if len(relevant) == 0 {
		relevant = lines
	}
	if len(relevant) > limit {
		relevant = relevant[:limit]
	}
	return strings.Join(relevant, "\n")
}

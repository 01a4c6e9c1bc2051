package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestLoggerContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf, Level: "debug"})

	ctx := AddRequestID(context.Background(), "req-1")
	ctx = AddJobID(ctx, "job-1")
	ctx = AddSessionID(ctx, "sess-1")
	ctx = AddTool(ctx, "echo_json")
	logger.Info(ctx, "job completed", "duration_ms", 12)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	for key, want := range map[string]string{
		"request_id": "req-1",
		"job_id":     "job-1",
		"session_id": "sess-1",
		"tool":       "echo_json",
		"msg":        "job completed",
	} {
		if record[key] != want {
			t.Fatalf("%s = %v, want %q", key, record[key], want)
		}
	}
	if record["duration_ms"] != float64(12) {
		t.Fatalf("duration_ms = %v", record["duration_ms"])
	}
}

func TestLoggerRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	logger.Info(context.Background(), "calling upstream",
		"api_key", "abcdefghijklmnopqrstuvwxyz",
		"error", errors.New("password=hunter2hunter2"),
		"header", "Bearer abcdefghijklmnopqrstuvwxyz012345",
	)
	out := buf.String()
	for _, secret := range []string{"abcdefghijklmnopqrstuvwxyz", "hunter2hunter2"} {
		if strings.Contains(out, secret) {
			t.Fatalf("secret %q leaked: %s", secret, out)
		}
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected redaction marker: %s", out)
	}
}

func TestLoggerLevelChange(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf, Level: "warn"})

	logger.Info(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level")
	}
	logger.SetLevel("debug")
	logger.Debug(context.Background(), "visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("debug should be logged after level change")
	}
}

func TestLoggerRecent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf, BufferLines: 3})
	for i := 0; i < 5; i++ {
		logger.Info(context.Background(), "line", "i", i)
	}
	lines := logger.Recent(10)
	if len(lines) != 3 {
		t.Fatalf("expected 3 retained lines, got %d", len(lines))
	}
	if !strings.Contains(lines[2], `"i":4`) || !strings.Contains(lines[0], `"i":2`) {
		t.Fatalf("unexpected retained lines: %v", lines)
	}
	if got := logger.Recent(1); len(got) != 1 || !strings.Contains(got[0], `"i":4`) {
		t.Fatalf("Recent(1) = %v", got)
	}
	if logger.BufferSize() != 3 {
		t.Fatalf("BufferSize = %d", logger.BufferSize())
	}
}

func TestRingBufferPartialWrites(t *testing.T) {
	ring := NewRingBuffer(2)
	_, _ = ring.Write([]byte("hel"))
	_, _ = ring.Write([]byte("lo\nwor"))
	if got := ring.Lines(0); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("Lines = %v", got)
	}
	_, _ = ring.Write([]byte("ld\nthird\n"))
	got := ring.Lines(0)
	if len(got) != 2 || got[0] != "world" || got[1] != "third" {
		t.Fatalf("Lines = %v", got)
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := map[string]string{
		"debug":   "DEBUG",
		"WARNING": "WARN",
		"error":   "ERROR",
		"":        "INFO",
		"bogus":   "INFO",
	}
	for in, want := range tests {
		if got := LogLevelFromString(in).String(); got != want {
			t.Errorf("LogLevelFromString(%q) = %s, want %s", in, got, want)
		}
	}
}

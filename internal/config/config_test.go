package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvPort, "")
	t.Setenv(EnvRunsDir, "")
	t.Setenv(EnvLogLevel, "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Server.MaxBodyBytes != 10<<20 {
		t.Fatalf("max_body_bytes = %d", cfg.Server.MaxBodyBytes)
	}
	if cfg.Jobs.InlineWait != 250*time.Millisecond || cfg.Jobs.MaxWait != 120*time.Second {
		t.Fatalf("jobs = %+v", cfg.Jobs)
	}
	if cfg.Limits.MaxSummaryCharacters != 4000 || cfg.Limits.MaxArtifacts != 50 {
		t.Fatalf("limits = %+v", cfg.Limits)
	}
	if cfg.Admission.Policy != AdmissionReject {
		t.Fatalf("policy = %q", cfg.Admission.Policy)
	}
	if cfg.Sessions.Model.Provider != ModelScripted || cfg.Sessions.MaxIterations != 4 {
		t.Fatalf("sessions = %+v", cfg.Sessions)
	}
	if !cfg.Tools.Echo.IsEnabled() || !cfg.Tools.Circuits.IsEnabled() || !cfg.Observability.MetricsOn() {
		t.Fatalf("expected toggles to default on")
	}
	if cfg.Jobs.Retention != 0 || cfg.Sessions.Retention != 0 {
		t.Fatalf("retention should default off: jobs=%v sessions=%v", cfg.Jobs.Retention, cfg.Sessions.Retention)
	}
}

func TestRetentionWindows(t *testing.T) {
	tests := []struct {
		name        string
		yaml        string
		wantJobs    time.Duration
		wantSession time.Duration
		wantErr     bool
	}{
		{name: "explicit zero stays off", yaml: "jobs:\n  retention: 0s\nsessions:\n  retention: 0s\n"},
		{name: "opt in", yaml: "jobs:\n  retention: 24h\nsessions:\n  retention: 168h\n", wantJobs: 24 * time.Hour, wantSession: 168 * time.Hour},
		{name: "negative", yaml: "jobs:\n  retention: -1h\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, "autosage.yaml", tt.yaml))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load err = %v", err)
			}
			if tt.wantErr {
				return
			}
			if cfg.Jobs.Retention != tt.wantJobs || cfg.Sessions.Retention != tt.wantSession {
				t.Fatalf("retention jobs=%v sessions=%v", cfg.Jobs.Retention, cfg.Sessions.Retention)
			}
		})
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "autosage.yaml", `
server:
  port: 9090
jobs:
  runs_dir: /tmp/autosage-runs
  inline_wait: 1s
limits:
  max_artifacts: 3
admission:
  policy: queue
  queue_timeout: 2s
tools:
  sleep:
    enabled: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("port = %d", cfg.Server.Port)
	}
	if cfg.Jobs.InlineWait != time.Second {
		t.Fatalf("inline_wait = %v", cfg.Jobs.InlineWait)
	}
	if cfg.Limits.MaxArtifacts != 3 || cfg.Limits.MaxStdoutBytes != 1_000_000 {
		t.Fatalf("limits = %+v", cfg.Limits)
	}
	if cfg.Admission.Policy != AdmissionQueue || cfg.Admission.QueueTimeout != 2*time.Second {
		t.Fatalf("admission = %+v", cfg.Admission)
	}
	if cfg.Tools.Sleep.IsEnabled() {
		t.Fatalf("sleep should be disabled")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "autosage.yaml", `
server:
  port: 8081
  extra: true
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadAggregatesValidationErrors(t *testing.T) {
	path := writeConfig(t, "autosage.yaml", `
admission:
  policy: drop
logging:
  level: loud
`)
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"admission.policy", "logging.level"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestLoadRequiresOpenAIKey(t *testing.T) {
	path := writeConfig(t, "autosage.yaml", `
sessions:
  model:
    provider: openai
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("expected api_key error, got %v", err)
	}
}

func TestLoadAnthropicProvider(t *testing.T) {
	path := writeConfig(t, "autosage.yaml", `
sessions:
  model:
    provider: anthropic
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("expected api_key error, got %v", err)
	}

	path = writeConfig(t, "autosage.yaml", `
sessions:
  model:
    provider: anthropic
    api_key: sk-ant-test
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	model := cfg.Sessions.Model
	if model.Model != "claude-sonnet-4-20250514" || model.MaxTokens != 4096 {
		t.Fatalf("anthropic defaults not applied: %+v", model)
	}
}

func TestLoadIncludesAndJSON5(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.json5")
	if err := os.WriteFile(base, []byte(`{
  // shared defaults
  server: { port: 7000, host: "0.0.0.0" },
  logging: { level: "debug" },
}`), 0o600); err != nil {
		t.Fatal(err)
	}
	main := filepath.Join(dir, "autosage.yaml")
	if err := os.WriteFile(main, []byte("$include: base.json5\nserver:\n  port: 7001\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7001 {
		t.Fatalf("port = %d, want including file to win", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" || cfg.Logging.Level != "debug" {
		t.Fatalf("included values missing: %+v %+v", cfg.Server, cfg.Logging)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte("$include: b.yaml\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("$include: a.yaml\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(a); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvPort, "9191")
	t.Setenv(EnvRunsDir, "/var/lib/autosage")
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv("AUTOSAGE_TEST_SECRET", "0123456789abcdef")

	path := writeConfig(t, "autosage.yaml", `
server:
  port: 8000
admin:
  jwt_secret: ${AUTOSAGE_TEST_SECRET}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Fatalf("port = %d", cfg.Server.Port)
	}
	if cfg.Jobs.RunsDir != "/var/lib/autosage" || cfg.Logging.Level != "warn" {
		t.Fatalf("overrides not applied: %+v %+v", cfg.Jobs, cfg.Logging)
	}
	if cfg.Admin.JWTSecret != "0123456789abcdef" {
		t.Fatalf("jwt secret not expanded: %q", cfg.Admin.JWTSecret)
	}

	t.Setenv(EnvPort, "not-a-port")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for invalid port")
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	props, _ := doc["properties"].(map[string]any)
	for _, key := range []string{"server", "jobs", "limits", "admission", "sessions"} {
		if _, ok := props[key]; !ok {
			t.Fatalf("schema missing %q", key)
		}
	}
}

func TestWatcherReloads(t *testing.T) {
	path := writeConfig(t, "autosage.yaml", "logging:\n  level: info\n")

	changes := make(chan *Config, 4)
	w := NewWatcher(path, 20*time.Millisecond, nil, func(cfg *Config) { changes <- cfg })
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-changes:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("level = %q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/autosage/internal/results"
)

// Environment variables that override file values.
const (
	EnvConfigPath = "AUTOSAGE_CONFIG"
	EnvPort       = "AUTOSAGE_PORT"
	EnvRunsDir    = "AUTOSAGE_RUNS_DIR"
	EnvLogLevel   = "AUTOSAGE_LOG_LEVEL"
)

// Admission policies applied when the concurrent job cap is reached.
const (
	AdmissionReject = "reject"
	AdmissionQueue  = "queue"
)

// Model providers for session orchestration.
const (
	ModelScripted  = "scripted"
	ModelOpenAI    = "openai"
	ModelAnthropic = "anthropic"
)

// Config is the main configuration structure for AutoSage.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Jobs          JobsConfig          `yaml:"jobs"`
	Limits        results.Limits      `yaml:"limits"`
	Admission     AdmissionConfig     `yaml:"admission"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Tools         ToolsConfig         `yaml:"tools"`
	Admin         AdminConfig         `yaml:"admin"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// JobsConfig tunes job waits and storage. A positive Retention enables
// automatic pruning of finished jobs; zero keeps them until an explicit cleanup.
type JobsConfig struct {
	RunsDir         string        `yaml:"runs_dir"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MinWait         time.Duration `yaml:"min_wait"`
	MaxWait         time.Duration `yaml:"max_wait"`
	InlineWait      time.Duration `yaml:"inline_wait"`
	Retention       time.Duration `yaml:"retention"`
	CleanupSchedule string        `yaml:"cleanup_schedule"`
}

type AdmissionConfig struct {
	MaxConcurrentJobs int             `yaml:"max_concurrent_jobs"`
	Policy            string          `yaml:"policy"`
	QueueTimeout      time.Duration   `yaml:"queue_timeout"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

// SessionsConfig tunes uploads and chat runs. A positive Retention enables
// automatic pruning of idle sessions; zero keeps them until an explicit cleanup.
type SessionsConfig struct {
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	ToolWait       time.Duration `yaml:"tool_wait"`
	MaxIterations  int           `yaml:"max_iterations"`
	Retention      time.Duration `yaml:"retention"`
	Model          ModelConfig   `yaml:"model"`
}

type ModelConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

type ToolsConfig struct {
	Echo     ToggleConfig   `yaml:"echo"`
	Sleep    ToggleConfig   `yaml:"sleep"`
	Circuits CircuitsConfig `yaml:"circuits"`
}

// ToggleConfig enables a built-in tool. A missing value means enabled.
type ToggleConfig struct {
	Enabled *bool `yaml:"enabled"`
}

func (t ToggleConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

type CircuitsConfig struct {
	Enabled      *bool         `yaml:"enabled"`
	Binary       string        `yaml:"binary"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxFileBytes int64         `yaml:"max_file_bytes"`
}

func (c CircuitsConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

type AdminConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	Issuer    string        `yaml:"issuer"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	BufferLines int    `yaml:"buffer_lines"`
}

type ObservabilityConfig struct {
	MetricsEnabled *bool         `yaml:"metrics_enabled"`
	Tracing        TracingConfig `yaml:"tracing"`
}

func (o ObservabilityConfig) MetricsOn() bool {
	return o.MetricsEnabled == nil || *o.MetricsEnabled
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses the configuration file. An empty path yields defaults
// with environment overrides applied.
func Load(path string) (*Config, error) {
	var cfg *Config
	if strings.TrimSpace(path) == "" {
		cfg = &Config{}
	} else {
		raw, err := LoadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		cfg, err = decodeRawConfig(raw)
		if err != nil {
			return nil, err
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolvePath returns the explicit path, or AUTOSAGE_CONFIG when empty.
func ResolvePath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	return strings.TrimSpace(os.Getenv(EnvConfigPath))
}

func applyEnvOverrides(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv(EnvPort)); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid port %q", EnvPort, v)
		}
		cfg.Server.Port = port
	}
	if v := strings.TrimSpace(os.Getenv(EnvRunsDir)); v != "" {
		cfg.Jobs.RunsDir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 10 << 20
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	if cfg.Jobs.RunsDir == "" {
		cfg.Jobs.RunsDir = "runs"
	}
	if cfg.Jobs.PollInterval == 0 {
		cfg.Jobs.PollInterval = 10 * time.Millisecond
	}
	if cfg.Jobs.MinWait == 0 {
		cfg.Jobs.MinWait = time.Millisecond
	}
	if cfg.Jobs.MaxWait == 0 {
		cfg.Jobs.MaxWait = 120 * time.Second
	}
	if cfg.Jobs.InlineWait == 0 {
		cfg.Jobs.InlineWait = 250 * time.Millisecond
	}
	if cfg.Jobs.CleanupSchedule == "" {
		cfg.Jobs.CleanupSchedule = "@every 10m"
	}

	defaults := results.DefaultLimits()
	if cfg.Limits.MaxStdoutBytes == 0 {
		cfg.Limits.MaxStdoutBytes = defaults.MaxStdoutBytes
	}
	if cfg.Limits.MaxStderrBytes == 0 {
		cfg.Limits.MaxStderrBytes = defaults.MaxStderrBytes
	}
	if cfg.Limits.MaxSummaryCharacters == 0 {
		cfg.Limits.MaxSummaryCharacters = defaults.MaxSummaryCharacters
	}
	if cfg.Limits.MaxArtifactBytes == 0 {
		cfg.Limits.MaxArtifactBytes = defaults.MaxArtifactBytes
	}
	if cfg.Limits.MaxArtifacts == 0 {
		cfg.Limits.MaxArtifacts = defaults.MaxArtifacts
	}

	if cfg.Admission.MaxConcurrentJobs == 0 {
		cfg.Admission.MaxConcurrentJobs = 8
	}
	if cfg.Admission.Policy == "" {
		cfg.Admission.Policy = AdmissionReject
	}
	if cfg.Admission.QueueTimeout == 0 {
		cfg.Admission.QueueTimeout = 5 * time.Second
	}
	if cfg.Admission.RateLimit.RequestsPerSecond == 0 {
		cfg.Admission.RateLimit.RequestsPerSecond = 20
	}
	if cfg.Admission.RateLimit.BurstSize == 0 {
		cfg.Admission.RateLimit.BurstSize = 40
	}

	if cfg.Sessions.MaxUploadBytes == 0 {
		cfg.Sessions.MaxUploadBytes = 50 << 20
	}
	if cfg.Sessions.ToolWait == 0 {
		cfg.Sessions.ToolWait = 30 * time.Second
	}
	if cfg.Sessions.MaxIterations == 0 {
		cfg.Sessions.MaxIterations = 4
	}
	if cfg.Sessions.Model.Provider == "" {
		cfg.Sessions.Model.Provider = ModelScripted
	}
	if cfg.Sessions.Model.Provider == ModelOpenAI && cfg.Sessions.Model.Model == "" {
		cfg.Sessions.Model.Model = "gpt-4o-mini"
	}
	if cfg.Sessions.Model.Provider == ModelAnthropic {
		if cfg.Sessions.Model.Model == "" {
			cfg.Sessions.Model.Model = "claude-sonnet-4-20250514"
		}
		if cfg.Sessions.Model.MaxTokens == 0 {
			cfg.Sessions.Model.MaxTokens = 4096
		}
	}

	if cfg.Tools.Circuits.Binary == "" {
		cfg.Tools.Circuits.Binary = "ngspice"
	}
	if cfg.Tools.Circuits.Timeout == 0 {
		cfg.Tools.Circuits.Timeout = 10 * time.Second
	}
	if cfg.Tools.Circuits.MaxFileBytes == 0 {
		cfg.Tools.Circuits.MaxFileBytes = 10_000_000
	}

	if cfg.Admin.TokenTTL == 0 {
		cfg.Admin.TokenTTL = time.Hour
	}
	if cfg.Admin.Issuer == "" {
		cfg.Admin.Issuer = "autosage"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.BufferLines == 0 {
		cfg.Logging.BufferLines = 1000
	}

	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "autosage"
	}
	if cfg.Observability.Tracing.SampleRate == 0 {
		cfg.Observability.Tracing.SampleRate = 1.0
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if err := ValidateVersion(c.Version); err != nil {
		errs = append(errs, err)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		add("server.port must be between 0 and 65535")
	}
	if c.Server.MaxBodyBytes < 0 {
		add("server.max_body_bytes must be positive")
	}
	if strings.TrimSpace(c.Jobs.RunsDir) == "" {
		add("jobs.runs_dir is required")
	}
	if c.Jobs.MinWait < 0 || c.Jobs.MaxWait < c.Jobs.MinWait {
		add("jobs.max_wait must be at least jobs.min_wait")
	}
	if c.Jobs.PollInterval < 0 {
		add("jobs.poll_interval must be positive")
	}
	if c.Jobs.Retention < 0 || c.Sessions.Retention < 0 {
		add("retention windows must not be negative")
	}
	if c.Limits.MaxStdoutBytes < 0 || c.Limits.MaxStderrBytes < 0 || c.Limits.MaxSummaryCharacters < 0 ||
		c.Limits.MaxArtifactBytes < 0 || c.Limits.MaxArtifacts < 0 {
		add("limits must be positive")
	}
	if c.Admission.MaxConcurrentJobs < 0 {
		add("admission.max_concurrent_jobs must be positive")
	}
	switch c.Admission.Policy {
	case AdmissionReject, AdmissionQueue:
	default:
		add("admission.policy must be %q or %q", AdmissionReject, AdmissionQueue)
	}
	if c.Admission.RateLimit.RequestsPerSecond < 0 || c.Admission.RateLimit.BurstSize < 0 {
		add("admission.rate_limit values must be positive")
	}
	if c.Sessions.MaxIterations < 0 {
		add("sessions.max_iterations must be positive")
	}
	switch c.Sessions.Model.Provider {
	case ModelScripted:
	case ModelOpenAI, ModelAnthropic:
		if strings.TrimSpace(c.Sessions.Model.APIKey) == "" && strings.TrimSpace(c.Sessions.Model.BaseURL) == "" {
			add("sessions.model.api_key is required for provider %q", c.Sessions.Model.Provider)
		}
	default:
		add("sessions.model.provider must be one of %q, %q, %q", ModelScripted, ModelOpenAI, ModelAnthropic)
	}
	if c.Sessions.Model.MaxTokens < 0 {
		add("sessions.model.max_tokens must not be negative")
	}
	if c.Admin.JWTSecret != "" && len(c.Admin.JWTSecret) < 16 {
		add("admin.jwt_secret must be at least 16 characters")
	}
	if _, ok := logLevels[strings.ToLower(c.Logging.Level)]; !ok {
		add("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format must be json or text")
	}
	if c.Observability.Tracing.SampleRate < 0 || c.Observability.Tracing.SampleRate > 1 {
		add("observability.tracing.sample_rate must be between 0 and 1")
	}

	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Errors: errs}
}

var logLevels = map[string]struct{}{
	"debug": {}, "info": {}, "warn": {}, "warning": {}, "error": {},
}

// ValidationError aggregates configuration problems.
type ValidationError struct {
	Errors []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return "invalid config: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) Unwrap() error {
	return errors.Join(e.Errors...)
}

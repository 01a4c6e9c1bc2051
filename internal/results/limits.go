// Package results normalizes raw tool output into the canonical tool result
// shape and enforces execution limits on it.
package results

import (
	"encoding/json"
	"fmt"
)

// Default execution limits.
const (
	DefaultMaxStdoutBytes       = 1_000_000
	DefaultMaxStderrBytes       = 1_000_000
	DefaultMaxSummaryCharacters = 4_000
	DefaultMaxArtifactBytes     = 10_000_000
	DefaultMaxArtifacts         = 50
)

// Limits caps the size of a tool result. A zero or negative value disables that cap.
type Limits struct {
	MaxStdoutBytes       int   `json:"max_stdout_bytes" yaml:"max_stdout_bytes"`
	MaxStderrBytes       int   `json:"max_stderr_bytes" yaml:"max_stderr_bytes"`
	MaxSummaryCharacters int   `json:"max_summary_characters" yaml:"max_summary_characters"`
	MaxArtifactBytes     int64 `json:"max_artifact_bytes" yaml:"max_artifact_bytes"`
	MaxArtifacts         int   `json:"max_artifacts" yaml:"max_artifacts"`
}

// DefaultLimits returns the conservative default profile.
func DefaultLimits() Limits {
	return Limits{
		MaxStdoutBytes:       DefaultMaxStdoutBytes,
		MaxStderrBytes:       DefaultMaxStderrBytes,
		MaxSummaryCharacters: DefaultMaxSummaryCharacters,
		MaxArtifactBytes:     DefaultMaxArtifactBytes,
		MaxArtifacts:         DefaultMaxArtifacts,
	}
}

// Overrides holds per-request limit overrides. Nil fields keep the profile value.
type Overrides struct {
	MaxStdoutBytes       *int   `json:"max_stdout_bytes,omitempty"`
	MaxStderrBytes       *int   `json:"max_stderr_bytes,omitempty"`
	MaxSummaryCharacters *int   `json:"max_summary_characters,omitempty"`
	MaxArtifactBytes     *int64 `json:"max_artifact_bytes,omitempty"`
	MaxArtifacts         *int   `json:"max_artifacts,omitempty"`
}

// UnmarshalJSON accepts both snake_case and camelCase keys.
func (o *Overrides) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("limits must be an object: %w", err)
	}
	fields := []struct {
		names []string
		dst   any
	}{
		{[]string{"max_stdout_bytes", "maxStdoutBytes"}, &o.MaxStdoutBytes},
		{[]string{"max_stderr_bytes", "maxStderrBytes"}, &o.MaxStderrBytes},
		{[]string{"max_summary_characters", "maxSummaryCharacters"}, &o.MaxSummaryCharacters},
		{[]string{"max_artifact_bytes", "maxArtifactBytes"}, &o.MaxArtifactBytes},
		{[]string{"max_artifacts", "maxArtifacts"}, &o.MaxArtifacts},
	}
	for _, f := range fields {
		for _, name := range f.names {
			value, ok := raw[name]
			if !ok {
				continue
			}
			if err := json.Unmarshal(value, f.dst); err != nil {
				return fmt.Errorf("limits.%s: %w", name, err)
			}
			break
		}
	}
	return nil
}

// Validate rejects negative overrides.
func (o *Overrides) Validate() error {
	if o == nil {
		return nil
	}
	check := func(name string, v *int) error {
		if v != nil && *v < 0 {
			return fmt.Errorf("limits.%s must be >= 0", name)
		}
		return nil
	}
	if err := check("max_stdout_bytes", o.MaxStdoutBytes); err != nil {
		return err
	}
	if err := check("max_stderr_bytes", o.MaxStderrBytes); err != nil {
		return err
	}
	if err := check("max_summary_characters", o.MaxSummaryCharacters); err != nil {
		return err
	}
	if err := check("max_artifacts", o.MaxArtifacts); err != nil {
		return err
	}
	if o.MaxArtifactBytes != nil && *o.MaxArtifactBytes < 0 {
		return fmt.Errorf("limits.max_artifact_bytes must be >= 0")
	}
	return nil
}

// WithOverrides returns l with every set override applied.
func (l Limits) WithOverrides(o *Overrides) Limits {
	if o == nil {
		return l
	}
	if o.MaxStdoutBytes != nil {
		l.MaxStdoutBytes = *o.MaxStdoutBytes
	}
	if o.MaxStderrBytes != nil {
		l.MaxStderrBytes = *o.MaxStderrBytes
	}
	if o.MaxSummaryCharacters != nil {
		l.MaxSummaryCharacters = *o.MaxSummaryCharacters
	}
	if o.MaxArtifactBytes != nil {
		l.MaxArtifactBytes = *o.MaxArtifactBytes
	}
	if o.MaxArtifacts != nil {
		l.MaxArtifacts = *o.MaxArtifacts
	}
	return l
}

package results

import (
	"strings"

	"github.com/haasonsaas/autosage/pkg/models"
)

// Metric keys recorded when a limit fires.
const (
	MetricStdoutTruncatedBytes  = "limits.stdout_truncated_bytes"
	MetricStderrTruncatedBytes  = "limits.stderr_truncated_bytes"
	MetricSummaryTruncated      = "limits.summary_truncated"
	MetricArtifactsDroppedSize  = "limits.artifacts_dropped_size"
	MetricArtifactsDroppedCount = "limits.artifacts_dropped_count"
)

// Report describes which limits fired while applying a profile.
type Report struct {
	StdoutTruncatedBytes  int
	StderrTruncatedBytes  int
	SummaryTruncated      bool
	ArtifactsDroppedSize  int
	ArtifactsDroppedCount int
}

// Fired lists the limits that changed the result, in application order.
func (r Report) Fired() []string {
	var fired []string
	if r.StdoutTruncatedBytes > 0 {
		fired = append(fired, "stdout truncated")
	}
	if r.StderrTruncatedBytes > 0 {
		fired = append(fired, "stderr truncated")
	}
	if r.SummaryTruncated {
		fired = append(fired, "summary truncated")
	}
	if r.ArtifactsDroppedSize > 0 {
		fired = append(fired, "oversized artifacts dropped")
	}
	if r.ArtifactsDroppedCount > 0 {
		fired = append(fired, "artifact count capped")
	}
	return fired
}

// Note renders the bracketed summary note, or "" when nothing fired.
func (r Report) Note() string {
	fired := r.Fired()
	if len(fired) == 0 {
		return ""
	}
	return "[limits: " + strings.Join(fired, ", ") + "]"
}

// Apply enforces limits on result in place. The steps always run in the same
// order so the outcome is deterministic for a given input.
func Apply(result *models.ToolResult, limits Limits) Report {
	var report Report
	if result == nil {
		return report
	}

	result.Stdout, report.StdoutTruncatedBytes = TruncateUTF8(result.Stdout, limits.MaxStdoutBytes)
	result.Stderr, report.StderrTruncatedBytes = TruncateUTF8(result.Stderr, limits.MaxStderrBytes)

	result.Summary, report.SummaryTruncated = TruncateSummary(result.Summary, limits.MaxSummaryCharacters)

	if limits.MaxArtifactBytes > 0 && len(result.Artifacts) > 0 {
		kept := result.Artifacts[:0:0]
		for _, artifact := range result.Artifacts {
			if artifact.Size > limits.MaxArtifactBytes {
				report.ArtifactsDroppedSize++
				continue
			}
			kept = append(kept, artifact)
		}
		result.Artifacts = kept
	}

	if limits.MaxArtifacts > 0 && len(result.Artifacts) > limits.MaxArtifacts {
		report.ArtifactsDroppedCount = len(result.Artifacts) - limits.MaxArtifacts
		result.Artifacts = result.Artifacts[:limits.MaxArtifacts]
	}
	if result.Artifacts == nil {
		result.Artifacts = []models.Artifact{}
	}

	if report.StdoutTruncatedBytes > 0 {
		result.SetMetric(MetricStdoutTruncatedBytes, report.StdoutTruncatedBytes)
	}
	if report.StderrTruncatedBytes > 0 {
		result.SetMetric(MetricStderrTruncatedBytes, report.StderrTruncatedBytes)
	}
	if report.SummaryTruncated {
		result.SetMetric(MetricSummaryTruncated, true)
	}
	if report.ArtifactsDroppedSize > 0 {
		result.SetMetric(MetricArtifactsDroppedSize, report.ArtifactsDroppedSize)
	}
	if report.ArtifactsDroppedCount > 0 {
		result.SetMetric(MetricArtifactsDroppedCount, report.ArtifactsDroppedCount)
	}

	if note := report.Note(); note != "" {
		if result.Summary == "" {
			result.Summary = note
		} else {
			result.Summary = result.Summary + " " + note
		}
		// The note itself must not push the summary past the cap.
		result.Summary, _ = TruncateSummary(result.Summary, limits.MaxSummaryCharacters)
	}
	return report
}

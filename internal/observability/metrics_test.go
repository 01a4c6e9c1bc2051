package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordToolExecution(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.RecordToolExecution("echo_json", "ok", 0.01)
	metrics.RecordToolExecution("echo_json", "ok", 0.02)
	metrics.RecordToolExecution("sleep", "error", 0.5)

	expected := `
		# HELP autosage_tool_executions_total Total number of tool executions by tool and result status
		# TYPE autosage_tool_executions_total counter
		autosage_tool_executions_total{status="error",tool="sleep"} 1
		autosage_tool_executions_total{status="ok",tool="echo_json"} 2
	`
	if err := testutil.CollectAndCompare(metrics.ToolExecutionCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
	if count := testutil.CollectAndCount(metrics.ToolExecutionDuration); count != 2 {
		t.Errorf("expected 2 histogram series, got %d", count)
	}
}

func TestSetJobCounts(t *testing.T) {
	metrics := NewMetrics(nil)
	metrics.SetJobCounts(map[string]int{"queued": 1, "running": 2})
	metrics.SetJobCounts(map[string]int{"queued": 0, "running": 3})

	if got := testutil.ToFloat64(metrics.Jobs.WithLabelValues("running")); got != 3 {
		t.Errorf("running = %v, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.Jobs.WithLabelValues("queued")); got != 0 {
		t.Errorf("queued = %v, want 0", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.RecordToolExecution("x", "ok", 1)
	metrics.RecordAdmissionRejection()
	metrics.RecordHTTPRequest("GET", "/healthz", "200", 0.1)
	metrics.RecordSessionRun("ok")
	metrics.RecordStreamEvent("text_delta")
	metrics.RecordCleanup("jobs", 10)
	metrics.SetJobCounts(map[string]int{"queued": 1})
}

func TestRecordCleanupIgnoresZero(t *testing.T) {
	metrics := NewMetrics(nil)
	metrics.RecordCleanup("jobs", 0)
	metrics.RecordCleanup("jobs", 128)
	if got := testutil.ToFloat64(metrics.CleanupReclaimedBytes.WithLabelValues("jobs")); got != 128 {
		t.Errorf("reclaimed = %v, want 128", got)
	}
}

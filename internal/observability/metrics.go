package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the server.
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordToolExecution("echo_json", "ok", time.Since(start).Seconds())
type Metrics struct {
	// ToolExecutionCounter counts executions. Labels: tool, status (ok|error).
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures execution time in seconds. Labels: tool.
	ToolExecutionDuration *prometheus.HistogramVec

	// Jobs is the number of jobs per status currently held by the job store.
	Jobs *prometheus.GaugeVec

	// AdmissionRejections counts requests refused by the concurrency cap.
	AdmissionRejections prometheus.Counter

	// HTTPRequestDuration measures request latency. Labels: method, route, status_code.
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts requests. Labels: method, route, status_code.
	HTTPRequestCounter *prometheus.CounterVec

	// SessionRuns counts orchestration runs. Labels: status (ok|error).
	SessionRuns *prometheus.CounterVec

	// StreamEvents counts session events written to clients. Labels: type.
	StreamEvents *prometheus.CounterVec

	// CleanupReclaimedBytes counts bytes removed by cleanup. Labels: kind (jobs|sessions).
	CleanupReclaimedBytes *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg uses a private registry, which keeps tests isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autosage_tool_executions_total",
				Help: "Total number of tool executions by tool and result status",
			},
			[]string{"tool", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autosage_tool_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"tool"},
		),
		Jobs: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "autosage_jobs",
				Help: "Number of jobs held in memory by status",
			},
			[]string{"status"},
		),
		AdmissionRejections: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "autosage_admission_rejections_total",
				Help: "Total number of requests rejected because the job concurrency cap was reached",
			},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autosage_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"method", "route", "status_code"},
		),
		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autosage_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),
		SessionRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autosage_session_runs_total",
				Help: "Total number of session orchestration runs by status",
			},
			[]string{"status"},
		),
		StreamEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autosage_stream_events_total",
				Help: "Total number of session events streamed to clients by type",
			},
			[]string{"type"},
		),
		CleanupReclaimedBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autosage_cleanup_reclaimed_bytes_total",
				Help: "Total bytes reclaimed by cleanup by kind",
			},
			[]string{"kind"},
		),
	}
}

// RecordToolExecution records one finished tool execution.
func (m *Metrics) RecordToolExecution(tool, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// SetJobCounts publishes the current number of jobs per status.
func (m *Metrics) SetJobCounts(counts map[string]int) {
	if m == nil {
		return
	}
	for status, n := range counts {
		m.Jobs.WithLabelValues(status).Set(float64(n))
	}
}

// RecordAdmissionRejection counts one rejected submission.
func (m *Metrics) RecordAdmissionRejection() {
	if m == nil {
		return
	}
	m.AdmissionRejections.Inc()
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, route, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestCounter.WithLabelValues(method, route, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, statusCode).Observe(durationSeconds)
}

// RecordSessionRun counts one orchestration run.
func (m *Metrics) RecordSessionRun(status string) {
	if m == nil {
		return
	}
	m.SessionRuns.WithLabelValues(status).Inc()
}

// RecordStreamEvent counts one event written to a stream.
func (m *Metrics) RecordStreamEvent(eventType string) {
	if m == nil {
		return
	}
	m.StreamEvents.WithLabelValues(eventType).Inc()
}

// RecordCleanup adds reclaimed bytes for a cleanup kind.
func (m *Metrics) RecordCleanup(kind string, bytes int64) {
	if m == nil || bytes <= 0 {
		return
	}
	m.CleanupReclaimedBytes.WithLabelValues(kind).Add(float64(bytes))
}

// Package observability provides logging, metrics and tracing for the AutoSage server.
//
// # Logging
//
// Logger wraps log/slog. Records carry the request, job, session and tool ids
// found in the context, secrets are redacted, and the most recent lines are
// kept in a ring buffer that backs the admin log endpoint:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", BufferLines: 1000})
//	ctx = observability.AddJobID(ctx, job.ID)
//	logger.Info(ctx, "job started", "tool", job.ToolName)
//
// The level can be changed at runtime with SetLevel, which the config watcher uses.
//
// # Metrics
//
// Metrics registers Prometheus collectors on a caller-supplied registry:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordToolExecution("circuits.simulate", "ok", elapsed.Seconds())
//
// # Tracing
//
// Tracer exports spans over OTLP/gRPC when an endpoint is configured and is a
// no-op otherwise. Tool executions get one span each:
//
//	ctx, span := tracer.TraceToolExecution(ctx, "circuits.simulate", job.ID)
//	defer span.End()
package observability

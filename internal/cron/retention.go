package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/autosage/internal/jobs"
	"github.com/haasonsaas/autosage/internal/observability"
	"github.com/haasonsaas/autosage/internal/sessions"
)

// Task names registered by RegisterRetention.
const (
	TaskPruneJobs     = "prune-jobs"
	TaskPruneSessions = "prune-sessions"
)

// Retention removes finished jobs and idle sessions older than their
// retention windows. A zero window disables that half, leaving records in
// place until an explicit cleanup.
type Retention struct {
	Jobs       *jobs.Store
	Sessions   *sessions.Store
	JobAge     time.Duration
	SessionAge time.Duration
	Metrics    *observability.Metrics
	Logger     *slog.Logger
	// AfterJobs runs after jobs were removed, e.g. to refresh gauges.
	AfterJobs func()
}

// PruneJobs removes terminal jobs that finished before the job window.
func (r Retention) PruneJobs(ctx context.Context) error {
	if r.Jobs == nil || r.JobAge <= 0 {
		return nil
	}
	report, err := r.Jobs.Prune(ctx, r.JobAge)
	r.Metrics.RecordCleanup("jobs", report.ReclaimedBytes)
	if report.DeletedJobs > 0 {
		if r.AfterJobs != nil {
			r.AfterJobs()
		}
		r.logger().Info("pruned jobs", "deleted", report.DeletedJobs, "reclaimed_bytes", report.ReclaimedBytes)
	}
	return err
}

// PruneSessions removes sessions not updated within the session window.
func (r Retention) PruneSessions(ctx context.Context) error {
	if r.Sessions == nil || r.SessionAge <= 0 {
		return nil
	}
	report, err := r.Sessions.Prune(ctx, r.SessionAge)
	r.Metrics.RecordCleanup("sessions", report.ReclaimedBytes)
	if report.DeletedSessions > 0 {
		r.logger().Info("pruned sessions", "deleted", report.DeletedSessions, "reclaimed_bytes", report.ReclaimedBytes)
	}
	return err
}

func (r Retention) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Enabled reports whether either window is positive.
func (r Retention) Enabled() bool {
	return (r.Jobs != nil && r.JobAge > 0) || (r.Sessions != nil && r.SessionAge > 0)
}

// RegisterRetention adds a prune task to s for each enabled window and
// returns the names it registered. Nothing is registered when both windows
// are zero.
func RegisterRetention(s *Scheduler, expr string, r Retention) ([]string, error) {
	var names []string
	if r.Jobs != nil && r.JobAge > 0 {
		if err := s.Add(TaskPruneJobs, expr, r.PruneJobs); err != nil {
			return nil, err
		}
		names = append(names, TaskPruneJobs)
	}
	if r.Sessions != nil && r.SessionAge > 0 {
		if err := s.Add(TaskPruneSessions, expr, r.PruneSessions); err != nil {
			return names, err
		}
		names = append(names, TaskPruneSessions)
	}
	return names, nil
}

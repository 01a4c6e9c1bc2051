package gateway

import (
	"net/http"

	"github.com/haasonsaas/autosage/pkg/models"
)

const defaultLogLimit = 200

type logsResponse struct {
	Lines []string `json:"lines"`
}

func (s *Server) handleClearJobs(w http.ResponseWriter, r *http.Request) {
	report, err := s.dispatcher.Store().Cleanup(r.Context())
	s.dispatcher.PublishCounts()
	s.metrics.RecordCleanup("jobs", report.ReclaimedBytes)
	if err != nil {
		s.logger.Error(r.Context(), "job cleanup failed", "error", err)
		writeError(w, http.StatusInternalServerError, models.ErrAdminCleanupFailed, "failed to clear jobs", map[string]any{
			"deletedJobs": report.DeletedJobs,
			"reason":      err.Error(),
		})
		return
	}
	s.logger.Info(r.Context(), "cleared jobs", "deleted", report.DeletedJobs, "reclaimed_bytes", report.ReclaimedBytes)
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleClearSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusNotFound, models.ErrNotFound, "sessions are not enabled", nil)
		return
	}
	report, err := s.sessions.Cleanup(r.Context())
	s.metrics.RecordCleanup("sessions", report.ReclaimedBytes)
	if err != nil {
		s.logger.Error(r.Context(), "session cleanup failed", "error", err)
		writeError(w, http.StatusInternalServerError, models.ErrAdminCleanupFailed, "failed to clear sessions", map[string]any{
			"deletedSessions": report.DeletedSessions,
			"reason":          err.Error(),
		})
		return
	}
	s.logger.Info(r.Context(), "cleared sessions", "deleted", report.DeletedSessions, "reclaimed_bytes", report.ReclaimedBytes)
	writeJSON(w, http.StatusOK, report)
}

// handleAdminLogs returns recent log lines, oldest first. The limit is
// clamped to the ring buffer size.
func (s *Server) handleAdminLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultLogLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, models.ErrInvalidRequest, err.Error(), nil)
		return
	}
	if size := s.logger.BufferSize(); limit > size {
		limit = size
	}
	lines := []string{}
	if limit > 0 {
		lines = s.logger.Recent(limit)
	}
	writeJSON(w, http.StatusOK, logsResponse{Lines: lines})
}

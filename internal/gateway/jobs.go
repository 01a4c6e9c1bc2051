package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/autosage/internal/dispatch"
	"github.com/haasonsaas/autosage/internal/jobs"
	"github.com/haasonsaas/autosage/internal/results"
	"github.com/haasonsaas/autosage/pkg/models"
)

// Submission modes for POST /v1/jobs.
const (
	modeAsync = "async"
	modeSync  = "sync"
)

type submitJobRequest struct {
	ToolName string             `json:"tool_name"`
	Input    json.RawMessage    `json:"input,omitempty"`
	Limits   *results.Overrides `json:"limits,omitempty"`
	Mode     string             `json:"mode,omitempty"`
	WaitMs   int64              `json:"wait_ms,omitempty"`
}

// jobRef points at a job the caller can poll.
type jobRef struct {
	JobID  string      `json:"job_id"`
	Status jobs.Status `json:"status"`
}

// jobView is the public shape of a job.
type jobView struct {
	JobID      string             `json:"job_id"`
	ToolName   string             `json:"tool_name"`
	Status     jobs.Status        `json:"status"`
	Summary    string             `json:"summary,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
	Result     *models.ToolResult `json:"result,omitempty"`
	Error      *models.ErrorInfo  `json:"error,omitempty"`
}

func newJobView(job *jobs.Job) jobView {
	v := jobView{
		JobID:     job.ID,
		ToolName:  job.ToolName,
		Status:    job.Status,
		Summary:   job.Summary,
		CreatedAt: job.CreatedAt,
		Result:    job.Result,
		Error:     job.Error,
	}
	if !job.StartedAt.IsZero() {
		t := job.StartedAt
		v.StartedAt = &t
	}
	if !job.FinishedAt.IsZero() {
		t := job.FinishedAt
		v.FinishedAt = &t
	}
	return v
}

type jobListResponse struct {
	Jobs   []jobView `json:"jobs"`
	Limit  int       `json:"limit"`
	Offset int       `json:"offset"`
}

type artifactListResponse struct {
	JobID string            `json:"job_id"`
	Files []models.Artifact `json:"files"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var body submitJobRequest
	if err := decodeBody(w, r, s.config.MaxBodyBytes, &body); err != nil {
		writeError(w, http.StatusBadRequest, models.ErrInvalidRequest, err.Error(), nil)
		return
	}
	mode := strings.ToLower(strings.TrimSpace(body.Mode))
	if mode == "" {
		mode = modeAsync
	}
	if mode != modeAsync && mode != modeSync {
		writeError(w, http.StatusBadRequest, models.ErrInvalidRequest,
			fmt.Sprintf("mode must be %q or %q", modeAsync, modeSync), map[string]any{"mode": body.Mode})
		return
	}

	h, err := s.dispatcher.Submit(r.Context(), &dispatch.Request{
		Tool:   body.ToolName,
		Input:  body.Input,
		Limits: body.Limits,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}

	if mode == modeAsync {
		writeJSON(w, http.StatusAccepted, jobRef{JobID: h.ID(), Status: h.Job.Status})
		return
	}

	job, ok := s.dispatcher.Wait(r.Context(), h.ID(), s.dispatcher.ClampWait(body.WaitMs))
	if !ok {
		writeError(w, http.StatusNotFound, models.ErrNotFound, "job disappeared before completion", map[string]any{"job_id": h.ID()})
		return
	}
	if !job.Status.Terminal() {
		writeJSON(w, http.StatusAccepted, jobRef{JobID: job.ID, Status: job.Status})
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, models.ErrInvalidRequest, err.Error(), nil)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, models.ErrInvalidRequest, err.Error(), nil)
		return
	}
	list := s.dispatcher.Store().List(limit, offset)
	views := make([]jobView, 0, len(list))
	for _, job := range list {
		views = append(views, newJobView(job))
	}
	writeJSON(w, http.StatusOK, jobListResponse{Jobs: views, Limit: limit, Offset: offset})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, ok := s.dispatcher.Store().Get(id)
	if !ok {
		writeJobNotFound(w, id)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	files, ok := s.dispatcher.Store().ListArtifacts(id)
	if !ok {
		writeJobNotFound(w, id)
		return
	}
	writeJSON(w, http.StatusOK, artifactListResponse{JobID: id, Files: files})
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id, name := r.PathValue("id"), r.PathValue("name")
	p, ok := s.dispatcher.Store().ArtifactPath(id, name)
	if !ok {
		writeError(w, http.StatusNotFound, models.ErrNotFound, "artifact not found", map[string]any{"job_id": id, "name": name})
		return
	}
	serveFile(w, r, p, name)
}

func writeJobNotFound(w http.ResponseWriter, id string) {
	writeError(w, http.StatusNotFound, models.ErrNotFound, "job not found", map[string]any{"job_id": id})
}

// serveFile streams a resolved file with a content type derived from name.
func serveFile(w http.ResponseWriter, r *http.Request, p, name string) {
	f, err := os.Open(p)
	if err != nil {
		writeError(w, http.StatusNotFound, models.ErrNotFound, "file not found", map[string]any{"name": name})
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, models.ErrInternal, "stat file", nil)
		return
	}
	w.Header().Set("Content-Type", jobs.DetectMimeType(name))
	http.ServeContent(w, r, "", info.ModTime(), f)
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/autosage/internal/dispatch"
	"github.com/haasonsaas/autosage/internal/jobs"
	"github.com/haasonsaas/autosage/internal/results"
	"github.com/haasonsaas/autosage/pkg/models"
)

// Response lifecycle states.
const (
	responseCompleted  = "completed"
	responseFailed     = "failed"
	responseInProgress = "in_progress"
)

type responsesRequest struct {
	Tool   string             `json:"tool"`
	Input  json.RawMessage    `json:"input,omitempty"`
	Limits *results.Overrides `json:"limits,omitempty"`
}

// responseBody embeds the tool result when the job finished within the
// inline wait, and a job reference otherwise.
type responseBody struct {
	ID        string             `json:"id"`
	Object    string             `json:"object"`
	CreatedAt int64              `json:"created_at"`
	Status    string             `json:"status"`
	Tool      string             `json:"tool"`
	Job       jobRef             `json:"job"`
	Output    *models.ToolResult `json:"output,omitempty"`
}

func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	var body responsesRequest
	if err := decodeBody(w, r, s.config.MaxBodyBytes, &body); err != nil {
		writeError(w, http.StatusBadRequest, models.ErrInvalidRequest, err.Error(), nil)
		return
	}
	created := time.Now()
	h, err := s.dispatcher.Submit(r.Context(), &dispatch.Request{Tool: body.Tool, Input: body.Input, Limits: body.Limits})
	if err != nil {
		writeFailure(w, err)
		return
	}

	job := s.dispatcher.Await(r.Context(), h, s.config.InlineWait)
	resp := responseBody{
		ID:        "resp_" + uuid.NewString(),
		Object:    "response",
		CreatedAt: created.Unix(),
		Tool:      job.ToolName,
		Job:       jobRef{JobID: job.ID, Status: job.Status},
	}
	switch job.Status {
	case jobs.StatusSucceeded:
		resp.Status = responseCompleted
		resp.Output = job.Result
	case jobs.StatusFailed:
		resp.Status = responseFailed
		resp.Output = job.Result
	default:
		resp.Status = responseInProgress
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

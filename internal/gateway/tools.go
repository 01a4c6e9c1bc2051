package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/haasonsaas/autosage/internal/dispatch"
	"github.com/haasonsaas/autosage/internal/results"
	"github.com/haasonsaas/autosage/internal/tools"
	"github.com/haasonsaas/autosage/pkg/models"
)

type executeRequest struct {
	Tool    string             `json:"tool"`
	Input   json.RawMessage    `json:"input,omitempty"`
	Context json.RawMessage    `json:"context,omitempty"`
	Limits  *results.Overrides `json:"limits,omitempty"`
}

type toolsResponse struct {
	Tools []tools.Descriptor `json:"tools"`
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	stability, err := tools.ParseStability(query.Get("stability"))
	if err != nil {
		writeError(w, http.StatusBadRequest, models.ErrInvalidRequest, err.Error(), map[string]any{"stability": query.Get("stability")})
		return
	}
	writeJSON(w, http.StatusOK, toolsResponse{
		Tools: s.dispatcher.Registry().List(tools.Filter{Stability: stability, Tags: parseTags(query["tags"])}),
	})
}

// parseTags accepts repeated and comma separated tags.
func parseTags(values []string) []string {
	var tags []string
	for _, v := range values {
		for _, tag := range strings.Split(v, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
	}
	return tags
}

// handleExecute runs a tool inline. The body is always a tool result.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body executeRequest
	if err := decodeBody(w, r, s.config.MaxBodyBytes, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResult(strings.TrimSpace(body.Tool), models.ErrInvalidRequest, err.Error(), nil))
		return
	}
	result, status := s.dispatcher.Execute(r.Context(), &dispatch.Request{
		Tool:    body.Tool,
		Input:   body.Input,
		Context: body.Context,
		Limits:  body.Limits,
	})
	writeJSON(w, status, result)
}

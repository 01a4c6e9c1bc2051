package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/haasonsaas/autosage/internal/orchestrator"
	"github.com/haasonsaas/autosage/internal/sessions"
	"github.com/haasonsaas/autosage/pkg/models"
)

// uploadField is the multipart field carrying the session input.
const uploadField = "file"

type chatRequest struct {
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream,omitempty"`
}

// doneEvent terminates a successful stream.
type doneEvent struct {
	SessionID string `json:"session_id"`
	Reply     string `json:"reply"`
	ToolCalls int    `json:"tool_calls"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		writeError(w, http.StatusBadRequest, models.ErrInvalidRequest, "expected a multipart/form-data upload", nil)
		return
	}
	// Leave room for the multipart framing around the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes+1<<20)
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, models.ErrInvalidRequest, err.Error(), nil)
		return
	}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeUploadError(w, err, s.config.MaxUploadBytes)
			return
		}
		if part.FormName() != uploadField {
			_ = part.Close()
			continue
		}
		filename := part.FileName()
		if filename == "" {
			filename = "input"
		}
		m, err := s.sessions.Create(r.Context(), filename, part.Header.Get("Content-Type"), part, s.config.MaxUploadBytes)
		_ = part.Close()
		if err != nil {
			writeUploadError(w, err, s.config.MaxUploadBytes)
			return
		}
		s.logger.Info(r.Context(), "session created", "session_id", m.ID, "filename", m.Input.Filename, "size", m.Input.Size)
		writeJSON(w, http.StatusCreated, m)
		return
	}
	writeError(w, http.StatusBadRequest, models.ErrInvalidRequest, fmt.Sprintf("multipart field %q is required", uploadField), nil)
}

func writeUploadError(w http.ResponseWriter, err error, limit int64) {
	var maxErr *http.MaxBytesError
	if errors.Is(err, sessions.ErrUploadTooLarge) || errors.As(err, &maxErr) {
		writeError(w, http.StatusRequestEntityTooLarge, models.ErrInvalidRequest,
			fmt.Sprintf("upload exceeds %d bytes", limit), map[string]any{"max_upload_bytes": limit})
		return
	}
	writeError(w, http.StatusBadRequest, models.ErrInvalidRequest, err.Error(), nil)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, ok := s.sessions.Get(id)
	if !ok {
		writeSessionNotFound(w, id)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleSessionAsset(w http.ResponseWriter, r *http.Request) {
	id, name := r.PathValue("id"), r.PathValue("path")
	p, ok := s.sessions.AssetPath(id, name)
	if !ok {
		writeError(w, http.StatusNotFound, models.ErrNotFound, "asset not found", map[string]any{"session_id": id, "path": name})
		return
	}
	serveFile(w, r, p, name)
}

func writeSessionNotFound(w http.ResponseWriter, id string) {
	writeError(w, http.StatusNotFound, models.ErrNotFound, "session not found", map[string]any{"session_id": id})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body chatRequest
	if err := decodeBody(w, r, s.config.MaxBodyBytes, &body); err != nil {
		writeError(w, http.StatusBadRequest, models.ErrInvalidRequest, err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		writeError(w, http.StatusBadRequest, models.ErrInvalidRequest, orchestrator.ErrEmptyPrompt.Error(), nil)
		return
	}
	if _, ok := s.sessions.Get(id); !ok {
		writeSessionNotFound(w, id)
		return
	}

	// Runs finish and persist even when the client goes away.
	ctx := context.WithoutCancel(r.Context())

	if body.Stream || wantsEventStream(r) {
		s.streamChat(ctx, w, id, body.Prompt)
		return
	}

	reply, err := s.orchestrator.Run(ctx, id, body.Prompt, nil)
	if err != nil {
		status, info := runError(err)
		writeJSON(w, status, models.ErrorEnvelope{Error: info})
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func wantsEventStream(r *http.Request) bool {
	for _, v := range r.Header.Values("Accept") {
		if strings.Contains(v, "text/event-stream") {
			return true
		}
	}
	return false
}

// runError maps an orchestration failure to a status and error body.
func runError(err error) (int, models.ErrorInfo) {
	switch {
	case errors.Is(err, sessions.ErrNotFound):
		return http.StatusNotFound, models.ErrorInfo{Code: models.ErrNotFound, Message: "session not found"}
	case errors.Is(err, orchestrator.ErrEmptyPrompt):
		return http.StatusBadRequest, models.ErrorInfo{Code: models.ErrInvalidRequest, Message: err.Error()}
	default:
		return http.StatusInternalServerError, models.ErrorInfo{Code: models.ErrSolverFailed, Message: err.Error()}
	}
}

// sseWriter frames session events as server-sent events.
type sseWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func (s *sseWriter) write(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Emit implements orchestrator.Sink.
func (s *sseWriter) Emit(_ context.Context, ev models.SessionEvent) error {
	return s.write(string(ev.Type), ev)
}

func (s *Server) streamChat(ctx context.Context, w http.ResponseWriter, id, prompt string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, models.ErrInternal, "streaming unsupported", nil)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sse := &sseWriter{w: w, flusher: flusher}
	reply, err := s.orchestrator.Run(ctx, id, prompt, sse)
	if err != nil {
		_, info := runError(err)
		s.logger.Warn(ctx, "session run failed", "session_id", id, "error", err)
		_ = sse.write(models.StreamEventError, models.ErrorEnvelope{Error: info})
		s.metrics.RecordStreamEvent(models.StreamEventError)
		return
	}
	_ = sse.write(models.StreamEventDone, doneEvent{SessionID: id, Reply: reply.Reply, ToolCalls: len(reply.ToolCalls)})
	s.metrics.RecordStreamEvent(models.StreamEventDone)
}

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/haasonsaas/autosage/internal/dispatch"
	"github.com/haasonsaas/autosage/pkg/models"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	if w == nil {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if err := enc.Encode(payload); err != nil {
		// The client may have disconnected.
		return
	}
}

func writeError(w http.ResponseWriter, status int, code models.ErrorCode, message string, details map[string]any) {
	writeJSON(w, status, models.NewErrorEnvelope(code, message, details))
}

// writeFailure renders a dispatcher rejection as an error envelope.
func writeFailure(w http.ResponseWriter, err error) {
	var f *dispatch.Failure
	if errors.As(err, &f) {
		writeJSON(w, f.Status, models.ErrorEnvelope{Error: f.Info()})
		return
	}
	writeError(w, http.StatusInternalServerError, models.ErrInternal, "internal server error", nil)
}

// errEmptyBody is returned by decodeBody for a request without a body.
var errEmptyBody = errors.New("request body is required")

// decodeBody reads at most limit bytes and decodes one JSON value into v.
// Unknown fields are allowed so clients can send extra context.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	body := http.MaxBytesReader(w, r.Body, limit)
	data, err := io.ReadAll(body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		}
		return fmt.Errorf("read body: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return errEmptyBody
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, models.ErrNotFound, fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path), nil)
}

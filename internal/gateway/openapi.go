package gateway

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/autosage/internal/jobs"
	"github.com/haasonsaas/autosage/internal/results"
	"github.com/haasonsaas/autosage/internal/sessions"
	"github.com/haasonsaas/autosage/internal/tools"
	"github.com/haasonsaas/autosage/pkg/models"
)

// componentTypes are reflected into #/components/schemas.
var componentTypes = map[string]any{
	"ToolResult":       &models.ToolResult{},
	"ErrorEnvelope":    &models.ErrorEnvelope{},
	"ToolDescriptor":   &tools.Descriptor{},
	"ToolList":         &toolsResponse{},
	"ExecuteRequest":   &executeRequest{},
	"SubmitJobRequest": &submitJobRequest{},
	"JobReference":     &jobRef{},
	"Job":              &jobView{},
	"JobList":          &jobListResponse{},
	"ArtifactList":     &artifactListResponse{},
	"ResponsesRequest": &responsesRequest{},
	"Response":         &responseBody{},
	"SessionManifest":  &sessions.Manifest{},
	"ChatRequest":      &chatRequest{},
	"SessionEvent":     &models.SessionEvent{},
	"Limits":           &results.Limits{},
	"JobCleanup":       &jobs.CleanupReport{},
	"SessionCleanup":   &sessions.CleanupReport{},
	"LogLines":         &logsResponse{},
	"StreamDone":       &doneEvent{},
}

type operation struct {
	method, path, summary string
	request, response     string
	tag                   string
}

var operations = []operation{
	{"get", "/healthz", "Liveness probe", "", "", "system"},
	{"get", "/v1/tools", "List tools, filtered by stability and tags", "", "ToolList", "tools"},
	{"post", "/v1/tools/execute", "Execute a tool inline", "ExecuteRequest", "ToolResult", "tools"},
	{"post", "/v1/jobs", "Submit a job", "SubmitJobRequest", "JobReference", "jobs"},
	{"get", "/v1/jobs", "List jobs", "", "JobList", "jobs"},
	{"get", "/v1/jobs/{id}", "Get a job", "", "Job", "jobs"},
	{"get", "/v1/jobs/{id}/artifacts", "List job artifacts", "", "ArtifactList", "jobs"},
	{"get", "/v1/jobs/{id}/artifacts/{name}", "Download a job artifact", "", "", "jobs"},
	{"post", "/v1/responses", "Invoke a tool with a bounded wait", "ResponsesRequest", "Response", "jobs"},
	{"post", "/v1/sessions", "Create a session from an upload", "", "SessionManifest", "sessions"},
	{"get", "/v1/sessions/{id}", "Get a session manifest", "", "SessionManifest", "sessions"},
	{"get", "/v1/sessions/{id}/assets/{path}", "Download a session asset", "", "", "sessions"},
	{"post", "/v1/sessions/{id}/chat", "Chat within a session, optionally as server-sent events", "ChatRequest", "", "sessions"},
	{"get", "/v1/sessions/{id}/ws", "Chat within a session over a websocket", "", "", "sessions"},
	{"post", "/v1/admin/clear-jobs", "Delete finished jobs", "", "JobCleanup", "admin"},
	{"post", "/v1/admin/clear-sessions", "Delete every session", "", "SessionCleanup", "admin"},
	{"get", "/v1/admin/logs", "Recent log lines", "", "LogLines", "admin"},
}

var (
	openAPIOnce sync.Once
	openAPIDoc  []byte
	openAPIErr  error
)

func ref(name string) map[string]any {
	return map[string]any{"$ref": "#/components/schemas/" + name}
}

func buildOpenAPI(version string) ([]byte, error) {
	r := &jsonschema.Reflector{DoNotReference: true}
	schemas := make(map[string]any, len(componentTypes))
	for name, v := range componentTypes {
		schema := r.Reflect(v)
		schema.Version = ""
		schemas[name] = schema
	}

	errorResponse := map[string]any{
		"description": "Error",
		"content":     map[string]any{"application/json": map[string]any{"schema": ref("ErrorEnvelope")}},
	}
	paths := map[string]map[string]any{}
	for _, op := range operations {
		entry := map[string]any{
			"summary":   op.summary,
			"tags":      []string{op.tag},
			"responses": map[string]any{"default": errorResponse},
		}
		ok := map[string]any{"description": "OK"}
		if op.response != "" {
			ok["content"] = map[string]any{"application/json": map[string]any{"schema": ref(op.response)}}
		}
		entry["responses"].(map[string]any)["200"] = ok
		if op.request != "" {
			entry["requestBody"] = map[string]any{
				"required": true,
				"content":  map[string]any{"application/json": map[string]any{"schema": ref(op.request)}},
			}
		}
		if op.tag == "admin" {
			entry["security"] = []map[string][]string{{"bearerAuth": {}}}
		}
		if paths[op.path] == nil {
			paths[op.path] = map[string]any{}
		}
		paths[op.path][op.method] = entry
	}

	doc := map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "AutoSage API",
			"version": version,
		},
		"paths": paths,
		"components": map[string]any{
			"schemas": schemas,
			"securitySchemes": map[string]any{
				"bearerAuth": map[string]any{"type": "http", "scheme": "bearer", "bearerFormat": "JWT"},
			},
		},
	}
	return json.MarshalIndent(doc, "", "  ")
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	openAPIOnce.Do(func() {
		openAPIDoc, openAPIErr = buildOpenAPI(s.config.Version)
	})
	if openAPIErr != nil {
		writeError(w, http.StatusInternalServerError, models.ErrInternal, "failed to build openapi document", nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(openAPIDoc) //nolint:errcheck
}

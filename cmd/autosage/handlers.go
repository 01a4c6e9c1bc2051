package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/autosage/internal/auth"
	"github.com/haasonsaas/autosage/internal/config"
	"github.com/haasonsaas/autosage/internal/tools"
	"github.com/haasonsaas/autosage/pkg/models"
)

// jobResponse covers both the job reference and the full job view.
type jobResponse struct {
	JobID      string             `json:"job_id"`
	ToolName   string             `json:"tool_name,omitempty"`
	Status     string             `json:"status"`
	Summary    string             `json:"summary,omitempty"`
	CreatedAt  *time.Time         `json:"created_at,omitempty"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
	Result     *models.ToolResult `json:"result,omitempty"`
	Error      *models.ErrorInfo  `json:"error,omitempty"`
}

func (f *clientFlags) client() *apiClient {
	return newAPIClient(f.server, f.token, 0)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =============================================================================
// Tools
// =============================================================================

func runToolsList(cmd *cobra.Command, flags *clientFlags, stability string, tags []string, asJSON bool) error {
	query := url.Values{}
	if stability != "" {
		query.Set("stability", stability)
	}
	if len(tags) > 0 {
		query.Set("tags", strings.Join(tags, ","))
	}
	var resp struct {
		Tools []tools.Descriptor `json:"tools"`
	}
	if err := flags.client().getJSON(cmd.Context(), "/v1/tools", query, &resp); err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTABILITY\tVERSION\tTAGS\tDESCRIPTION")
	for _, t := range resp.Tools {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.Name, t.Stability, t.Version, strings.Join(t.Tags, ","), t.Description)
	}
	return w.Flush()
}

// =============================================================================
// Jobs
// =============================================================================

// readInput accepts inline JSON or @path.
func readInput(raw string) (json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "@") {
		data, err := os.ReadFile(raw[1:])
		if err != nil {
			return nil, fmt.Errorf("read input file: %w", err)
		}
		raw = strings.TrimSpace(string(data))
	}
	if raw == "" {
		raw = "{}"
	}
	if !json.Valid([]byte(raw)) {
		return nil, errors.New("input is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func runJobsSubmit(cmd *cobra.Command, flags *clientFlags, tool, rawInput string, wait time.Duration) error {
	input, err := readInput(rawInput)
	if err != nil {
		return err
	}
	payload := map[string]any{"tool_name": tool, "input": input, "mode": "async"}
	client := flags.client()
	if wait > 0 {
		payload["mode"] = "sync"
		payload["wait_ms"] = wait.Milliseconds()
		client = newAPIClient(flags.server, flags.token, wait+30*time.Second)
	}
	var job jobResponse
	status, err := client.postJSON(cmd.Context(), "/v1/jobs", payload, &job)
	if err != nil {
		return err
	}
	if status == http.StatusAccepted {
		fmt.Fprintf(cmd.OutOrStdout(), "job %s %s\n", job.JobID, job.Status)
		return nil
	}
	return printJSON(cmd.OutOrStdout(), job)
}

func runJobsGet(cmd *cobra.Command, flags *clientFlags, id string) error {
	var job jobResponse
	if err := flags.client().getJSON(cmd.Context(), "/v1/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), job)
}

func runJobsArtifacts(cmd *cobra.Command, flags *clientFlags, id string) error {
	var resp struct {
		JobID string            `json:"job_id"`
		Files []models.Artifact `json:"files"`
	}
	if err := flags.client().getJSON(cmd.Context(), "/v1/jobs/"+url.PathEscape(id)+"/artifacts", nil, &resp); err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSIZE\tTYPE")
	for _, f := range resp.Files {
		fmt.Fprintf(w, "%s\t%d\t%s\n", f.Name, f.Size, f.MimeType)
	}
	return w.Flush()
}

func runJobsDownload(cmd *cobra.Command, flags *clientFlags, id, name, output string) error {
	path := "/v1/jobs/" + url.PathEscape(id) + "/artifacts/" + escapeSegments(name)
	if output == "" {
		return flags.client().download(cmd.Context(), path, cmd.OutOrStdout())
	}
	f, err := os.Create(output)
	if err != nil {
		return err
	}
	if err := flags.client().download(cmd.Context(), path, f); err != nil {
		_ = f.Close()
		_ = os.Remove(output)
		return err
	}
	return f.Close()
}

func escapeSegments(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// =============================================================================
// Admin
// =============================================================================

func runAdminClear(cmd *cobra.Command, flags *clientFlags, path string) error {
	var report map[string]any
	if _, err := flags.client().postJSON(cmd.Context(), path, nil, &report); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), report)
}

func runAdminLogs(cmd *cobra.Command, flags *clientFlags, limit int) error {
	var resp struct {
		Lines []string `json:"lines"`
	}
	query := url.Values{"limit": {fmt.Sprint(limit)}}
	if err := flags.client().getJSON(cmd.Context(), "/v1/admin/logs", query, &resp); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, line := range resp.Lines {
		fmt.Fprintln(out, strings.TrimRight(line, "\n"))
	}
	return nil
}

func runAdminToken(cmd *cobra.Command, configPath, subject string, ttl time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Admin.JWTSecret == "" {
		return errors.New("admin.jwt_secret is not configured; admin endpoints are open")
	}
	if ttl <= 0 {
		ttl = cfg.Admin.TokenTTL
	}
	token, err := auth.NewJWTService(cfg.Admin.JWTSecret, ttl, cfg.Admin.Issuer).Generate(subject, auth.ScopeAdmin)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

// =============================================================================
// Config
// =============================================================================

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", schema)
	return err
}

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	source := configPath
	if source == "" {
		source = "defaults"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "configuration valid (%s)\n", source)
	fmt.Fprintf(cmd.OutOrStdout(), "  listen:       %s\n", cfg.Server.Addr())
	fmt.Fprintf(cmd.OutOrStdout(), "  runs dir:     %s\n", cfg.Jobs.RunsDir)
	fmt.Fprintf(cmd.OutOrStdout(), "  admission:    %s, max %d concurrent jobs\n", cfg.Admission.Policy, cfg.Admission.MaxConcurrentJobs)
	fmt.Fprintf(cmd.OutOrStdout(), "  model:        %s\n", cfg.Sessions.Model.Provider)
	fmt.Fprintf(cmd.OutOrStdout(), "  admin auth:   %t\n", cfg.Admin.JWTSecret != "")
	return nil
}

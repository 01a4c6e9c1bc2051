// Package main provides the CLI entry point for the AutoSage tool execution server.
//
// AutoSage exposes registered tools over HTTP. Tools run as tracked jobs with
// their own working directory, and sessions let a model drive several tool
// calls against an uploaded file while progress is streamed to the client.
//
// # Basic Usage
//
// Start the server:
//
//	autosage serve --config autosage.yaml
//
// Inspect a running server:
//
//	autosage tools list --stability stable
//	autosage jobs submit echo_json --input '{"a":1}' --wait 5s
//	autosage admin logs --limit 50
//
// # Environment Variables
//
//   - AUTOSAGE_CONFIG: Path to the configuration file
//   - AUTOSAGE_PORT: Listen port override
//   - AUTOSAGE_RUNS_DIR: Job and session storage root override
//   - AUTOSAGE_LOG_LEVEL: Log level override
//   - AUTOSAGE_URL: Base URL used by the client commands
//   - AUTOSAGE_TOKEN: Bearer token used by the client commands
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/autosage/internal/config"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	envServerURL     = "AUTOSAGE_URL"
	envToken         = "AUTOSAGE_TOKEN"
	defaultServerURL = "http://127.0.0.1:8080"
)

// clientFlags are shared by every command that talks to a running server.
type clientFlags struct {
	server string
	token  string
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	flags := &clientFlags{}
	rootCmd := &cobra.Command{
		Use:   "autosage",
		Short: "AutoSage - tool execution and session orchestration server",
		Long: `AutoSage runs registered tools as tracked jobs, normalizes their results,
and lets a model drive multi-step tool use within an uploaded-file session.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.server, "server", envOr(envServerURL, defaultServerURL),
		"Base URL of a running AutoSage server (or set AUTOSAGE_URL)")
	rootCmd.PersistentFlags().StringVar(&flags.token, "token", os.Getenv(envToken),
		"Bearer token for admin endpoints (or set AUTOSAGE_TOKEN)")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildToolsCmd(flags),
		buildJobsCmd(flags),
		buildAdminCmd(flags),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// resolveConfigPath prefers the flag, then AUTOSAGE_CONFIG. An empty result
// means built-in defaults.
func resolveConfigPath(path string) string {
	return config.ResolvePath(path)
}

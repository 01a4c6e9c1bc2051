package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		watch      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the AutoSage HTTP server",
		Long: `Start the AutoSage HTTP server.

The server will:
1. Load configuration from the specified file (or defaults)
2. Register the built-in and circuit tools
3. Open the job and session stores under the runs directory
4. Start the retention janitor when a retention window is configured
5. Serve the HTTP API, metrics and OpenAPI document

Graceful shutdown is handled on SIGINT/SIGTERM. In-flight jobs are drained
before the process exits.`,
		Example: `  # Start with defaults on 127.0.0.1:8080
  autosage serve

  # Start with a config file and reload limits on change
  autosage serve --config /etc/autosage.yaml --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug, watch)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().BoolVar(&watch, "watch", false, "Reload limits and log level when the config file changes")
	return cmd
}

// =============================================================================
// Tools Commands
// =============================================================================

func buildToolsCmd(flags *clientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect registered tools",
	}
	cmd.AddCommand(buildToolsListCmd(flags))
	return cmd
}

func buildToolsListCmd(flags *clientFlags) *cobra.Command {
	var (
		stability string
		tags      []string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tools, optionally filtered by stability and tags",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsList(cmd, flags, stability, tags, asJSON)
		},
	}
	cmd.Flags().StringVar(&stability, "stability", "", "Only tools of this tier (stable, experimental, deprecated)")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "Only tools carrying all of these tags")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON")
	return cmd
}

// =============================================================================
// Jobs Commands
// =============================================================================

func buildJobsCmd(flags *clientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Submit and inspect jobs",
	}
	cmd.AddCommand(buildJobsSubmitCmd(flags), buildJobsGetCmd(flags), buildJobsArtifactsCmd(flags))
	return cmd
}

func buildJobsSubmitCmd(flags *clientFlags) *cobra.Command {
	var (
		input string
		wait  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit <tool>",
		Short: "Submit a job for a tool",
		Example: `  autosage jobs submit echo_json --input '{"hello":"world"}'
  autosage jobs submit circuits.smoketest --wait 10s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsSubmit(cmd, flags, args[0], input, wait)
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "{}", "Tool input as a JSON object, or @file")
	cmd.Flags().DurationVarP(&wait, "wait", "w", 0, "Wait up to this long for the result (0 submits asynchronously)")
	return cmd
}

func buildJobsGetCmd(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsGet(cmd, flags, args[0])
		},
	}
}

func buildJobsArtifactsCmd(flags *clientFlags) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "artifacts <job-id> [name]",
		Short: "List job artifacts, or download one",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 2 {
				return runJobsDownload(cmd, flags, args[0], args[1], output)
			}
			return runJobsArtifacts(cmd, flags, args[0])
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the artifact to this file instead of stdout")
	return cmd
}

// =============================================================================
// Admin Commands
// =============================================================================

func buildAdminCmd(flags *clientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administrative operations",
	}
	cmd.AddCommand(
		buildAdminClearJobsCmd(flags),
		buildAdminClearSessionsCmd(flags),
		buildAdminLogsCmd(flags),
		buildAdminTokenCmd(),
	)
	return cmd
}

func buildAdminClearJobsCmd(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-jobs",
		Short: "Delete every finished job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminClear(cmd, flags, "/v1/admin/clear-jobs")
		},
	}
}

func buildAdminClearSessionsCmd(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-sessions",
		Short: "Delete every session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminClear(cmd, flags, "/v1/admin/clear-sessions")
		},
	}
}

func buildAdminLogsCmd(flags *clientFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print recent server log lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminLogs(cmd, flags, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 200, "Number of lines")
	return cmd
}

func buildAdminTokenCmd() *cobra.Command {
	var (
		configPath string
		subject    string
		ttl        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin bearer token from the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminToken(cmd, resolveConfigPath(configPath), subject, ttl)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&subject, "subject", "operator", "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to admin.token_ttl)")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(buildConfigSchemaCmd(), buildConfigValidateCmd())
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "autosage %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

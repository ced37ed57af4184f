package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/Bigsy/promptbridge/internal/logging"
)

// Version information (set at build time via ldflags)
var (
	version = "dev"
	commit  = "unknown"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "promptbridge",
	Short: "MCP bridge to the prompt catalog",
	Long: `promptbridge exposes the prompt catalog's tools to MCP clients over stdio.

Running without a subcommand behaves like 'promptbridge run': the cached
bridge is refreshed when needed and launched. Use 'promptbridge serve' to
run the bridge in this process.

Configure in an MCP client's server list:

  {
    "promptbridge": {
      "command": "promptbridge",
      "env": {"PROMPT_API_KEY": "..."}
    }
  }`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to the loader when no subcommand is given
		return runLoader(cmd, args)
	},
}

func init() {
	// Disable automatic completion command
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// Suppress errors from being printed twice
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", logging.DefaultLevel, "Log level (debug, info, warn, error)")
	addLoaderFlags(rootCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode propagates the bridge's own exit status when the loader ran it.
func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		return exitErr.ExitCode()
	}
	return 1
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Bigsy/promptbridge/internal/backend"
	"github.com/Bigsy/promptbridge/internal/config"
	"github.com/Bigsy/promptbridge/internal/logging"
	"github.com/Bigsy/promptbridge/internal/registry"
	"github.com/Bigsy/promptbridge/internal/server"
	"github.com/Bigsy/promptbridge/internal/updater"
)

var serveMaxInFlight int64

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP bridge on stdio",
	Long: `Run the bridge in this process: JSON-RPC on stdin/stdout, prompt
catalog over HTTP.

Environment:
  PROMPT_API_URL      backend base URL (default ` + config.DefaultAPIURL + `)
  PROMPT_API_KEY      sent as the X-API-Key header
  PROMPT_API_TIMEOUT  per-request timeout, a duration or milliseconds (default 30s)

Logs go to stderr; stdout carries protocol frames only.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Int64Var(&serveMaxInFlight, "max-inflight", server.DefaultMaxInFlight, "Maximum concurrently handled requests")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := logging.NewStderr(logLevel)
	if err != nil {
		return err
	}
	logger.Debug("Bridge starting", "version", version, "commit", commit, "entrypoint", updater.EntrypointMarker)

	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.HasAPIKey() {
		logger.Warn(config.EnvAPIKey + " is not set, backend requests are unauthenticated")
	}
	logger.Info("Using backend", "url", cfg.APIURL, "timeout", cfg.Timeout)

	client := backend.New(cfg, backend.WithUserAgent("promptbridge/"+version))
	reg := registry.New(client, logger)

	srv, err := server.New(server.Options{
		Registry:      reg,
		Caller:        client,
		Logger:        logger,
		Stdin:         os.Stdin,
		Stdout:        os.Stdout,
		ServerName:    "promptbridge",
		ServerVersion: version,
		MaxInFlight:   serveMaxInFlight,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Set up signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("Bridge exiting")
	return nil
}

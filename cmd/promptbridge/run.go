package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Bigsy/promptbridge/internal/logging"
	"github.com/Bigsy/promptbridge/internal/updater"
)

var (
	loaderArtifactURL string
	loaderVersionURL  string
	loaderCacheDir    string
	loaderTTL         time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Refresh the cached bridge if needed and launch it",
	Long: `Check the cached bridge executable, download a new one when it is missing,
older than --ttl or behind the remote version, validate it and run it with
stdio passed through.

Any download, validation or runtime failure deletes the cache so the next
run starts from a clean download.`,
	Args: cobra.NoArgs,
	RunE: runLoader,
}

func init() {
	addLoaderFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addLoaderFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&loaderArtifactURL, "artifact-url", updater.DefaultArtifactURL(), "Where to download the bridge executable")
	cmd.Flags().StringVar(&loaderVersionURL, "version-url", updater.DefaultVersionURL, "Where to read the current remote version")
	cmd.Flags().StringVar(&loaderCacheDir, "cache-dir", "", "Cache directory (default: $XDG_CACHE_HOME/promptbridge)")
	cmd.Flags().DurationVar(&loaderTTL, "ttl", updater.DefaultTTL, "Maximum age of the cached bridge")
}

func newUpdater() (*updater.Updater, error) {
	logger, err := logging.NewStderr(logLevel)
	if err != nil {
		return nil, err
	}
	return updater.New(updater.Options{
		CacheDir:    loaderCacheDir,
		ArtifactURL: loaderArtifactURL,
		VersionURL:  loaderVersionURL,
		TTL:         loaderTTL,
		UserAgent:   "promptbridge/" + version,
		Logger:      logger,
	}), nil
}

func runLoader(cmd *cobra.Command, args []string) error {
	u, err := newUpdater()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := u.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

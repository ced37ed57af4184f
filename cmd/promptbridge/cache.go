package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the cached bridge",
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the cached bridge",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := newUpdater()
		if err != nil {
			return err
		}

		entry, state, err := u.Status()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Directory: %s\n", u.Cache().Dir())
		fmt.Fprintf(out, "State:     %s\n", state)
		if entry == nil {
			return nil
		}

		version := entry.Version
		if version == "" {
			version = "(unknown)"
		}
		fmt.Fprintf(out, "Artifact:  %s\n", entry.Path)
		fmt.Fprintf(out, "Version:   %s\n", version)
		fmt.Fprintf(out, "Size:      %s\n", humanize.Bytes(uint64(entry.Size)))
		fmt.Fprintf(out, "Written:   %s\n", humanize.Time(entry.WrittenAt))
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the cached bridge and its version marker",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := newUpdater()
		if err != nil {
			return err
		}
		if err := u.Purge(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s\n", u.Cache().Dir())
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{cacheStatusCmd, cacheClearCmd} {
		c.Flags().StringVar(&loaderCacheDir, "cache-dir", "", "Cache directory (default: $XDG_CACHE_HOME/promptbridge)")
		c.Flags().DurationVar(&loaderTTL, "ttl", 0, "Maximum age of the cached bridge (default 24h)")
	}

	cacheCmd.AddCommand(cacheStatusCmd, cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}

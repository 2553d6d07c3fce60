package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/namajain/kily-agent/internal/contextcache"
)

var cleanupDays int

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete cached context files older than --days days",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, repo, err := openRepository()
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := repo.Close(); closeErr != nil {
				slog.Error("Failed to close repository", "error", closeErr)
			}
		}()

		days := cleanupDays
		if days <= 0 {
			days = cfg.ContextRetentionDays
		}
		cache := contextcache.New(repo, contextcache.NewDefaultFetcher(cfg.FetchTimeout, cfg.FileSourceRoot), cfg.DownloadDir, contextcache.Options{})
		removed, err := cache.Cleanup(context.Background(), days)
		if err != nil {
			return err
		}
		slog.Info("Context cleanup complete", "removed_records", removed, "older_than_days", days)
		return nil
	},
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 0, "retention in days (default CONTEXT_RETENTION_DAYS)")
}

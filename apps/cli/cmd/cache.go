package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JasonLovesDoggo/taut/packages/cache"
	"github.com/JasonLovesDoggo/taut/packages/depdb"
	"github.com/JasonLovesDoggo/taut/packages/history"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Cache management commands",
}

var cacheInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := os.Getwd()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		stats := cache.GetStats(cache.DefaultRoot(), root)
		fmt.Fprintf(out, "Cache location: %s\n", stats.Dir)
		fmt.Fprintf(out, "Cache exists: %v\n", stats.Exists)
		if !stats.Exists {
			return nil
		}

		fmt.Fprintf(out, "Total size: %.1f KB (%d files)\n", float64(stats.SizeBytes)/1024.0, stats.FileCount)

		db := depdb.Load(stats.Dir)
		dbStats := db.Stats()
		fmt.Fprintf(out, "\nDependency database:\n")
		fmt.Fprintf(out, "  %d blocks tracked\n", dbStats.Blocks)
		fmt.Fprintf(out, "  %d tests tracked\n", dbStats.Tests)
		fmt.Fprintf(out, "  %d passed, %d failed\n", dbStats.PassedTests, dbStats.FailedTests)

		store, err := history.Open(stats.Dir)
		if err != nil {
			return nil
		}
		defer store.Close()

		runs, err := store.Recent(5)
		if err != nil || len(runs) == 0 {
			return nil
		}
		fmt.Fprintf(out, "\nRecent runs:\n")
		for _, r := range runs {
			fmt.Fprintf(out, "  %s  %d passed, %d failed, %d unchanged  (%.2fs, exit %d)\n",
				r.StartedAt.Format("2006-01-02 15:04:05"),
				r.Passed, r.Failed+r.Errored, r.Unchanged,
				r.Duration.Seconds(), r.ExitCode)
		}
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear all cached data for this project",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := os.Getwd()
		if err != nil {
			return err
		}

		stats, err := cache.Clear(cache.DefaultRoot(), root)
		if err != nil {
			return err
		}
		if stats.FileCount > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "Cache cleared: %.1f KB (%d files)\n",
				float64(stats.SizeBytes)/1024.0, stats.FileCount)
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "Cache already empty.")
		}
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheInfoCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

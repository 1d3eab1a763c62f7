package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aceup-app/syncengine/internal/config"
	"github.com/aceup-app/syncengine/internal/entity"
	"github.com/aceup-app/syncengine/internal/queue"
	"github.com/aceup-app/syncengine/internal/storage/sqlitestore"
	"github.com/aceup-app/syncengine/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local store and queue status",
	Long: `Show the state of the local sync database.

Shows:
  - Database location and size
  - Per-type pending and dead-letter counts
  - Per-type last successful sync time`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		info, err := os.Stat(cfg.Database.Path)
		if os.IsNotExist(err) {
			fmt.Printf("\n%s Local store not initialized\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'aceup-sync daemon' or 'aceup-sync sync' to create it\n\n")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to check local store: %w", err)
		}

		db, err := sqlitestore.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()

		fmt.Printf("\n%s Sync Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Location: %s\n", cfg.Database.Path)
		fmt.Printf("Size: %s\n", formatSize(info.Size()))
		fmt.Println()

		fmt.Printf("%-16s %9s %6s  %s\n", "TYPE", "PENDING", "DEAD", "LAST SYNC")
		for _, kind := range entity.Kinds() {
			q := queue.New(db, kind, &queue.Config{MaxAttempts: cfg.Queue.MaxAttempts})

			pending, err := q.Count(ctx)
			if err != nil {
				return err
			}
			dead, err := q.DeadCount(ctx)
			if err != nil {
				return err
			}
			last, err := db.LastSyncAt(ctx, string(kind))
			if err != nil {
				return err
			}

			lastStr := ui.RenderDim("never")
			if last != nil {
				lastStr = last.Local().Format("2006-01-02 15:04:05")
			}

			pendingStr := fmt.Sprintf("%9d", pending)
			if pending > 0 {
				pendingStr = ui.RenderWarn(pendingStr)
			}
			deadStr := fmt.Sprintf("%6d", dead)
			if dead > 0 {
				deadStr = ui.RenderFail(deadStr)
			}

			fmt.Printf("%-16s %s %s  %s\n", kind, pendingStr, deadStr, lastStr)
		}
		fmt.Println()

		return nil
	},
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aceup-app/syncengine/internal/config"
	"github.com/aceup-app/syncengine/internal/engine"
	"github.com/aceup-app/syncengine/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one full sync pass",
	Long: `Run a single sync pass across every entity type and exit.

This performs the full reconciliation:
  1. Replays queued offline writes to the backend
  2. Pulls remote changes and merges them locally
  3. Records per-type sync times

Fails if the backend is unreachable within the wait window.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetDuration("wait")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		logger := log.New(os.Stderr, "[aceup-sync] ", log.LstdFlags)

		ctx, cancel := context.WithTimeout(context.Background(), wait+time.Minute)
		defer cancel()

		eng, err := engine.New(ctx, cfg, &engine.Options{Logger: logger})
		if err != nil {
			return err
		}
		defer eng.Close()

		// The monitor probes immediately on start; confirmation still
		// rides out the debounce window, hence the wait.
		eng.Start(ctx)
		waitCtx, waitCancel := context.WithTimeout(ctx, wait)
		defer waitCancel()
		if err := eng.WaitHealthy(waitCtx, 0); err != nil {
			return fmt.Errorf("backend unreachable at %s", cfg.Remote.URL)
		}

		fmt.Printf("%s Syncing with %s/%s...\n", ui.RenderAccent("🔄"), cfg.Remote.URL, cfg.Remote.Name)
		start := time.Now()

		eng.Sync(ctx)

		pending, err := eng.PendingTotal(ctx)
		if err != nil {
			return err
		}

		elapsed := time.Since(start)
		if pending > 0 {
			fmt.Printf("%s Sync finished in %v with %d operations still pending\n",
				ui.RenderWarn("⚠"), elapsed.Round(time.Millisecond), pending)
			return nil
		}

		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), elapsed.Round(time.Millisecond))
		return nil
	},
}

func init() {
	syncCmd.Flags().Duration("wait", 10*time.Second, "How long to wait for the backend to become reachable")
	rootCmd.AddCommand(syncCmd)
}

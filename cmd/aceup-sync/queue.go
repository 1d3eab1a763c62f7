package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aceup-app/syncengine/internal/config"
	"github.com/aceup-app/syncengine/internal/entity"
	"github.com/aceup-app/syncengine/internal/queue"
	"github.com/aceup-app/syncengine/internal/storage/sqlitestore"
	"github.com/aceup-app/syncengine/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the pending-operation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued and dead-lettered operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		showDead, _ := cmd.Flags().GetBool("dead")

		return withQueues(func(ctx context.Context, kind entity.Kind, q *queue.Queue) error {
			ops, err := q.Operations(ctx)
			if err != nil {
				return err
			}
			for _, op := range ops {
				fmt.Printf("%-16s %-8s %-36s attempts=%d queued=%s\n",
					kind, op.Op, op.EntityID, op.Attempts,
					op.EnqueuedAt.Local().Format("2006-01-02 15:04:05"))
			}

			if !showDead {
				return nil
			}
			dead, err := q.Dead(ctx)
			if err != nil {
				return err
			}
			for _, op := range dead {
				fmt.Printf("%-16s %-8s %-36s %s\n",
					kind, op.Op, op.EntityID, ui.RenderFail("dead"))
			}
			return nil
		})
	},
}

var queueRetryDeadCmd = &cobra.Command{
	Use:   "retry-dead",
	Short: "Move dead-lettered operations back into the pending queue",
	Long: `Requeue operations that exhausted their replay attempts.

Requeued operations start with a fresh attempt count and replay on the
next sync pass.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		total := 0
		err := withQueues(func(ctx context.Context, kind entity.Kind, q *queue.Queue) error {
			n, err := q.RetryDead(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				fmt.Printf("%s Requeued %d %s operation(s)\n", ui.RenderPass("✓"), n, kind)
			}
			total += n
			return nil
		})
		if err != nil {
			return err
		}
		if total == 0 {
			fmt.Println("No dead-lettered operations to requeue")
		}
		return nil
	},
}

// withQueues opens the local store and runs fn once per entity kind.
func withQueues(fn func(ctx context.Context, kind entity.Kind, q *queue.Queue) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	db, err := sqlitestore.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	for _, kind := range entity.Kinds() {
		q := queue.New(db, kind, &queue.Config{MaxAttempts: cfg.Queue.MaxAttempts})
		if err := fn(ctx, kind, q); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	queueListCmd.Flags().Bool("dead", false, "Include dead-lettered operations")
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryDeadCmd)
	rootCmd.AddCommand(queueCmd)
}

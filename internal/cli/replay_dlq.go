package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/dlq"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/egress"
)

func newReplayDLQCmd() *cobra.Command {
	var limit int
	var execute bool

	cmd := &cobra.Command{
		Use:   "replay-dlq",
		Short: "Redeliver pending dead-letter entries to the historian.",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, settings)
			if err != nil {
				return err
			}
			defer pool.Close()

			store := openDLQStore(pool, settings)

			if limit <= 0 {
				limit = settings.DLQ.ReplayBatchSize
			}
			entries, err := store.PendingBatch(ctx, limit)
			if err != nil {
				return fmt.Errorf("load pending dead letters: %w", err)
			}

			if !execute {
				fmt.Printf("dry_run=true pending=%d\n", len(entries))
				for _, entry := range entries {
					fmt.Printf("  id=%s attempts=%d kind=%s\n", entry.ID, entry.Attempts, entry.ErrorKind)
				}
				return nil
			}

			client, sessions, err := buildEgressClient(settings, store)
			if err != nil {
				return err
			}
			defer sessions.Revoke(ctx)

			var replayed, failed int
			for _, entry := range entries {
				diff, err := dlq.DecodePayload(entry)
				if err != nil {
					failed++
					_ = store.BumpAttempts(ctx, entry.ID)
					continue
				}
				if outcome, err := client.Deliver(ctx, diff); err != nil || outcome != egress.Delivered {
					failed++
					_ = store.BumpAttempts(ctx, entry.ID)
					continue
				}
				if err := store.MarkReplayed(ctx, entry.ID); err != nil {
					failed++
					continue
				}
				replayed++
			}

			fmt.Printf("replayed=%d failed=%d\n", replayed, failed)
			if failed > 0 {
				return fmt.Errorf("replay-dlq: %d entries failed to replay", failed)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of entries to replay (defaults to dlq.replay_batch_size)")
	cmd.Flags().BoolVar(&execute, "execute", false, "actually redeliver; without this flag, only list what would be replayed")
	return cmd
}

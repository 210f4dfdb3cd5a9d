package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	huddlesync "github.com/huddleapp/huddle-sync"
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueLsCmd)
	queueCmd.AddCommand(queueDeadCmd)
	queueCmd.AddCommand(queueRetryCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the local write queues",
}

var queueLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List pending mutations and messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng := newEngine(false)
		defer eng.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		entries, err := eng.Queue(ctx)
		if err != nil {
			return fmt.Errorf("failed to read queue: %w", err)
		}
		msgs, err := eng.MessageQueue(ctx)
		if err != nil {
			return fmt.Errorf("failed to read message queue: %w", err)
		}

		if len(entries) == 0 && len(msgs) == 0 {
			fmt.Println("Queues are empty.")
			return nil
		}

		if len(entries) > 0 {
			fmt.Printf("Mutations (%d):\n", len(entries))
			for _, e := range entries {
				fmt.Printf("  #%-6d %-6s %-9s %-26s retries=%d queued %s\n",
					e.Seq, e.Op, e.Store, e.RecordID, e.Retries, e.CreatedAt.Format(time.RFC3339))
			}
		}
		if len(msgs) > 0 {
			fmt.Printf("Messages (%d):\n", len(msgs))
			for _, m := range msgs {
				fmt.Printf("  #%-6d %-20s %q retries=%d queued %s\n",
					m.Seq, m.ConversationID, preview(m.Content, 40), m.Retries, m.CreatedAt.Format(time.RFC3339))
			}
		}
		return nil
	},
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead-lettered entries",
	Long:  "List entries that failed permanently or exhausted their retries. Re-queue one with 'huddle-sync queue retry <source> <seq>'.",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng := newEngine(false)
		defer eng.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		letters, err := eng.DeadLetters(ctx)
		if err != nil {
			return fmt.Errorf("failed to read dead letters: %w", err)
		}
		if len(letters) == 0 {
			fmt.Println("No dead letters.")
			return nil
		}

		for _, d := range letters {
			fmt.Printf("  %-9s #%-6d %-6s %-9s failed %s\n",
				d.Source, d.Seq, d.Op, d.Store, d.FailedAt.Format(time.RFC3339))
			fmt.Printf("            reason: %s\n", d.Reason)
		}
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <source> <seq>",
	Short: "Re-queue one dead-lettered entry",
	Long:  "Move a dead letter back onto its originating queue. Source is 'mutations' or 'chat'; seq comes from 'huddle-sync queue dead'.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		source := args[0]
		if source != huddlesync.DeadLetterMutations && source != huddlesync.DeadLetterChat {
			return fmt.Errorf("source must be %q or %q", huddlesync.DeadLetterMutations, huddlesync.DeadLetterChat)
		}
		seq, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("seq must be a number: %w", err)
		}

		eng := newEngine(false)
		defer eng.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		newSeq, err := eng.RetryDeadLetter(ctx, source, seq)
		if err != nil {
			return fmt.Errorf("failed to retry dead letter: %w", err)
		}
		fmt.Printf("Re-queued as #%d. Run 'huddle-sync drain' to replay.\n", newSeq)
		return nil
	},
}

// preview truncates s for one-line display.
func preview(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

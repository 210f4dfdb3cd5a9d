package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	huddlesync "github.com/huddleapp/huddle-sync"
)

var drainTimeout time.Duration

func init() {
	drainCmd.Flags().DurationVar(&drainTimeout, "timeout", 2*time.Minute, "how long to wait for the pass to finish")
	rootCmd.AddCommand(drainCmd)
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay the local queues against the backend once",
	Long:  "Run one sync pass: replay pending mutations and messages, then pull the change feed. Exits non-zero when the pass hit an error.",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng := newEngine(false)
		defer eng.Close()

		done := make(chan huddlesync.DrainReport, 1)
		cancel := eng.OnDrain(func(rep huddlesync.DrainReport) {
			select {
			case done <- rep:
			default:
			}
		})
		defer cancel()

		// Going online triggers the pass; the engine was built offline so
		// nothing ran before the observer was registered.
		if err := eng.SetOnline(true); err != nil {
			return err
		}

		select {
		case rep := <-done:
			fmt.Printf("Processed:     %d\n", rep.Processed)
			fmt.Printf("Dead-lettered: %d\n", rep.DeadLettered)
			fmt.Printf("Pulled:        %d\n", rep.Pulled)
			fmt.Printf("Duration:      %s\n", rep.Duration.Round(time.Millisecond))
			if rep.Err != nil {
				return fmt.Errorf("sync pass failed: %w", rep.Err)
			}
			return nil
		case <-time.After(drainTimeout):
			return fmt.Errorf("timed out after %s waiting for the sync pass", drainTimeout)
		}
	},
}

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	huddlesync "github.com/huddleapp/huddle-sync"
)

var sendOffline bool

func init() {
	sendCmd.Flags().BoolVar(&sendOffline, "offline", false, "queue the message without attempting delivery")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <content>...",
	Short: "Send a chat message",
	Long:  "Queue a chat message and attempt delivery. With --offline (or when the backend is unreachable) the message stays queued and replays on the next drain.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		content := strings.Join(args[1:], " ")

		eng := newEngine(false)
		defer eng.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msg, err := eng.SendMessage(ctx, conversationID, content)
		if err != nil {
			return fmt.Errorf("failed to queue message: %w", err)
		}
		fmt.Printf("Queued %s in %s\n", msg.ID, conversationID)

		if sendOffline {
			fmt.Println("Left queued (--offline). Run 'huddle-sync drain' to deliver.")
			return nil
		}

		done := make(chan huddlesync.DrainReport, 1)
		unsubscribe := eng.OnDrain(func(rep huddlesync.DrainReport) {
			select {
			case done <- rep:
			default:
			}
		})
		defer unsubscribe()

		if err := eng.SetOnline(true); err != nil {
			return err
		}

		select {
		case rep := <-done:
			if rep.Err != nil {
				fmt.Printf("Delivery failed (%v); message stays queued for the next drain.\n", rep.Err)
				return nil
			}
			fmt.Println("Delivered.")
			return nil
		case <-time.After(30 * time.Second):
			fmt.Println("Still delivering; message stays queued for the next drain.")
			return nil
		}
	},
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	huddlesync "github.com/huddleapp/huddle-sync"
)

var watchConversations []string

func init() {
	watchCmd.Flags().StringSliceVar(&watchConversations, "conversation", nil, "conversation id to follow (repeatable)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow live sync activity until interrupted",
	Long:  "Connect to the realtime channel and print messages, presence, typing, and sync passes as they happen. Ctrl-C to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng := newEngine(true)
		defer eng.Close()

		stamp := func() string { return time.Now().Format("15:04:05") }

		cancelDrain := eng.OnDrain(func(rep huddlesync.DrainReport) {
			if rep.Err != nil {
				fmt.Printf("%s  sync pass: %d processed, error: %v\n", stamp(), rep.Processed, rep.Err)
				return
			}
			fmt.Printf("%s  sync pass: %d processed, %d pulled\n", stamp(), rep.Processed, rep.Pulled)
		})
		defer cancelDrain()

		cancelList := eng.OnListUpdate(func(u huddlesync.ListUpdate) {
			if u.ScopeID != "" {
				fmt.Printf("%s  %s changed (%s)\n", stamp(), u.Store, u.ScopeID)
				return
			}
			fmt.Printf("%s  %s changed\n", stamp(), u.Store)
		})
		defer cancelList()

		cancelPresence := eng.OnPresence(func(ev huddlesync.PresenceEvent) {
			state := "offline"
			if ev.Online {
				state = "online"
			}
			fmt.Printf("%s  %s is %s\n", stamp(), ev.UserID, state)
		})
		defer cancelPresence()

		cancelTyping := eng.OnTyping(func(ev huddlesync.TypingEvent) {
			if ev.Typing {
				fmt.Printf("%s  %s is typing in %s\n", stamp(), ev.UserID, ev.ConversationID)
			}
		})
		defer cancelTyping()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := eng.Connect(ctx); err != nil {
			return fmt.Errorf("realtime connect failed: %w", err)
		}
		for _, conv := range watchConversations {
			if err := eng.JoinConversation(ctx, conv); err != nil {
				return fmt.Errorf("join %s failed: %w", conv, err)
			}
			fmt.Printf("%s  following conversation %s\n", stamp(), conv)
		}

		fmt.Printf("%s  watching (Ctrl-C to stop)\n", stamp())
		<-ctx.Done()
		fmt.Println()
		return nil
	},
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and local sync state",
	Long:  "Display the effective configuration, token expiry, and the state of the local queues. Never touches the network.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		s, err := resolveSettings()
		if err != nil {
			return err
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(s.baseURL, "(not set)"))
		fmt.Printf("  Database: %s\n", s.database)
		fmt.Printf("  User ID:  %s\n", valueOrDefault(s.userID, "(not set)"))
		if s.token != "" {
			fmt.Printf("  Token:    %s\n", maskToken(s.token))
		} else {
			fmt.Println("  Token:    (not set)")
		}

		if cfg.Auth.TokenExpires != "" {
			expires, err := time.Parse(time.RFC3339, cfg.Auth.TokenExpires)
			switch {
			case err != nil:
				fmt.Printf("  Expiry:   unparseable (%s)\n", cfg.Auth.TokenExpires)
			case time.Now().Before(expires):
				fmt.Printf("  Expiry:   valid until %s\n", expires.Format(time.RFC3339))
			default:
				fmt.Printf("  Expiry:   EXPIRED at %s\n", expires.Format(time.RFC3339))
			}
		}

		if s.baseURL == "" || s.token == "" || s.userID == "" {
			return nil
		}

		eng := newEngine(false)
		defer eng.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		st, err := eng.RefreshStatus(ctx)
		if err != nil {
			return fmt.Errorf("failed to read sync state: %w", err)
		}

		fmt.Println()
		fmt.Println("Local sync state:")
		fmt.Printf("  Queued mutations: %d\n", st.QueueCount)
		fmt.Printf("  Queued messages:  %d\n", st.MessageQueueCount)
		fmt.Printf("  Dead letters:     %d\n", st.DeadLetterCount)
		if st.LastSyncTime.IsZero() {
			fmt.Println("  Last sync:        never")
		} else {
			fmt.Printf("  Last sync:        %s\n", st.LastSyncTime.Format(time.RFC3339))
		}
		if st.LastSyncError != "" {
			fmt.Printf("  Last error:       %s\n", st.LastSyncError)
		}
		return nil
	},
}

// maskToken shows the first 6 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 10 {
		return "****"
	}
	return token[:6] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <user-id> <token>",
	Short: "Store identity and token in ~/.huddle/config.toml",
	Long:  "Initialize the sync CLI by storing the user id and bearer token this device syncs as.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, token := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.UserID = userID
		cfg.Auth.Token = token

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Identity saved to %s\n", path)
		if cfg.Default.BaseURL == "" {
			fmt.Println("Next: huddle-sync config set default.base_url <url>")
		}
		return nil
	},
}

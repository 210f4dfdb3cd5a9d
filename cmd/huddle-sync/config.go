package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// configFields maps dot-notation keys onto their Config slots; one table
// drives `config get`, `config set`, and shell completion.
var configFields = map[string]func(*Config) *string{
	"default.base_url":   func(c *Config) *string { return &c.Default.BaseURL },
	"default.database":   func(c *Config) *string { return &c.Default.Database },
	"auth.user_id":       func(c *Config) *string { return &c.Auth.UserID },
	"auth.token":         func(c *Config) *string { return &c.Auth.Token },
	"auth.token_expires": func(c *Config) *string { return &c.Auth.TokenExpires },
}

func configKeys() []string {
	keys := make([]string, 0, len(configFields))
	for k := range configFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func configSlot(key string) (func(*Config) *string, error) {
	slot, ok := configFields[key]
	if !ok {
		return nil, fmt.Errorf("unknown key %q (valid: %s)", key, strings.Join(configKeys(), ", "))
	}
	return slot, nil
}

func init() {
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or edit the device configuration",
	Long:  "Read and write the TOML file at ~/.huddle/config.toml that binds this device to a backend and a user. HUDDLE_* environment variables override it at runtime without being written back.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Dump the configuration file as stored on disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			fmt.Printf("%s does not exist yet; 'huddle-sync init <user-id> <token>' creates it.\n", path)
			return nil
		case err != nil:
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:       "get <key>",
	Short:     "Print one configuration value",
	Args:      cobra.ExactArgs(1),
	ValidArgs: configKeys(),
	RunE: func(cmd *cobra.Command, args []string) error {
		slot, err := configSlot(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Println(*slot(cfg))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:       "set <key> <value>",
	Short:     "Write one configuration value",
	Example:   "  huddle-sync config set default.base_url https://api.huddle.app",
	Args:      cobra.ExactArgs(2),
	ValidArgs: configKeys(),
	RunE: func(cmd *cobra.Command, args []string) error {
		slot, err := configSlot(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		*slot(cfg) = args[1]
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Printf("%s = %s\n", args[0], args[1])
		return nil
	},
}

package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	huddlesync "github.com/huddleapp/huddle-sync"
)

// settings is the effective CLI configuration after environment overrides.
type settings struct {
	baseURL  string
	database string
	userID   string
	token    string
}

// resolveSettings merges the config file with HUDDLE_* environment
// variables; the environment wins.
func resolveSettings() (settings, error) {
	cfg, err := loadConfig()
	if err != nil {
		return settings{}, err
	}
	s := settings{
		baseURL:  cfg.Default.BaseURL,
		database: cfg.Default.Database,
		userID:   cfg.Auth.UserID,
		token:    cfg.Auth.Token,
	}
	if v := os.Getenv("HUDDLE_BASE_URL"); v != "" {
		s.baseURL = v
	}
	if v := os.Getenv("HUDDLE_DB"); v != "" {
		s.database = v
	}
	if v := os.Getenv("HUDDLE_USER_ID"); v != "" {
		s.userID = v
	}
	if v := os.Getenv("HUDDLE_TOKEN"); v != "" {
		s.token = v
	}
	if s.database == "" {
		dir, err := configDir()
		if err != nil {
			return settings{}, err
		}
		s.database = filepath.Join(dir, "huddle.db")
	}
	return s, nil
}

// newEngine builds an engine from the resolved settings. online controls
// whether it may touch the network: inspection commands stay offline,
// replay commands go online explicitly.
func newEngine(online bool) *huddlesync.Engine {
	s, err := resolveSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if s.baseURL == "" {
		fmt.Fprintln(os.Stderr, "No base URL. Run 'huddle-sync init <user-id> <token>' and set default.base_url first.")
		os.Exit(1)
	}
	if s.token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'huddle-sync init <user-id> <token>' first.")
		os.Exit(1)
	}
	if s.userID == "" {
		fmt.Fprintln(os.Stderr, "No user id. Run 'huddle-sync init <user-id> <token>' first.")
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel()}))
	eng, err := huddlesync.New(huddlesync.Config{
		UserID:  s.userID,
		BaseURL: s.baseURL,
		Tokens:  huddlesync.NewStaticTokenSource(s.token),
		Path:    s.database,
		Monitor: huddlesync.NewSignalMonitor(online),
		Logger:  logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open sync engine: %v\n", err)
		os.Exit(1)
	}
	return eng
}

// slogLevel maps HUDDLE_DEBUG to log verbosity; the CLI speaks through
// stdout, the engine only through stderr logs.
func slogLevel() slog.Level {
	if os.Getenv("HUDDLE_DEBUG") != "" {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}

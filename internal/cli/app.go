package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tevanoff/courier/internal/config"
	"github.com/tevanoff/courier/internal/engine/claude"
	"github.com/tevanoff/courier/internal/session"
	"github.com/tevanoff/courier/internal/store"
)

// app bundles the collaborators every command wires up the same way.
type app struct {
	cfg      *config.Config
	store    store.Store
	sessions *session.Manager
	logger   *slog.Logger
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("COURIER_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// openApp loads configuration and builds the store, engine and session
// registry a command needs.
func openApp(cmd *cobra.Command, logger *slog.Logger) (*app, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	cfg, cfgPath, err := loadOrCreateConfig(configPath, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded configuration", "path", cfgPath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.NewFileStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open data dir: %w", err)
	}

	eng := claude.New(cfg.Engine.Bin, logger)
	sessions := session.NewManager(eng, st, logger)
	if cfg.LogDir != "" {
		sessions.SetEventLogDir(cfg.LogDir)
	}
	if cfg.ProjectsDir != "" {
		sessions.SetProjectsDir(cfg.ProjectsDir)
	}

	return &app{
		cfg:      cfg,
		store:    st,
		sessions: sessions,
		logger:   logger,
	}, nil
}

// loadOrCreateConfig resolves the config to use: the explicit path if
// given, otherwise the nearest courier.json up the directory tree. When
// neither exists, a default config is written to the current directory.
func loadOrCreateConfig(configPath string, logger *slog.Logger) (*config.Config, string, error) {
	// If explicit path provided, use it
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
		return cfg, configPath, nil
	}

	// Search up directory tree for courier.json
	foundPath, err := findConfigInTree()
	if err != nil {
		return nil, "", err
	}

	if foundPath != "" {
		cfg, err := config.LoadFromFile(foundPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, foundPath, nil
	}

	// No config found, create default in current directory
	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get current directory: %w", err)
	}

	defaultPath := filepath.Join(cwd, config.DefaultFileName)
	logger.Info("no config found, creating default", "path", defaultPath)

	cfg := config.GenerateDefault()
	if err := cfg.SaveToFile(defaultPath); err != nil {
		return nil, "", fmt.Errorf("failed to save default config: %w", err)
	}

	return cfg, defaultPath, nil
}

// findConfigInTree searches up the directory tree for courier.json
func findConfigInTree() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}

	for {
		configPath := filepath.Join(dir, config.DefaultFileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		// Move up one directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return "", nil
}

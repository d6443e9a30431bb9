package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultFileName is the configuration file courier looks for in the
// working directory.
const DefaultFileName = "courier.json"

// Config represents the courier.json configuration file
type Config struct {
	Version     string `json:"version"`
	DataDir     string `json:"data_dir"`
	ProjectsDir string `json:"projects_dir,omitempty"`
	LogDir      string `json:"log_dir,omitempty"`
	Engine      Engine `json:"engine"`
	Queue       Queue  `json:"queue"`
}

// Engine configures the external execution engine
type Engine struct {
	Bin          string   `json:"bin"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
}

// Queue configures the background delivery scheduler
type Queue struct {
	IntervalSeconds int `json:"interval_seconds"`
	BatchSize       int `json:"batch_size"`
	MaxAttempts     int `json:"max_attempts"`
}

// GenerateDefault creates a new Config with default values
func GenerateDefault() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		Version: "1.0",
		DataDir: filepath.Join(home, ".courier"),
		Engine: Engine{
			Bin: "claude",
			AllowedTools: []string{
				"Read", "Glob", "Grep", "Edit", "Write",
			},
		},
		Queue: Queue{
			IntervalSeconds: 30,
			BatchSize:       10,
			MaxAttempts:     3,
		},
	}
}

// Validate checks the configuration for errors and returns user-friendly error messages
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'\n\nHint: Add a version field like:\n  \"version\": \"1.0\"")
	}

	if c.DataDir == "" {
		return fmt.Errorf("configuration error: missing required field 'data_dir'\n\nHint: Set the directory courier stores its records in:\n  \"data_dir\": \"~/.courier\"")
	}

	if c.Engine.Bin == "" {
		return fmt.Errorf("configuration error: missing required field 'engine.bin'\n\nHint: Specify the engine binary:\n  \"engine\": {\n    \"bin\": \"claude\"\n  }")
	}

	if c.Queue.IntervalSeconds <= 0 {
		return fmt.Errorf("configuration error: invalid 'queue.interval_seconds' value: %d\n\nHint: The polling interval must be positive:\n  \"queue\": {\n    \"interval_seconds\": 30\n  }", c.Queue.IntervalSeconds)
	}

	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("configuration error: invalid 'queue.batch_size' value: %d\n\nHint: The batch size must be positive:\n  \"queue\": {\n    \"batch_size\": 10\n  }", c.Queue.BatchSize)
	}

	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("configuration error: invalid 'queue.max_attempts' value: %d\n\nHint: The retry ceiling must be positive:\n  \"queue\": {\n    \"max_attempts\": 3\n  }", c.Queue.MaxAttempts)
	}

	return nil
}

// LoadFromFile loads a configuration from a JSON file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &cfg, nil
}

// SaveToFile writes the configuration to a JSON file with 0600 permissions
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Add newline at end of file
	data = append(data, '\n')

	// Write with 0600 permissions (owner read/write only)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}

	return nil
}

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// FileName is the config file searched for in the working directory and its
// parents when no explicit path is given.
const FileName = "crosscheck.yaml"

// Load builds the runtime configuration with layered precedence:
// 1. Built-in defaults
// 2. YAML config file (explicit path, or crosscheck.yaml discovered in the
// working directory or a parent)
// 3. Environment variables
//
// The merged result is validated before it is returned.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	config := DefaultConfig()

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
		config = loaded
		logger.Debug("Loaded config file", slog.String("path", path))
	} else {
		logger.Debug("No config file found, using defaults")
	}

	config.ApplyEnv(logger)

	// Validate final config
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// findConfigFile searches for crosscheck.yaml in current and parent
// directories.
func findConfigFile() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, FileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return ""
}

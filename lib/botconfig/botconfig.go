// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package botconfig provides configuration loading for bot binaries.
//
// Configuration is loaded from a single YAML file specified by:
//   - MATRIXBOT_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
// Credentials never go in the config file; Setup prompts for them and
// the resulting session token lives in the state database.
package botconfig

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the configuration for a bot binary.
type Config struct {
	// Homeserver is the Matrix homeserver base URL,
	// e.g. "https://matrix-client.matrix.org". Required for setup;
	// resume reads the homeserver from the state database instead.
	Homeserver string `yaml:"homeserver"`

	// DataDir is the bot's data directory: the state database and the
	// messaging layer's key stores live here. Required.
	DataDir string `yaml:"data_dir"`

	// DeviceName is the human-readable device label for new sessions.
	// Defaults to "matrixbot".
	DeviceName string `yaml:"device_name"`
}

// Load loads configuration from the MATRIXBOT_CONFIG environment
// variable.
func Load() (*Config, error) {
	path := os.Getenv("MATRIXBOT_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("botconfig: MATRIXBOT_CONFIG environment variable not set; " +
			"set it to the path of your config file, or use --config flag")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path. The config
// file is the single source of truth; environment variables do not
// override its values. ${HOME} in data_dir is expanded for
// portability.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("botconfig: reading %s: %w", path, err)
	}

	cfg := &Config{DeviceName: "matrixbot"}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("botconfig: parsing %s: %w", path, err)
	}

	if home, err := os.UserHomeDir(); err == nil {
		cfg.DataDir = strings.ReplaceAll(cfg.DataDir, "${HOME}", home)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("botconfig: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that required fields are present.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Homeserver != "" && !strings.HasPrefix(c.Homeserver, "http://") && !strings.HasPrefix(c.Homeserver, "https://") {
		return fmt.Errorf("homeserver %q must be an http(s) URL", c.Homeserver)
	}
	return nil
}

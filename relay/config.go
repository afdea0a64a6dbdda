// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the relay daemon's YAML configuration.
type FileConfig struct {
	// Listen is the HTTP listen address, e.g. ":8080".
	Listen string `yaml:"listen"`

	// AuditDir enables the file audit sink when non-empty.
	AuditDir string `yaml:"auditDir"`

	// LogLevel is debug, info, warn, or error. Defaults to info.
	LogLevel string `yaml:"logLevel"`
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("relay: reading config: %w", err)
	}
	var config FileConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("relay: parsing config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks required fields and fills defaults.
func (c *FileConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("relay: config has no listen address")
	}
	switch c.LogLevel {
	case "":
		c.LogLevel = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("relay: unknown log level %q", c.LogLevel)
	}
	return nil
}

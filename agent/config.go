// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ReasoningConfig configures the optional OpenAI-compatible reasoning
// backend. An empty model disables reasoning entirely; the planner then
// runs on fallback rules alone.
type ReasoningConfig struct {
	// APIKey may also come from the environment; the config value wins.
	APIKey string `yaml:"apiKey"`

	// BaseURL overrides the vendor endpoint, for proxies and
	// compatible servers.
	BaseURL string `yaml:"baseUrl"`

	// Model names the chat model to use.
	Model string `yaml:"model"`
}

// FileConfig is the agent daemon's YAML configuration.
type FileConfig struct {
	// RelayURL is the relay's WebSocket endpoint.
	RelayURL string `yaml:"relayUrl"`

	// SessionID is the session to join. Empty lets the relay assign
	// one.
	SessionID string `yaml:"sessionId"`

	// AgentName is the display name shown in presence updates.
	AgentName string `yaml:"agentName"`

	// WorkflowPath points at a JSONC workflow descriptor. Empty uses
	// the built-in booking workflow.
	WorkflowPath string `yaml:"workflowPath"`

	// Reasoning configures the optional reasoning backend.
	Reasoning ReasoningConfig `yaml:"reasoning"`

	// RetryDelay between reconnect and bootstrap attempts, as a
	// duration string like "2s".
	RetryDelay string `yaml:"retryDelay"`

	// RequestTimeout bounds each transport request, as a duration
	// string like "10s".
	RequestTimeout string `yaml:"requestTimeout"`

	// Parsed durations, filled by Validate.
	retryDelay     time.Duration
	requestTimeout time.Duration

	// LogLevel is debug, info, warn, or error. Defaults to info.
	LogLevel string `yaml:"logLevel"`
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agent: reading config: %w", err)
	}
	var config FileConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("agent: parsing config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks required fields and fills defaults.
func (c *FileConfig) Validate() error {
	if c.RelayURL == "" {
		return fmt.Errorf("agent: config has no relay URL")
	}
	if c.Reasoning.Model != "" && c.Reasoning.APIKey == "" {
		c.Reasoning.APIKey = os.Getenv("OPENAI_API_KEY")
		if c.Reasoning.APIKey == "" {
			return fmt.Errorf("agent: reasoning model %q configured without an API key", c.Reasoning.Model)
		}
	}
	switch c.LogLevel {
	case "":
		c.LogLevel = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("agent: unknown log level %q", c.LogLevel)
	}
	var err error
	if c.retryDelay, err = parseDuration("retryDelay", c.RetryDelay); err != nil {
		return err
	}
	if c.requestTimeout, err = parseDuration("requestTimeout", c.RequestTimeout); err != nil {
		return err
	}
	return nil
}

// RetryDelayDuration returns the parsed retry delay, zero when unset.
func (c *FileConfig) RetryDelayDuration() time.Duration { return c.retryDelay }

// RequestTimeoutDuration returns the parsed request timeout, zero when
// unset.
func (c *FileConfig) RequestTimeoutDuration() time.Duration { return c.requestTimeout }

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("agent: config field %s: %w", field, err)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("agent: config field %s must not be negative", field)
	}
	return parsed, nil
}

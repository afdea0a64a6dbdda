// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
relayUrl: ws://relay:8080/ws
sessionId: s1
agentName: booker
retryDelay: 2s
requestTimeout: 10s
logLevel: debug
`)
	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if config.RelayURL != "ws://relay:8080/ws" || config.AgentName != "booker" {
		t.Fatalf("config = %+v", config)
	}
	if config.RetryDelayDuration() != 2*time.Second {
		t.Fatalf("retry delay = %v", config.RetryDelayDuration())
	}
	if config.RequestTimeoutDuration() != 10*time.Second {
		t.Fatalf("request timeout = %v", config.RequestTimeoutDuration())
	}
}

func TestLoadConfigRejections(t *testing.T) {
	cases := map[string]string{
		"missing relay url": "agentName: a\n",
		"bad duration":      "relayUrl: ws://x\nretryDelay: fast\n",
		"negative duration": "relayUrl: ws://x\nretryDelay: -2s\n",
		"bad log level":     "relayUrl: ws://x\nlogLevel: verbose\n",
		"model without key": "relayUrl: ws://x\nreasoning:\n  model: gpt-4o\n",
	}
	t.Setenv("OPENAI_API_KEY", "")
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, content)); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}

func TestLoadConfigReasoningKeyFromEnvironment(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	config, err := LoadConfig(writeConfig(t, "relayUrl: ws://x\nreasoning:\n  model: gpt-4o\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if config.Reasoning.APIKey != "sk-test" {
		t.Fatalf("apiKey = %q", config.Reasoning.APIKey)
	}
}

// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	content := "listen: \":9000\"\nauditDir: /var/lib/marionette/audit\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if config.Listen != ":9000" || config.AuditDir != "/var/lib/marionette/audit" {
		t.Fatalf("config = %+v", config)
	}
	if config.LogLevel != "info" {
		t.Fatalf("default log level = %q", config.LogLevel)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (&FileConfig{}).Validate(); err == nil {
		t.Fatal("missing listen address accepted")
	}
	if err := (&FileConfig{Listen: ":8080", LogLevel: "loud"}).Validate(); err == nil {
		t.Fatal("unknown log level accepted")
	}
}

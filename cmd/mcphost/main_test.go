package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/mcphost/internal/buildinfo"
)

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(t.Context(), &out, &out, args); err != nil {
			t.Fatalf("run(%v) error: %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: mcphost") {
			t.Errorf("run(%v) output missing usage: %q", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command: frobnicate"},
		{"unknown flag", []string{"-x"}, "unknown flag: -x"},
		{"bad output format", []string{"-o", "xml", "version"}, "unknown output format"},
		{"missing config", []string{"-config", "/nonexistent/mcphost.yaml", "serve"}, "config file not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(t.Context(), &out, &out, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run(%v) = %v, want error containing %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(t.Context(), &out, &out, []string{"version"}); err != nil {
		t.Fatalf("version error: %v", err)
	}
	if !strings.Contains(out.String(), buildinfo.String()) {
		t.Errorf("version output %q missing %q", out.String(), buildinfo.String())
	}

	out.Reset()
	if err := run(t.Context(), &out, &out, []string{"-o=json", "version"}); err != nil {
		t.Fatalf("version -o json error: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("version json: %v", err)
	}
	if info["version"] != buildinfo.Version {
		t.Errorf("version = %q, want %q", info["version"], buildinfo.Version)
	}
}

// writeConfig writes a config with no servers whose data_dir is
// inside a temp dir, returning the config path and data dir.
func writeConfig(t *testing.T, extra string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	path := filepath.Join(dir, "config.yaml")
	content := "log_level: debug\ndata_dir: " + dataDir + "\n" + extra
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path, dataDir
}

func TestRun_ServeStopsOnCancel(t *testing.T) {
	path, dataDir := writeConfig(t, "servers: []\n")

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	var out bytes.Buffer
	if err := run(ctx, &out, &out, []string{"-config", path, "serve"}); err != nil {
		t.Fatalf("serve error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dataDir, "mcphost.db")); err != nil {
		t.Errorf("database not created: %v", err)
	}
	for _, want := range []string{"starting mcphost", "shutdown signal received", "mcphost stopped"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("serve log missing %q", want)
		}
	}
}

func TestRun_ServeInvalidConfig(t *testing.T) {
	path, _ := writeConfig(t, "servers:\n  - id: broken\n")

	var out bytes.Buffer
	err := run(t.Context(), &out, &out, []string{"-config", path, "serve"})
	if err == nil || !strings.Contains(err.Error(), "command is required") {
		t.Errorf("serve = %v, want validation error", err)
	}
}

func TestRun_ToolsFailedServer(t *testing.T) {
	path, _ := writeConfig(t, `servers:
  - id: ghost
    command: /nonexistent/mcp-ghost
    auto_start: true
`)

	var stdout, stderr bytes.Buffer
	if err := run(t.Context(), &stdout, &stderr, []string{"-config", path, "tools"}); err != nil {
		t.Fatalf("tools error: %v", err)
	}
	if got := strings.TrimSpace(stdout.String()); got != "[]" {
		t.Errorf("tools output = %q, want []", got)
	}
	if !strings.Contains(stderr.String(), "some MCP servers failed to start") {
		t.Errorf("stderr missing start failure: %q", stderr.String())
	}
}

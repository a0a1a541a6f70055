// Package config handles mcphost configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/nugget/mcphost/internal/mcp"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mcphost/config.yaml, /etc/mcphost/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcphost", "config.yaml"))
	}

	paths = append(paths, "/etc/mcphost/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mcphost configuration.
type Config struct {
	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// LogFormat selects the slog handler: text (default) or json.
	LogFormat string `yaml:"log_format"`
	// DataDir holds the SQLite store for conversations and settings.
	DataDir string `yaml:"data_dir"`
	// ClientName is sent to servers as clientInfo.name.
	ClientName string `yaml:"client_name"`
	// Timeouts bounds initialize, tools/list and tools/call.
	Timeouts mcp.Timeouts `yaml:"timeouts"`
	// Servers are the MCP servers known to the host.
	Servers []mcp.ServerConfig `yaml:"servers"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing; unset fields keep the values
// from Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// Default returns a default configuration with no servers.
func Default() *Config {
	return &Config{
		LogLevel:   "info",
		LogFormat:  "text",
		DataDir:    "./data",
		ClientName: "mcphost",
		Timeouts:   mcp.DefaultTimeouts(),
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if s.Command == "" {
			errs = append(errs, fmt.Errorf("servers[%d] (%s): command is required", i, s.ID))
		}
		if s.ID == "" {
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("servers[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = true
	}

	return errors.Join(errs...)
}

// AutoStartServers returns the servers marked auto_start, in file order.
func (c *Config) AutoStartServers() []mcp.ServerConfig {
	var out []mcp.ServerConfig
	for _, s := range c.Servers {
		if s.AutoStart {
			out = append(out, s)
		}
	}
	return out
}

// DBPath returns the path of the persistence database inside DataDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "mcphost.db")
}

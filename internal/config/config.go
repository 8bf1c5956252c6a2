// Package config provides configuration loading and persistence for tunnelforged.
//
// Configuration is loaded from:
// 1. ~/.tunnelforge/config.json (file)
// 2. Environment variables (override file values)
//
// Environment variables:
//   - TUNNELFORGE_PORT: HTTP listen port
//   - TUNNELFORGE_BIND: HTTP bind address
//   - TUNNELFORGE_CONTROL_DIR: Root directory for per-session control directories
//   - TUNNELFORGE_ALLOWED_ORIGINS: Comma-separated origin allow-list (glob patterns)
//   - TUNNELFORGE_AUTH: Authentication mode ("os" or "none")
//   - TUNNELFORGE_LOCAL_TOKEN: Local-bypass secret for co-located clients
//   - TUNNELFORGE_TITLE_MODE: Default title mode for new sessions
//   - TUNNELFORGE_SOCKET_MODE: IPC socket file mode (octal, e.g. "0600")
//   - TUNNELFORGE_TUNNEL_COMMAND: external tunnel binary started at boot
//   - TUNNELFORGE_LOG_LEVEL: "debug" enables debug logging
//   - TUNNELFORGE_CONFIG_DIR: Override config directory (for testing)
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultPort is the HTTP port used when none is configured.
const DefaultPort = 4020

// Config holds all configuration for the server.
type Config struct {
	// Port is the HTTP listen port.
	Port int `json:"port"`

	// Bind is the HTTP bind address.
	Bind string `json:"bind"`

	// ControlDir is the root directory holding per-session directories.
	ControlDir string `json:"control_dir"`

	// AllowedOrigins are origin patterns accepted on WebSocket handshakes
	// and CORS requests. Glob patterns are supported ("https://*.example.com").
	AllowedOrigins []string `json:"allowed_origins,omitempty"`

	// AuthMode is "os" (require the local-bypass token) or "none".
	AuthMode string `json:"auth_mode"`

	// LocalToken is the local-bypass secret shared with co-located clients.
	LocalToken string `json:"local_token,omitempty"`

	// TitleMode is the default title mode for new sessions
	// (none, filter, static, dynamic).
	TitleMode string `json:"title_mode"`

	// SocketMode is the file mode for per-session IPC sockets.
	// 0600 by default; 0666 permits local cross-user clients.
	SocketMode os.FileMode `json:"socket_mode"`

	// CommandAliases maps command names to replacement argv[0] values,
	// consulted before PATH lookup when spawning.
	CommandAliases map[string]string `json:"command_aliases,omitempty"`

	// TunnelCommand, when set, is an external tunnel binary started at
	// boot to expose the HTTP port publicly. A "{port}" argument is
	// substituted with the listen port; otherwise the port is appended.
	TunnelCommand []string `json:"tunnel_command,omitempty"`
}

// Default returns configuration with documented defaults.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	if homeDir == "" {
		homeDir = "."
	}

	return &Config{
		Port:       DefaultPort,
		Bind:       "127.0.0.1",
		ControlDir: filepath.Join(homeDir, ".tunnelforge", "control"),
		AuthMode:   "os",
		TitleMode:  "dynamic",
		SocketMode: 0o600,
	}
}

// Dir returns the configuration directory path, creating it if necessary.
// Respects TUNNELFORGE_CONFIG_DIR for testing.
func Dir() (string, error) {
	if testDir := os.Getenv("TUNNELFORGE_CONFIG_DIR"); testDir != "" {
		if err := os.MkdirAll(testDir, 0o700); err != nil {
			return "", fmt.Errorf("could not create config directory: %w", err)
		}
		return testDir, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".tunnelforge")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("could not create config directory: %w", err)
	}

	return dir, nil
}

// Path returns the path to the config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads configuration from file and applies environment variable overrides.
// Priority: Environment variables > config file > defaults
func Load() (*Config, error) {
	cfg := Default()

	// Missing or invalid file means defaults; not an error.
	cfg.loadFromFile()

	cfg.applyEnvOverrides()

	return cfg, nil
}

func (c *Config) loadFromFile() error {
	configPath, err := Path()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, c)
}

func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("TUNNELFORGE_PORT"); port != "" {
		if val, err := strconv.Atoi(port); err == nil && val > 0 {
			c.Port = val
		}
	}

	if bind := os.Getenv("TUNNELFORGE_BIND"); bind != "" {
		c.Bind = bind
	}

	if dir := os.Getenv("TUNNELFORGE_CONTROL_DIR"); dir != "" {
		c.ControlDir = dir
	}

	if origins := os.Getenv("TUNNELFORGE_ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = c.AllowedOrigins[:0]
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, o)
			}
		}
	}

	if mode := os.Getenv("TUNNELFORGE_AUTH"); mode != "" {
		c.AuthMode = mode
	}

	if token := os.Getenv("TUNNELFORGE_LOCAL_TOKEN"); token != "" {
		c.LocalToken = token
	}

	if mode := os.Getenv("TUNNELFORGE_TITLE_MODE"); mode != "" {
		c.TitleMode = mode
	}

	if mode := os.Getenv("TUNNELFORGE_SOCKET_MODE"); mode != "" {
		if val, err := strconv.ParseUint(mode, 8, 32); err == nil {
			c.SocketMode = os.FileMode(val)
		}
	}

	if command := os.Getenv("TUNNELFORGE_TUNNEL_COMMAND"); command != "" {
		c.TunnelCommand = strings.Fields(command)
	}
}

// Save writes configuration to the config file.
func (c *Config) Save() error {
	configPath, err := Path()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("could not create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("could not write config file: %w", err)
	}

	return nil
}

// AuthDisabled reports whether request authentication is turned off.
func (c *Config) AuthDisabled() bool {
	return c.AuthMode == "none"
}

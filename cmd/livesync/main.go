package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.livesync/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Realtime ConfigRealtime `toml:"realtime"`
}

// ConfigDefault holds connection settings.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
	Origin  string `toml:"origin"`
	Token   string `toml:"token"`
}

// ConfigRealtime holds timing settings, all in milliseconds. Zero keeps the
// library default.
type ConfigRealtime struct {
	HeartbeatMS     int64 `toml:"heartbeat_ms"`
	ReconnectBaseMS int64 `toml:"reconnect_base_ms"`
	ReconnectMaxMS  int64 `toml:"reconnect_max_ms"`
	JitterMS        int64 `toml:"jitter_ms"`
	CoalesceMS      int64 `toml:"coalesce_ms"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configPath returns the full path to the config file. LIVESYNC_CONFIG
// overrides the default location.
func configPath() (string, error) {
	if p := os.Getenv("LIVESYNC_CONFIG"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".livesync", "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "origin":
			cfg.Default.Origin = value
		case "token":
			cfg.Default.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "realtime":
		var dst *int64
		switch field {
		case "heartbeat_ms":
			dst = &cfg.Realtime.HeartbeatMS
		case "reconnect_base_ms":
			dst = &cfg.Realtime.ReconnectBaseMS
		case "reconnect_max_ms":
			dst = &cfg.Realtime.ReconnectMaxMS
		case "jitter_ms":
			dst = &cfg.Realtime.JitterMS
		case "coalesce_ms":
			dst = &cfg.Realtime.CoalesceMS
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("%s must be a non-negative integer, got %q", key, value)
		}
		*dst = n
	default:
		return fmt.Errorf("unknown config section %q (valid: default, realtime)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "livesync",
	Short: "Live update client CLI",
	Long:  "Command-line interface for the livesync realtime client.\nConfigure endpoints and follow live changes.",
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

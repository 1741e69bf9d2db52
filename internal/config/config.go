package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config root configuration
type Config struct {
	Servers []ServerConfig `mapstructure:"servers"`
	Store   StoreConfig    `mapstructure:"store"`
	Log     LogConfig      `mapstructure:"log"`
	Jobs    JobsConfig     `mapstructure:"jobs"`
}

// ServerConfig describes one remote capability server. Entries are immutable
// once loaded; the id is the stable key for sessions and composite tool names.
type ServerConfig struct {
	ID          string            `mapstructure:"id"`
	Name        string            `mapstructure:"name"`
	Transport   string            `mapstructure:"transport_type"`
	Address     string            `mapstructure:"address"`
	Command     string            `mapstructure:"command"`
	Args        []string          `mapstructure:"args"`
	Env         map[string]string `mapstructure:"env"`
	Enabled     *bool             `mapstructure:"enabled"`
	Description string            `mapstructure:"description"`
}

// IsEnabled reports whether the server should be connected. Servers are
// enabled unless the config explicitly disables them.
func (s ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// StoreConfig persistence settings
type StoreConfig struct {
	ActionDB     string `mapstructure:"action_db"`
	LocalCatalog string `mapstructure:"local_catalog"`
}

// LogConfig application logging settings
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// JobsConfig scheduled job settings
type JobsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	File    string `mapstructure:"file"`
}

// DefaultConfig returns config with sensible defaults
func DefaultConfig() *Config {
	dir := ConfigDir()
	return &Config{
		Servers: []ServerConfig{},
		Store: StoreConfig{
			ActionDB:     filepath.Join(dir, "actions.db"),
			LocalCatalog: filepath.Join(dir, "local_tools.json"),
		},
		Log: LogConfig{
			Level: "info",
			File:  "",
		},
		Jobs: JobsConfig{
			Enabled: false,
			File:    filepath.Join(dir, "jobs.json"),
		},
	}
}

// ConfigDir returns the gantry config directory
func ConfigDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".gantry")
}

// ConfigPath returns the config file path
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// Load loads config from file or returns defaults
func Load() (*Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom loads config from the given path, creating it with defaults when missing.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := SaveTo(cfg, path); err != nil {
			return cfg, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("GANTRY")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return cfg, err
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.MatchName = func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		}
	}); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

// Save saves config to the default path
func Save(cfg *Config) error {
	return SaveTo(cfg, ConfigPath())
}

// SaveTo saves config to the given path
func SaveTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate checks that the configuration values are within acceptable ranges.
// Transport-specific field requirements (command for stdio, address for
// network) are enforced by the connection manager before any I/O, so that a
// bad entry degrades only its own server.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Servers))
	for i, server := range c.Servers {
		id := strings.TrimSpace(server.ID)
		if id == "" {
			return fmt.Errorf("servers[%d].id must not be empty", i)
		}
		if strings.Contains(id, "/") {
			return fmt.Errorf("servers[%d].id must not contain '/', got %q", i, id)
		}
		if seen[id] {
			return fmt.Errorf("duplicate server id %q", id)
		}
		seen[id] = true
	}

	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	if level == "" {
		c.Log.Level = "info"
	} else {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[level] {
			return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
		}
		c.Log.Level = level
	}

	if strings.TrimSpace(c.Store.ActionDB) == "" {
		c.Store.ActionDB = filepath.Join(ConfigDir(), "actions.db")
	}
	if strings.TrimSpace(c.Store.LocalCatalog) == "" {
		c.Store.LocalCatalog = filepath.Join(ConfigDir(), "local_tools.json")
	}
	if strings.TrimSpace(c.Jobs.File) == "" {
		c.Jobs.File = filepath.Join(ConfigDir(), "jobs.json")
	}

	return nil
}

// EnabledServers returns the servers that should be connected.
func (c *Config) EnabledServers() []ServerConfig {
	out := make([]ServerConfig, 0, len(c.Servers))
	for _, server := range c.Servers {
		if server.IsEnabled() {
			out = append(out, server)
		}
	}
	return out
}

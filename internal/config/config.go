// Package config handles toolgate configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/toolgate/config.yaml, /etc/toolgate/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "toolgate", "config.yaml"))
	}

	paths = append(paths, "/etc/toolgate/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

// Config holds all gateway configuration.
type Config struct {
	Listen      ListenConfig `yaml:"listen"`
	MQTT        MQTTConfig   `yaml:"mqtt"`
	DataDir     string       `yaml:"data_dir"`
	ServersFile string       `yaml:"servers_file"`
	LogLevel    string       `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// MQTTConfig defines the optional MQTT presence publisher.
// When enabled, the gateway publishes agent and provider counts to an
// MQTT broker as Home Assistant discoverable sensors.
type MQTTConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Broker             string `yaml:"broker"` // e.g. mqtt://host:1883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`          // Default: toolgate
	DiscoveryPrefix    string `yaml:"discovery_prefix"`     // Default: homeassistant
	PublishIntervalSec int    `yaml:"publish_interval_sec"` // Default: 60
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:      ListenConfig{Port: 8000},
		DataDir:     "data",
		ServersFile: "mcp_servers.yaml",
		MQTT: MQTTConfig{
			DeviceName:         "toolgate",
			DiscoveryPrefix:    "homeassistant",
			PublishIntervalSec: 60,
		},
	}
}

// ServersPath returns the absolute location of the provider registry file.
// A relative servers_file is resolved against data_dir.
func (c *Config) ServersPath() string {
	if filepath.IsAbs(c.ServersFile) {
		return c.ServersFile
	}
	return filepath.Join(c.DataDir, c.ServersFile)
}

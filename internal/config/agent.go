package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/averlon/toolgate/internal/agenttools"
)

// AgentConfig is the top-level configuration for the remote agent
// binary. It is a separate document from the gateway Config because
// the two run on different machines.
type AgentConfig struct {
	// Gateway is the WebSocket URL of the gateway's agent endpoint
	// (e.g., "ws://gateway.local:8000/ws/mcp").
	Gateway string `yaml:"gateway"`

	// ClientID identifies this agent to the gateway. When empty, an
	// ID is derived from the hostname at startup.
	ClientID string `yaml:"client_id"`

	// Email configures the agent's email account. Email tools are
	// only registered when imap.host is set.
	Email AgentEmailConfig `yaml:"email"`

	// LogLevel sets the minimum log level (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
}

// AgentEmailConfig holds the single email account the agent serves
// tools for.
type AgentEmailConfig struct {
	IMAP agenttools.IMAPConfig `yaml:"imap"`
	SMTP agenttools.SMTPConfig `yaml:"smtp"`

	// DefaultFrom is the From address for outbound mail
	// (e.g., "Name <addr@host>"). Required when smtp.host is set.
	DefaultFrom string `yaml:"default_from"`
}

// Configured reports whether the email account has the minimum
// required IMAP configuration.
func (c AgentEmailConfig) Configured() bool {
	return c.IMAP.Host != "" && c.IMAP.Username != ""
}

// DefaultAgent returns an AgentConfig with default values.
func DefaultAgent() *AgentConfig {
	return &AgentConfig{
		Gateway:  "ws://localhost:8000/ws/mcp",
		LogLevel: "info",
	}
}

// LoadAgent reads an agent configuration file from the given path.
// Environment variables in the file are expanded before parsing, so
// secrets can be supplied as ${VAR} references.
func LoadAgent(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultAgent()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AgentConfig) applyDefaults() {
	if c.Gateway == "" {
		c.Gateway = "ws://localhost:8000/ws/mcp"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Email.IMAP.Host != "" {
		if c.Email.IMAP.Port == 0 {
			c.Email.IMAP.Port = 993
		}
		// TLS defaults to true unless the port is 143 (plaintext
		// convention).
		if !c.Email.IMAP.TLS && c.Email.IMAP.Port != 143 {
			c.Email.IMAP.TLS = true
		}
	}
	if c.Email.SMTP.Host != "" {
		if c.Email.SMTP.Port == 0 {
			c.Email.SMTP.Port = 587
		}
		if !c.Email.SMTP.StartTLS && c.Email.SMTP.Port != 465 {
			c.Email.SMTP.StartTLS = true
		}
	}
}

func (c *AgentConfig) validate() error {
	if c.Gateway == "" {
		return fmt.Errorf("gateway URL is required")
	}
	if c.Email.IMAP.Host != "" && c.Email.IMAP.Username == "" {
		return fmt.Errorf("email: imap.username is required when imap.host is set")
	}
	if c.Email.SMTP.Host != "" {
		if c.Email.SMTP.Username == "" {
			return fmt.Errorf("email: smtp.username is required when smtp.host is set")
		}
		if c.Email.DefaultFrom == "" {
			return fmt.Errorf("email: default_from is required when smtp is configured")
		}
	}
	return nil
}

// DefaultAgentSearchPaths returns the list of paths searched for an
// agent configuration file, in priority order.
func DefaultAgentSearchPaths() []string {
	paths := []string{"./agent.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "toolgate", "agent.yaml"))
	}
	paths = append(paths, "/etc/toolgate/agent.yaml")
	return paths
}

// FindAgentConfig returns the first existing agent config path from
// the default search paths, or empty string if none exist.
func FindAgentConfig() string {
	for _, path := range DefaultAgentSearchPaths() {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

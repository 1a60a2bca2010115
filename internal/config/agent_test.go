package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeAgentConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAgent_Defaults(t *testing.T) {
	path := writeAgentConfig(t, "client_id: laptop-agent-test\n")

	cfg, err := LoadAgent(path)
	if err != nil {
		t.Fatalf("LoadAgent() error: %v", err)
	}
	if cfg.Gateway != "ws://localhost:8000/ws/mcp" {
		t.Errorf("Gateway = %q, want default", cfg.Gateway)
	}
	if cfg.ClientID != "laptop-agent-test" {
		t.Errorf("ClientID = %q", cfg.ClientID)
	}
	if cfg.Email.Configured() {
		t.Error("email should not be configured by default")
	}
}

func TestLoadAgent_EmailDefaults(t *testing.T) {
	path := writeAgentConfig(t, `
gateway: ws://gw.local:8000/ws/mcp
email:
  imap:
    host: imap.example.com
    username: user@example.com
    password: ${TOOLGATE_TEST_IMAP_PW}
  smtp:
    host: smtp.example.com
    username: user@example.com
  default_from: User <user@example.com>
`)
	t.Setenv("TOOLGATE_TEST_IMAP_PW", "s3cret")

	cfg, err := LoadAgent(path)
	if err != nil {
		t.Fatalf("LoadAgent() error: %v", err)
	}
	if cfg.Email.IMAP.Port != 993 || !cfg.Email.IMAP.TLS {
		t.Errorf("IMAP defaults = port %d tls %v, want 993/true", cfg.Email.IMAP.Port, cfg.Email.IMAP.TLS)
	}
	if cfg.Email.IMAP.Password != "s3cret" {
		t.Errorf("Password = %q, env var not expanded", cfg.Email.IMAP.Password)
	}
	if cfg.Email.SMTP.Port != 587 || !cfg.Email.SMTP.StartTLS {
		t.Errorf("SMTP defaults = port %d starttls %v, want 587/true", cfg.Email.SMTP.Port, cfg.Email.SMTP.StartTLS)
	}
	if !cfg.Email.Configured() {
		t.Error("email should be configured")
	}
}

func TestLoadAgent_ImplicitTLSPort(t *testing.T) {
	path := writeAgentConfig(t, `
email:
  imap:
    host: imap.example.com
    username: u
  smtp:
    host: smtp.example.com
    port: 465
    username: u
  default_from: u@example.com
`)

	cfg, err := LoadAgent(path)
	if err != nil {
		t.Fatalf("LoadAgent() error: %v", err)
	}
	if cfg.Email.SMTP.StartTLS {
		t.Error("port 465 should leave starttls off (implicit TLS)")
	}
}

func TestLoadAgent_Validation(t *testing.T) {
	path := writeAgentConfig(t, `
email:
  imap:
    host: imap.example.com
`)
	if _, err := LoadAgent(path); err == nil {
		t.Error("expected error for imap.host without username")
	}

	path = writeAgentConfig(t, `
email:
  imap:
    host: imap.example.com
    username: u
  smtp:
    host: smtp.example.com
    username: u
`)
	if _, err := LoadAgent(path); err == nil {
		t.Error("expected error for smtp without default_from")
	}
}

func TestLoadAgent_MissingFile(t *testing.T) {
	if _, err := LoadAgent(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

// Package provider manages local MCP tool servers: a persisted registry
// of configured servers and the running child processes that serve them.
package provider

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// ServerConfig describes how to launch one MCP server subprocess.
type ServerConfig struct {
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args,omitempty" json:"args"`
	Env     map[string]string `yaml:"env,omitempty" json:"env"`
	Enabled bool              `yaml:"enabled" json:"enabled"`
}

// NamedServer pairs a server name with its config. The registry file
// stores a list so registration order survives restarts.
type NamedServer struct {
	Name string `yaml:"name" json:"name"`
	ServerConfig `yaml:",inline"`
}

// registryFile is the on-disk shape of the server registry.
type registryFile struct {
	Servers []NamedServer `yaml:"servers"`
}

// Store persists the MCP server registry as a YAML file. All mutations
// are written through immediately with an atomic replace.
type Store struct {
	path string

	mu      sync.Mutex
	servers []NamedServer
}

// NewStore opens the registry at path, loading it if it exists. A
// missing or unparseable file yields an empty registry: a damaged
// registry must not keep the gateway from starting, so corruption is
// logged and the file is rewritten on the next mutation.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read server registry: %w", err)
	}

	var reg registryFile
	if err := yaml.Unmarshal(data, &reg); err != nil {
		logger.Warn("server registry is corrupt, starting empty", "path", path, "error", err)
		return s, nil
	}
	s.servers = reg.Servers
	return s, nil
}

// List returns all registered servers in registration order.
func (s *Store) List() []NamedServer {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]NamedServer, len(s.servers))
	copy(out, s.servers)
	return out
}

// Get returns the config for name, or false if no server is registered
// under that name.
func (s *Store) Get(name string) (ServerConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sv := range s.servers {
		if sv.Name == name {
			return sv.ServerConfig, true
		}
	}
	return ServerConfig{}, false
}

// Add registers a new server. It is an error if the name is taken.
func (s *Store) Add(name string, cfg ServerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sv := range s.servers {
		if sv.Name == name {
			return fmt.Errorf("server %q already exists", name)
		}
	}
	s.servers = append(s.servers, NamedServer{Name: name, ServerConfig: cfg})
	return s.persist()
}

// SetEnabled flips the enabled flag for name and returns the updated
// config.
func (s *Store) SetEnabled(name string, enabled bool) (ServerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.servers {
		if s.servers[i].Name == name {
			s.servers[i].Enabled = enabled
			if err := s.persist(); err != nil {
				return ServerConfig{}, err
			}
			return s.servers[i].ServerConfig, nil
		}
	}
	return ServerConfig{}, fmt.Errorf("server %q not found", name)
}

// Remove deletes the server from the registry.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.servers {
		if s.servers[i].Name == name {
			s.servers = append(s.servers[:i], s.servers[i+1:]...)
			return s.persist()
		}
	}
	return fmt.Errorf("server %q not found", name)
}

// persist writes the registry to disk via a temp file and rename so a
// crash mid-write never leaves a truncated registry. Caller must hold
// s.mu.
func (s *Store) persist() error {
	data, err := yaml.Marshal(registryFile{Servers: s.servers})
	if err != nil {
		return fmt.Errorf("marshal server registry: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".servers-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp registry: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp registry: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace server registry: %w", err)
	}
	return nil
}

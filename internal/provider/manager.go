package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/averlon/toolgate/internal/rpc"
)

// handshakeTimeout bounds the initialize and tools/list exchanges of a
// freshly launched provider. A server that stays silent this long is
// marked failed and never called again.
const handshakeTimeout = 10 * time.Second

// ServerStatus is the API view of one registered server.
type ServerStatus struct {
	Name      string       `json:"name"`
	Config    ServerConfig `json:"config"`
	State     string       `json:"state"`
	ToolCount int          `json:"tool_count"`
}

// Manager owns the local provider fleet: the persisted registry plus
// the running subprocesses. Launch order follows registration order,
// and tool routing walks providers in that same order.
type Manager struct {
	store  *Store
	logger *slog.Logger

	mu      sync.RWMutex
	order   []string
	running map[string]*Process
}

// NewManager creates a manager over the given registry store.
func NewManager(store *Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   store,
		logger:  logger,
		running: make(map[string]*Process),
	}
}

// StartAll launches every enabled server in the registry. Individual
// failures are logged and do not abort the rest of the fleet.
func (m *Manager) StartAll(ctx context.Context) {
	for _, sv := range m.store.List() {
		if !sv.Enabled {
			continue
		}
		if err := m.StartServer(ctx, sv.Name); err != nil {
			m.logger.Error("failed to start MCP server", "name", sv.Name, "error", err)
		}
	}
}

// AddServer registers a new server and, if enabled, launches it. Only
// registry conflicts are returned; a failed launch leaves the server
// registered with its failure visible in Servers().
func (m *Manager) AddServer(ctx context.Context, name string, cfg ServerConfig) error {
	if err := m.store.Add(name, cfg); err != nil {
		return err
	}
	if !cfg.Enabled {
		return nil
	}
	if err := m.StartServer(ctx, name); err != nil {
		m.logger.Error("failed to start MCP server", "name", name, "error", err)
	}
	return nil
}

// StartServer launches the named server and runs the MCP handshake.
// Starting a server that is already running is a no-op. A provider
// whose handshake fails stays in the fleet marked failed so its state
// is visible, but it is excluded from routing.
func (m *Manager) StartServer(ctx context.Context, name string) error {
	cfg, ok := m.store.Get(name)
	if !ok {
		return fmt.Errorf("server %q not found", name)
	}

	m.mu.Lock()
	if prev, exists := m.running[name]; exists {
		switch prev.State() {
		case StateStopped, StateFailed:
			// Relaunch: tear down whatever is left of the old process.
			m.mu.Unlock()
			prev.stop()
			m.mu.Lock()
		default:
			m.mu.Unlock()
			return nil
		}
	}
	p := newProcess(name, cfg, m.logger)
	m.running[name] = p
	m.appendOrder(name)
	m.mu.Unlock()

	command, err := resolveCommand(cfg.Command)
	if err != nil {
		p.setState(StateFailed)
		return fmt.Errorf("resolve command for %s: %w", name, err)
	}

	if err := p.start(command); err != nil {
		p.setState(StateFailed)
		return err
	}

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	if err := p.initialize(hctx); err != nil {
		// Subprocess is left running but unusable; tools are never listed.
		return err
	}
	return p.listTools(hctx)
}

// appendOrder records name at the end of the launch order unless it is
// already present. Caller must hold m.mu.
func (m *Manager) appendOrder(name string) {
	for _, n := range m.order {
		if n == name {
			return
		}
	}
	m.order = append(m.order, name)
}

// StopServer shuts down the named server's subprocess.
func (m *Manager) StopServer(name string) {
	m.mu.Lock()
	p := m.running[name]
	delete(m.running, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if p != nil {
		p.stop()
	}
}

// SetEnabled toggles a server in the registry, starting or stopping the
// subprocess to match.
func (m *Manager) SetEnabled(ctx context.Context, name string, enabled bool) error {
	if _, err := m.store.SetEnabled(name, enabled); err != nil {
		return err
	}
	if enabled {
		return m.StartServer(ctx, name)
	}
	m.StopServer(name)
	return nil
}

// RemoveServer stops the named server and deletes it from the registry.
func (m *Manager) RemoveServer(name string) error {
	m.StopServer(name)
	return m.store.Remove(name)
}

// StopAll shuts down every running subprocess.
func (m *Manager) StopAll() {
	m.mu.Lock()
	procs := make([]*Process, 0, len(m.running))
	for _, p := range m.running {
		procs = append(procs, p)
	}
	m.running = make(map[string]*Process)
	m.order = nil
	m.mu.Unlock()

	for _, p := range procs {
		p.stop()
	}
}

// Servers returns the status of every registered server, running or not.
func (m *Manager) Servers() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ServerStatus
	for _, sv := range m.store.List() {
		st := ServerStatus{Name: sv.Name, Config: sv.ServerConfig, State: "stopped"}
		if p, ok := m.running[sv.Name]; ok {
			st.State = p.State().String()
			st.ToolCount = len(p.Tools())
		}
		out = append(out, st)
	}
	return out
}

// Tools returns every tool offered by fully loaded providers, in
// launch order.
func (m *Manager) Tools() []rpc.ToolDefinition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []rpc.ToolDefinition
	for _, name := range m.order {
		p := m.running[name]
		if p == nil || p.State() != StateToolsLoaded {
			continue
		}
		out = append(out, p.Tools()...)
	}
	return out
}

// RefreshTools re-runs tools/list on a loaded provider and replaces
// its cached tool list wholesale. A provider that never completed its
// handshake cannot be refreshed.
func (m *Manager) RefreshTools(ctx context.Context, name string) error {
	m.mu.RLock()
	p := m.running[name]
	m.mu.RUnlock()

	if p == nil {
		return fmt.Errorf("server not running: %s", name)
	}
	if p.State() != StateToolsLoaded {
		return fmt.Errorf("server %s is %s, cannot refresh tools", name, p.State())
	}
	return p.listTools(ctx)
}

// CallTool routes a call to the first loaded provider offering the
// named tool. Providers are checked in launch order. Returns found =
// false when no provider offers the tool. A found call with a nil
// response and nil error means the provider produced nothing usable.
func (m *Manager) CallTool(ctx context.Context, tool string, args map[string]any) (result json.RawMessage, rpcErr *rpc.Error, found bool) {
	m.mu.RLock()
	var target *Process
	for _, name := range m.order {
		p := m.running[name]
		if p == nil || p.State() != StateToolsLoaded {
			continue
		}
		for _, t := range p.Tools() {
			if t.Name == tool {
				target = p
				break
			}
		}
		if target != nil {
			break
		}
	}
	m.mu.RUnlock()

	if target == nil {
		return nil, nil, false
	}

	resp := target.callTool(ctx, tool, args)
	if resp == nil {
		return nil, nil, true
	}
	return resp.Result, resp.Error, true
}

// resolveCommand finds the executable on PATH. A bare "python" that is
// not installed falls back to "python3", which is how most distros ship
// the interpreter these days.
func resolveCommand(command string) (string, error) {
	if path, err := exec.LookPath(command); err == nil {
		return path, nil
	} else if command != "python" {
		return "", err
	}
	path, err := exec.LookPath("python3")
	if err != nil {
		return "", fmt.Errorf("neither python nor python3 found on PATH")
	}
	return path, nil
}

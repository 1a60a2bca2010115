package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/averlon/toolgate/internal/buildinfo"
	"github.com/averlon/toolgate/internal/config"
	"github.com/averlon/toolgate/internal/rpc"
)

// mcpProtocolVersion is the MCP protocol version advertised during the
// initialize handshake.
const mcpProtocolVersion = "2024-11-05"

// State tracks where a provider process is in its lifecycle.
type State int

const (
	// StateLaunched means the subprocess is running but the MCP
	// handshake has not completed.
	StateLaunched State = iota
	// StateInitialized means the handshake succeeded but tools have
	// not been listed yet.
	StateInitialized
	// StateToolsLoaded means the provider is fully usable.
	StateToolsLoaded
	// StateFailed means the handshake or tool discovery failed. The
	// subprocess may still be running but is never called again.
	StateFailed
	// StateStopped means the subprocess has been shut down.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateLaunched:
		return "launched"
	case StateInitialized:
		return "initialized"
	case StateToolsLoaded:
		return "tools_loaded"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Process is one running MCP server subprocess. Requests and responses
// are newline-delimited JSON-RPC on stdin/stdout. Stdio is inherently
// sequential, so a mutex serializes every write-then-read exchange and
// correlation is positional: the next stdout line is taken as the
// response to whatever was just written.
type Process struct {
	name   string
	cfg    ServerConfig
	logger *slog.Logger
	nextID atomic.Int64

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	state  State

	toolsMu sync.RWMutex
	tools   []rpc.ToolDefinition
}

// newProcess creates a process handle. The subprocess is not launched
// until start is called.
func newProcess(name string, cfg ServerConfig, logger *slog.Logger) *Process {
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{
		name:   name,
		cfg:    cfg,
		logger: logger.With("mcp_server", name),
	}
}

// Name returns the registry name of this provider.
func (p *Process) Name() string { return p.name }

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Tools returns the cached tool definitions from tools/list. Empty
// until the provider reaches StateToolsLoaded.
func (p *Process) Tools() []rpc.ToolDefinition {
	p.toolsMu.RLock()
	defer p.toolsMu.RUnlock()
	return p.tools
}

// start launches the subprocess.
func (p *Process) start(command string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil && p.cmd.ProcessState == nil {
		return nil
	}

	p.logger.Info("starting MCP subprocess",
		"command", command,
		"args", p.cfg.Args,
	)

	cmd := exec.Command(command, p.cfg.Args...)
	env := os.Environ()
	for k, v := range p.cfg.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	// Capture stderr for logging — not part of the protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return fmt.Errorf("start subprocess %s: %w", command, err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.reader = bufio.NewReaderSize(stdout, 1<<20) // 1 MiB buffer for large responses
	p.state = StateLaunched

	go p.drainStderr(stderrPipe)

	p.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// drainStderr reads stderr lines and logs them at debug level.
func (p *Process) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		p.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// initialize performs the MCP handshake: the initialize request
// followed by the notifications/initialized notification. A provider
// that stays silent past the context deadline is marked failed but its
// subprocess is left running; it is simply never called again.
func (p *Process) initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"capabilities": map[string]any{
			"roots":    map[string]any{"listChanged": true},
			"sampling": map[string]any{},
		},
		"clientInfo": map[string]any{
			"name":    "toolgate",
			"version": buildinfo.Version,
		},
	}

	resp := p.call(ctx, rpc.NewRequest(p.nextID.Add(1), "initialize", params))
	if resp == nil {
		p.setState(StateFailed)
		return fmt.Errorf("initialize %s: no usable response", p.name)
	}
	if resp.Error != nil {
		p.setState(StateFailed)
		return fmt.Errorf("initialize %s: %w", p.name, resp.Error)
	}

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		p.setState(StateFailed)
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}

	if err := p.notify(rpc.NewNotification("notifications/initialized", nil)); err != nil {
		p.setState(StateFailed)
		return fmt.Errorf("send initialized notification: %w", err)
	}

	p.setState(StateInitialized)
	p.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	return nil
}

// listTools calls tools/list and caches the result.
func (p *Process) listTools(ctx context.Context) error {
	resp := p.call(ctx, rpc.NewRequest(p.nextID.Add(1), "tools/list", nil))
	if resp == nil {
		p.setState(StateFailed)
		return fmt.Errorf("tools/list %s: no usable response", p.name)
	}
	if resp.Error != nil {
		p.setState(StateFailed)
		return fmt.Errorf("tools/list %s: %w", p.name, resp.Error)
	}

	var result rpc.ToolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		p.setState(StateFailed)
		return fmt.Errorf("unmarshal tools/list result: %w", err)
	}

	p.toolsMu.Lock()
	p.tools = result.Tools
	p.toolsMu.Unlock()
	p.setState(StateToolsLoaded)

	p.logger.Info("discovered MCP tools", "count", len(result.Tools))
	return nil
}

// callTool invokes a tool on this provider. A nil response means the
// exchange produced nothing usable (write failure, read failure,
// timeout, or unparseable output).
func (p *Process) callTool(ctx context.Context, tool string, args map[string]any) *rpc.Response {
	params := map[string]any{
		"name":      tool,
		"arguments": args,
	}
	return p.call(ctx, rpc.NewRequest(p.nextID.Add(1), "tools/call", params))
}

// call writes one request line and reads one response line. The mutex
// serializes exchanges; the read happens in a goroutine so context
// cancellation can interrupt a blocking read. On any failure the result
// is nil.
//
// A cancelled read leaves the abandoned goroutine parked on the
// stream, so the process is marked failed: one more exchange on that
// reader would race the abandoned read and could consume the stale
// line meant for the timed-out request. Failed providers drop out of
// routing and only a relaunch, with a fresh reader, makes the server
// callable again. The subprocess itself is not killed.
func (p *Process) call(ctx context.Context, req *rpc.Request) *rpc.Response {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stdin == nil || p.reader == nil {
		return nil
	}

	data, err := json.Marshal(req)
	if err != nil {
		p.logger.Error("marshal request", "error", err)
		return nil
	}

	p.logger.Log(ctx, config.LevelTrace, "stdio send", "line", string(data))

	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		p.logger.Warn("write to subprocess stdin", "error", err)
		return nil
	}

	type readResult struct {
		line []byte
		err  error
	}
	ch := make(chan readResult, 1)
	reader := p.reader
	go func() {
		line, readErr := reader.ReadBytes('\n')
		ch <- readResult{line: line, err: readErr}
	}()

	select {
	case <-ctx.Done():
		p.logger.Warn("subprocess response timeout, marking server failed", "method", req.Method)
		p.setState(StateFailed)
		return nil
	case res := <-ch:
		if res.err != nil {
			p.logger.Warn("read from subprocess stdout", "error", res.err)
			return nil
		}

		p.logger.Log(ctx, config.LevelTrace, "stdio recv", "line", string(res.line))

		var resp rpc.Response
		if err := json.Unmarshal(res.line, &resp); err != nil {
			p.logger.Warn("unparseable line from subprocess", "error", err)
			return nil
		}
		return &resp
	}
}

// notify writes one notification line. No response is read.
func (p *Process) notify(notif *rpc.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stdin == nil {
		return fmt.Errorf("subprocess not running")
	}

	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write notification to subprocess stdin: %w", err)
	}
	return nil
}

func (p *Process) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// stop terminates the subprocess: close stdin, wait briefly for a
// graceful exit, then force kill.
func (p *Process) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil || p.cmd.Process == nil {
		p.state = StateStopped
		return
	}

	p.logger.Info("stopping MCP subprocess", "pid", p.cmd.Process.Pid)

	if p.stdin != nil {
		p.stdin.Close()
	}

	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		p.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", p.cmd.Process.Pid,
		)
		_ = p.cmd.Process.Kill()
		<-done
	}

	p.cmd = nil
	p.stdin = nil
	p.reader = nil
	p.state = StateStopped
}

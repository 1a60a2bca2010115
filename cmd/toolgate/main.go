// Toolgate is an MCP tool gateway.
//
// It launches local MCP servers as child processes, accepts remote tool
// agents over WebSocket, and exposes a unified tool catalog through an
// HTTP management API. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	toolgate serve           Start the gateway
//	toolgate version         Print version and build information
//	toolgate -o json version Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/averlon/toolgate/internal/agenthub"
	"github.com/averlon/toolgate/internal/api"
	"github.com/averlon/toolgate/internal/broker"
	"github.com/averlon/toolgate/internal/buildinfo"
	"github.com/averlon/toolgate/internal/calllog"
	"github.com/averlon/toolgate/internal/config"
	"github.com/averlon/toolgate/internal/mqtt"
	"github.com/averlon/toolgate/internal/provider"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the toolgate command. All OS-level
// dependencies are injected as parameters so the lifecycle can be
// exercised from tests. Arguments are parsed by hand: the flag package
// relies on package-level globals, and our surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Toolgate - MCP Tool Gateway")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: toolgate [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the gateway")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/toolgate/config.yaml, /etc/toolgate/config.yaml")
	return nil
}

// runServe handles the "toolgate serve" subcommand. It is the primary
// operating mode: loads config, opens the call log, launches the
// enabled MCP servers, starts the API server, and blocks until a
// shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The MQTT publisher goes offline (if enabled)
//  3. The HTTP server drains in-flight requests
//  4. Local MCP servers are stopped and agent sockets closed
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Toolgate", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"data_dir", cfg.DataDir,
		"servers_file", cfg.ServersPath(),
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Provider registry ---
	// YAML-backed registry of local MCP server definitions. Survives
	// restarts and preserves registration order.
	store, err := provider.NewStore(cfg.ServersPath(), logger)
	if err != nil {
		return fmt.Errorf("open server registry %s: %w", cfg.ServersPath(), err)
	}

	// --- Call log ---
	// SQLite-backed record of every tool execution.
	callLog, err := calllog.NewStore(filepath.Join(cfg.DataDir, "calls.db"), logger)
	if err != nil {
		return fmt.Errorf("open call log: %w", err)
	}
	defer callLog.Close()

	// --- Local providers and remote agents ---
	manager := provider.NewManager(store, logger)
	hub := agenthub.NewHub(logger)
	b := broker.New(hub, manager, callLog, logger)

	// Launch all enabled MCP servers. Individual failures are logged,
	// not fatal: a broken server definition must not keep the gateway
	// from starting.
	manager.StartAll(ctx)
	defer manager.StopAll()
	defer hub.CloseAll()

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, b, manager, hub, callLog, logger)

	// --- MQTT presence (optional) ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Enabled {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load MQTT instance ID: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		stats := &gatewayStats{manager: manager, hub: hub, broker: b, callLog: callLog}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, stats, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
	}

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// trigger the same shutdown path as an explicit cancellation.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")

		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Warn("MQTT offline publish failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	// Start the API server. This blocks until shutdown (via context
	// cancellation or fatal error).
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Toolgate stopped")
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used. Otherwise
// [config.FindConfig] searches the default locations. A missing config
// file is not an error: the defaults run a local-only gateway.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "(defaults)", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// gatewayStats adapts the live gateway components to the MQTT
// publisher's [mqtt.StatsSource] interface.
type gatewayStats struct {
	manager *provider.Manager
	hub     *agenthub.Hub
	broker  *broker.Broker
	callLog *calllog.Store
}

func (g *gatewayStats) Uptime() time.Duration { return buildinfo.Uptime() }
func (g *gatewayStats) Version() string       { return buildinfo.Version }
func (g *gatewayStats) ConnectedAgents() int  { return g.hub.Count() }
func (g *gatewayStats) RunningServers() int   { return len(g.manager.Servers()) }
func (g *gatewayStats) ToolCount() int        { return len(g.broker.Tools()) }

func (g *gatewayStats) CallsToday() int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := g.callLog.CountSince(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		return 0
	}
	return n
}

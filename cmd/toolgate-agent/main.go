// Toolgate-agent connects a machine's local capabilities to a Toolgate
// gateway. It maintains a persistent WebSocket connection, registers
// its tools (email access and system status), and executes tool calls
// forwarded by the gateway.
//
// Usage:
//
//	toolgate-agent run       Connect to the gateway and serve tools
//	toolgate-agent version   Print version and build information
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/averlon/toolgate/examples"
	"github.com/averlon/toolgate/internal/agentclient"
	"github.com/averlon/toolgate/internal/agenttools"
	"github.com/averlon/toolgate/internal/buildinfo"
	"github.com/averlon/toolgate/internal/config"
)

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	switch command {
	case "run":
		return runAgent(ctx, stdout, configPath)
	case "init":
		return runInit(stdout)
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Toolgate Agent - Remote tool agent for Toolgate")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: toolgate-agent [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run          Connect to the gateway and serve tools")
	fmt.Fprintln(w, "  init         Write an example agent.yaml in the current directory")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./agent.yaml, ~/.config/toolgate/agent.yaml, /etc/toolgate/agent.yaml")
	return nil
}

// runInit writes an example agent.yaml in the current directory,
// unless one already exists.
func runInit(w io.Writer) error {
	if _, err := os.Stat("agent.yaml"); err == nil {
		return fmt.Errorf("agent.yaml already exists")
	}
	if err := os.WriteFile("agent.yaml", examples.AgentYAML, 0o644); err != nil {
		return err
	}
	fmt.Fprintln(w, "Wrote agent.yaml. Edit it, then run: toolgate-agent run")
	return nil
}

// runAgent handles the "toolgate-agent run" subcommand: loads config,
// builds the tool registry, and keeps the gateway connection alive
// until a shutdown signal arrives.
func runAgent(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadAgentConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))

	logger.Info("starting Toolgate agent", "version", buildinfo.Version, "config", cfgPath, "gateway", cfg.Gateway)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = defaultClientID()
	}

	registry := agenttools.NewRegistry()
	if cfg.Email.Configured() {
		mail := agenttools.NewMailClient(cfg.Email.IMAP, logger)
		defer mail.Close()
		agenttools.RegisterEmailTools(registry, &agenttools.EmailTools{
			Mail:        mail,
			SMTP:        cfg.Email.SMTP,
			DefaultFrom: cfg.Email.DefaultFrom,
		})
		logger.Info("email tools registered", "imap_host", cfg.Email.IMAP.Host)
	} else {
		logger.Info("email not configured, email tools disabled")
	}
	agenttools.RegisterSystemTools(registry)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := agentclient.New(cfg.Gateway, clientID, registry, logger)
	err = client.Run(ctx)
	if ctx.Err() != nil {
		logger.Info("shutting down")
		return nil
	}
	return err
}

func loadAgentConfig(explicit string) (*config.AgentConfig, string, error) {
	path := explicit
	if path == "" {
		path = config.FindAgentConfig()
	}
	if path == "" {
		return config.DefaultAgent(), "(defaults)", nil
	}

	cfg, err := config.LoadAgent(path)
	if err != nil {
		return nil, path, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

// defaultClientID derives a stable-enough agent identity from the
// hostname plus a short random suffix so two agents on identically
// named machines do not collide.
func defaultClientID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("laptop-agent-%s-%s", host, uuid.NewString()[:8])
}

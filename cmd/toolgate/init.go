package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/averlon/toolgate/examples"
)

// runInit initializes a Toolgate working directory with default files.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Toolgate workspace in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, examples.ConfigYAML); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	serversPath := filepath.Join(dataDir, "mcp_servers.yaml")
	if err := writeIfMissing(serversPath, examples.ServersYAML); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", serversPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml and data/mcp_servers.yaml, then run: toolgate serve")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, so init never overwrites user customizations.
func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, content, 0o644)
}

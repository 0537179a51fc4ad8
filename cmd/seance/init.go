// ABOUTME: Starter configuration writer for the init subcommand
// ABOUTME: Creates config.yaml, backends.toml, and routing.yaml with working defaults

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
)

const starterBackends = `# seance backend launch profiles
#
# kind is one of:
#   persistent  one long-lived stdio client per conversation
#   spawn       one child process per turn
#   remote      a shared local HTTP service

[backends.claude]
kind = "persistent"
binary = "claude"
args = ["--output-format", "stream-json", "--verbose"]

[backends.codex]
kind = "spawn"
binary = "codex"
args = ["exec", "--json"]

[backends.opencode]
kind = "remote"
binary = "opencode"
host = "127.0.0.1"
port = 4096
startup_timeout = "30s"
retry_attempts = 3
retry_backoff = "2s"
`

const starterRouting = `# seance routing table: first matching rule wins, default catches the rest.
#
# rules:
#   - platform: "console"
#     scope: "*"
#     backend: "codex"
rules: []
default: "claude"
`

func runInit() error {
	configPath := getConfigPath()
	configDir := filepath.Dir(configPath)
	dataPath := getDataPath()

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	backendsPath := filepath.Join(configDir, "backends.toml")
	routingPath := filepath.Join(configDir, "routing.yaml")
	dbPath := filepath.Join(dataPath, "seance.db")

	starterConfig := fmt.Sprintf(`# seance configuration
# Generated by seance init

database:
  path: "%s"

backends:
  path: "%s"

routing:
  path: "%s"
  default_backend: "claude"

workspace:
  # Deployment default working directory. Empty means the daemon's
  # working directory. Per-scope overrides map a settings key to a path.
  default_dir: ""
  overrides: {}

status:
  interval: "7s"
  finalize_by_delete: false

logging:
  level: "info"
  format: "text"
`, dbPath, backendsPath, routingPath)

	wrote := false
	for _, f := range []struct {
		path    string
		content string
	}{
		{configPath, starterConfig},
		{backendsPath, starterBackends},
		{routingPath, starterRouting},
	} {
		if _, err := os.Stat(f.path); err == nil {
			cyan.Printf("  Keeping existing: %s\n", f.path)
			continue
		}
		if err := os.WriteFile(f.path, []byte(f.content), 0600); err != nil {
			return fmt.Errorf("writing %s: %w", f.path, err)
		}
		green.Printf("  ✓ Created %s\n", f.path)
		wrote = true
	}

	fmt.Println()
	if wrote {
		green.Println("  Init complete!")
	} else {
		cyan.Println("  Nothing to do, all files exist.")
	}
	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    edit", backendsPath)
	fmt.Println("    seance serve")
	fmt.Println()

	return nil
}

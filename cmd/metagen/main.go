// Package main provides the metagen CLI.
//
// Metagen is an agent runtime: a Meta-agent orchestrates conversations,
// delegates stored tasks to ephemeral Task-agents, executes tools in-process
// or through supervised subprocess tool servers, and records every turn in a
// SQLite memory store.
//
// # Basic Usage
//
// Start an interactive session:
//
//	metagen chat --config ~/.metagen/config.yaml
//
// Inspect stored task definitions:
//
//	metagen tasks list
//
// Sweep rows left open by a crash:
//
//	metagen recover
//
// # Environment Variables
//
//   - METAGEN_CONFIG: Path to configuration file (default: ~/.metagen/config.yaml)
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY / GEMINI_API_KEY: provider credentials,
//     referenced from the config via ${VAR} expansion
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Crestview-Labs/metagen/internal/config"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp

	configPath string
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "metagen",
		Short: "Metagen - agent runtime with task delegation and tool servers",
		Long: `Metagen runs an orchestrating Meta-agent on top of a SQLite memory store,
an extensible tool registry, and supervised subprocess tool servers.

Supported LLM providers: Anthropic (Claude), OpenAI (GPT), Google (Gemini)`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (or set METAGEN_CONFIG)")

	rootCmd.AddCommand(
		buildChatCmd(),
		buildTasksCmd(),
		buildRecoverCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

// loadConfig resolves and loads the configuration. An explicitly named file
// (flag or METAGEN_CONFIG) must exist; the implicit default location may be
// absent, in which case built-in defaults apply.
func loadConfig() (*config.Config, error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("METAGEN_CONFIG"))
	}
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return config.Default(), nil
		}
		path = filepath.Join(home, ".metagen", "config.yaml")
		if _, err := os.Stat(path); err != nil {
			return config.Default(), nil
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Package cli implements the hive command line interface.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/hive/internal/config"
	"github.com/Dicklesworthstone/hive/internal/robot"
	"github.com/Dicklesworthstone/hive/internal/serve"
)

var (
	cfgFile string
	cfg     *config.Config

	// Global JSON output flag - inherited by all subcommands
	jsonOutput bool

	// Global color control flag - inherited by all subcommands
	noColor bool

	logLevel   string
	serverAddr string
	apiKey     string

	// Build information - set by goreleaser via ldflags
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// errConfig marks configuration failures so Execute can map them to the
// fatal exit code.
var errConfig = errors.New("configuration error")

var rootCmd = &cobra.Command{
	Use:   "hive",
	Short: "Coordinate a team of agent processes through a shared message log",
	Long: `Hive runs a team of named agent processes (a president, bosses, workers),
delivers tasks to them in parallel under a session bound, and records every
delivery in an append-only message log.

Quick Start:
  hive init                              # Write default config + sample roster
  hive serve                             # Run the dispatcher + HTTP API
  hive submit worker1 "summarize inbox"  # Queue a task for one agent
  hive status                            # Inspect sessions, queue, counters
  hive watch                             # Live dashboard

Batch Mode:
  hive run --team team.yaml --task "worker1: do the thing"`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			os.Setenv("NO_COLOR", "1")
		}
		setupLogging(logLevel)

		if !needsConfig(cmd.Name()) {
			return nil
		}
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("%w: %v", errConfig, err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.config/hive/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "machine-readable JSON output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "hive server base URL (default from config)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key for a remote hive server")

	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}

// needsConfig reports whether a command requires a loaded config. init
// must run before any config exists, and the trivial commands skip the
// file system entirely.
func needsConfig(name string) bool {
	switch name {
	case "init", "help", "completion", "version":
		return false
	}
	return true
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// apiClient builds a client for the configured (or overridden) server.
func apiClient() *serve.Client {
	addr := serverAddr
	if addr == "" && cfg != nil {
		addr = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	key := apiKey
	if key == "" && cfg != nil {
		key = cfg.Server.APIKey
	}
	return serve.NewClient(addr, key)
}

// Execute runs the root command and returns the process exit code:
// 0 success, 1 command or task failure, 2 fatal persistence or
// configuration error.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return robot.ExitOK
	}
	if jsonOutput {
		_ = robot.Print(robot.FromError(err))
	} else {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return exitCode(err)
}

// exitCode maps an error to the documented exit codes.
func exitCode(err error) int {
	if errors.Is(err, errConfig) {
		return robot.ExitFatal
	}
	return robot.ExitCodeFor(err)
}

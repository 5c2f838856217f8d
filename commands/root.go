// Package commands defines the fetchurl CLI.
package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/j0hanz/fetch-url-mcp-sub001/config"
)

var (
	configPath string
	logLevel   string
)

// NewRootCommand builds the fetchurl command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "fetchurl",
		Short:         "SSRF-safe web fetcher and HTML to markdown converter",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(newServeCommand())
	root.AddCommand(newFetchCommand())
	root.AddCommand(newWorkerCommand())

	return root
}

// loadConfig loads and validates the configuration, layering the file over
// defaults when --config is set.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		var err error
		cfg, err = config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. Logs go to stderr so stdout stays
// free for protocol traffic and command output.
func newLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"linkscrub/internal/config"
	"linkscrub/internal/plugins"
)

var (
	configFile string
	logLevel   string
	logFormat  string

	version = "<dev>"
)

var rootCmd = &cobra.Command{
	Use:   "linkscrub",
	Short: "Strip presigned-URL parameters from links while proxying or mirroring",
	Long: `linkscrub runs every link it discovers through a chain of link plugins.
The built-in plugin removes X-Amz-Algorithm query parameters so that expiring
presigned S3 URLs are fetched and stored as stable links.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(cmd.ErrOrStderr(), logLevel, logFormat)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log format (json, text)")
}

// Execute runs the command line and exits non-zero on failure.
func Execute(v string) {
	version = v
	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

// parseLogLevel converts a string log level to slog.Level
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		slog.Warn("Invalid log level, defaulting to info", "level", level)
		return slog.LevelInfo
	}
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format '%s', must be json or text", format)
	}
}

// loadConfig reads --config, falling back to fallback when the flag is unset.
// An empty fallback means the command runs on defaults without a file.
func loadConfig(fallback string) (*config.Config, error) {
	path := configFile
	if path == "" {
		path = fallback
	}
	if path == "" {
		return config.Default(), nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func newPluginManager(cfg *config.Config) (*plugins.Manager, error) {
	manager, err := plugins.New(slog.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to create plugin manager: %w", err)
	}
	if err := manager.LoadPlugins(cfg); err != nil {
		return nil, err
	}
	slog.Debug("Plugin chain ready", "chain", manager.Chain())
	return manager, nil
}

func closePlugins(manager *plugins.Manager) {
	if err := manager.Close(); err != nil {
		slog.Error("Failed to unplug plugins", "error", err)
	}
}

// Package cli implements the command-line interface for kgserve.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kilupskalvis/kgserve/internal/config"
	"github.com/kilupskalvis/kgserve/internal/store"
)

// Global flags shared by every command.
var (
	flagConfig      string
	flagDatabaseURL string
	flagLogLevel    string
	flagLogFormat   string
)

// cmdContext holds common resources for CLI commands.
type cmdContext struct {
	Config *config.Config
	Logger *slog.Logger
	Store  store.Store
}

// Close releases resources held by cmdContext.
func (c *cmdContext) Close() {
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			c.Logger.Warn("close store", "error", err)
		}
	}
}

// initContext resolves the configuration and builds the logger. No store is
// opened.
func initContext(cmd *cobra.Command) *cmdContext {
	cfg, err := resolveConfig(cmd, os.Getenv)
	if err != nil {
		exitError("%v", err)
	}
	return &cmdContext{Config: cfg, Logger: newLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)}
}

// initStoreContext additionally opens the configured store, retrying while
// the backend comes up.
func initStoreContext(ctx context.Context, cmd *cobra.Command) *cmdContext {
	c := initContext(cmd)
	st, err := store.OpenWithRetry(ctx, c.Config.DatabaseURL, nil, c.Logger)
	if err != nil {
		exitError("failed to open store: %v", err)
	}
	c.Store = st
	return c
}

// resolveConfig layers defaults, the config file and the environment, then
// applies every flag the user set explicitly, and validates the result.
func resolveConfig(cmd *cobra.Command, getenv func(string) string) (*config.Config, error) {
	cfg, err := config.Load(flagConfig, getenv)
	if err != nil {
		return nil, err
	}

	f := cmd.Flags()
	if f.Changed("database-url") {
		cfg.DatabaseURL = flagDatabaseURL
	}
	if f.Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if f.Changed("log-format") {
		cfg.LogFormat = flagLogFormat
	}
	applyServeFlags(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from a level and a format name.
func newLogger(levelName, format string, w io.Writer) *slog.Logger {
	var level slog.Level
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

var rootCmd = &cobra.Command{
	Use:   "kgserve",
	Short: "Knowledge-graph bundle query server",
	Long: `kgserve loads an immutable knowledge-graph bundle into a relational or
embedded store and serves it read-only over REST and GraphQL.

Configuration is read from an optional TOML file (--config or
KGSERVE_CONFIG), then the environment, then command-line flags.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "Path to a TOML config file (env: KGSERVE_CONFIG)")
	pf.StringVar(&flagDatabaseURL, "database-url", "", "Store URL: sqlite:///path, bolt:///path or postgres://... (env: DATABASE_URL)")
	pf.StringVar(&flagLogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	pf.StringVar(&flagLogFormat, "log-format", "", "Log format (json|text)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(configCmd)
}

// exitError prints an error and exits.
func exitError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// bundleSource picks the bundle path from the first argument or the config.
func bundleSource(cfg *config.Config, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return cfg.BundlePath
}

package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/gablilli/drivesync/internal/config"
	"github.com/gablilli/drivesync/internal/events"
	"github.com/gablilli/drivesync/internal/registry"
	"github.com/gablilli/drivesync/internal/store"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagDrive      string
	flagVerbose    bool
	flagQuiet      bool
)

// cfg holds the effective configuration loaded by PersistentPreRunE.
var cfg *config.Config

// newRootCmd builds the fully-assembled root command with all subcommands
// registered. Called once from main() and fresh in every CLI test.
func newRootCmd() *cobra.Command {
	flagConfigPath = ""
	flagDrive = ""
	flagVerbose = false
	flagQuiet = false

	cmd := &cobra.Command{
		Use:     "drivesync",
		Short:   "Cloud drive sync client",
		Long:    "A resumable, conflict-aware sync client for cloud drives.",
		Version: version,
		// Silence cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagDrive, "drive", "", "limit the command to one drive ID")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newDriveCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newConflictsCmd())

	return cmd
}

// loadConfig reads the config file (or defaults when it does not exist)
// into the package-level cfg.
func loadConfig() error {
	path := flagConfigPath
	if path == "" {
		path = config.DefaultConfigPath()
	}

	loaded, err := config.LoadOrDefault(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cfg = loaded

	return nil
}

// buildLogger creates an slog.Logger from the resolved config and CLI
// flags. Config sets the baseline level; --verbose and --quiet win. The
// "auto" log format picks text on a terminal and JSON otherwise, so
// GUI wrappers and service managers get machine-readable output.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	if cfg != nil {
		switch cfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	format := "auto"
	if cfg != nil {
		format = cfg.Logging.LogFormat
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
			handler = slog.NewTextHandler(os.Stderr, opts)
		} else {
			handler = slog.NewJSONHandler(os.Stderr, opts)
		}
	}

	return slog.New(handler)
}

// openRegistry loads the drive registry from its on-disk TOML file.
func openRegistry(bus *events.Bus, logger *slog.Logger) (*registry.Registry, error) {
	reg, err := registry.Load(config.DefaultDrivesPath(), bus, logger)
	if err != nil {
		return nil, fmt.Errorf("loading drive registry: %w", err)
	}

	return reg, nil
}

// openStore opens the local state database, creating it on first use.
func openStore(logger *slog.Logger) (*store.Store, error) {
	path := config.DefaultStatePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	st, err := store.Open(path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}

	return st, nil
}

// defaultHTTPClient returns the HTTP client used for all remote calls.
// The data timeout bounds whole requests including chunk bodies.
func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: cfg.DataTimeoutDuration()}
}

// exitOnError prints a user-facing error to stderr and exits nonzero.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/buildprep/internal/config"
	"github.com/BadgerOps/buildprep/internal/engine"
	"github.com/BadgerOps/buildprep/internal/store"
)

var (
	// Global flags
	cfgPath   string
	workspace string
	dbPath    string
	logLevel  string
	logFormat string
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore  *store.Store
	globalEngine *engine.Provisioner
)

// initializeComponents opens the run ledger and builds the provisioner.
// The ledger is optional: if it cannot be opened the run proceeds without it.
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	path := globalCfg.ResolvedDBPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logger.Warn("cannot create ledger directory, continuing without run history", "path", path, "error", err)
	} else if st, err := store.New(path, logger); err != nil {
		logger.Warn("cannot open ledger, continuing without run history", "path", path, "error", err)
	} else {
		globalStore = st
	}

	globalEngine = engine.NewProvisioner(globalCfg, engine.Deps{Store: globalStore}, logger, os.Stdout)

	logger.Debug("components initialized", "workspace", globalCfg.Workspace, "ledger", globalStore != nil)
	return nil
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmdName string) bool {
	skipInitCmds := map[string]bool{
		"help":    true,
		"version": true,
		"config":  true,
		"show":    true,
		"verify":  true,
		"copy":    true,
		"extract": true,
	}
	return skipInitCmds[cmdName]
}

// closeStore closes the global store connection
func closeStore() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buildprep",
		Short: "Prepare a source tree for building",
		Long: `buildprep stages data and helper files into the binaries folder, fetches and
verifies the third-party library bundle, unpacks it, copies runtime libraries
next to the binaries, and runs the project generator for the requested target.

Re-runs reuse the downloaded bundle when its hash still matches.`,
		Example: `  buildprep run vs2022 d3d12
  buildprep run gmake2 vulkan ci
  buildprep fetch --target vs2022
  buildprep verify third_party/libraries/libraries.7z 8a20305e...
  buildprep status --limit 5`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			if err := loadConfig(); err != nil {
				return err
			}

			if !shouldSkipComponentInit(cmd.Name()) {
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeStore()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&workspace, "workspace", "", "override the source tree root")
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "override the run ledger path")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")

	cmd.AddCommand(
		newRunCmd(),
		newFetchCmd(),
		newVerifyCmd(),
		newCopyCmd(),
		newExtractCmd(),
		newStatusCmd(),
		newConfigCmd(),
	)

	return cmd
}

// loadConfig reads the config file, falling back to the built-in layout,
// then applies command-line overrides.
func loadConfig() error {
	if cfgPath == "" {
		var err error
		cfgPath, err = config.FindConfigFile()
		if err != nil {
			logger.Debug("config file not found, using defaults", "error", err)
		}
	}

	if cfgPath != "" {
		var err error
		globalCfg, err = config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	} else {
		globalCfg = config.DefaultConfig()
	}

	if workspace != "" {
		globalCfg.Workspace = workspace
	}
	if dbPath != "" {
		globalCfg.DBPath = dbPath
	}

	logger.Debug("config loaded", "path", cfgPath, "workspace", globalCfg.Workspace)
	return nil
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}

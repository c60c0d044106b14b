package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/evolab/evosim-session/internal"
	"github.com/spf13/cobra"
)

var (
	verbose     bool
	dataDir     string
	storageType string
	configPath  string
	version     string = "dev"
	commit      string = "unknown"
	date        string = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "evosim-session",
	Short: "Manage and recover evolution-simulation dashboard sessions",
	Long: `A CLI for the evosim dashboard's session store.

Sessions hold the dashboard's working state: simulation parameters,
in-flight run references, and UI state. This tool inspects, exports,
imports, and repairs that state from the command line.

Features:
  • List stored sessions with status and metadata
  • View a session's simulations and performance counters
  • Export/import self-contained session bundles with checksums
  • Detect and recover sessions left behind by an interrupted run
  • Age-based cleanup and storage statistics

Quick Start:
  evosim-session list                  # List all sessions
  evosim-session show <session-id>     # View one session
  evosim-session recover --check       # Look for interrupted sessions`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		internal.SetVerbose(verbose)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default ~/.evosim-session)")
	rootCmd.PersistentFlags().StringVar(&storageType, "storage", "", "Storage backend: local or indexed")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")

	// Set version template to ensure --version flag works
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}

// serviceOptions resolves the persistence options from the config file and
// command-line flag overrides.
func serviceOptions() (internal.Options, error) {
	path := configPath
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".evosim-session", "config.yaml")
		}
	}
	cfg, err := internal.LoadFileConfig(path)
	if err != nil {
		return internal.Options{}, err
	}

	opts := cfg.Options()
	if dataDir != "" {
		opts.Path = dataDir
	}
	if opts.Path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return internal.Options{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		opts.Path = filepath.Join(home, ".evosim-session")
	}
	if storageType != "" {
		opts.StorageType = storageType
	}
	return opts, nil
}

// newService opens the persistence service for one command invocation.
func newService() (*internal.PersistenceService, error) {
	opts, err := serviceOptions()
	if err != nil {
		return nil, err
	}
	svc, err := internal.NewPersistenceService(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	return svc, nil
}

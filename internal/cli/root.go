// Package cli implements the operator command tree: schema migration,
// dead-letter replay, offline fixture ingestion, and the long-lived
// serve process. Grounded on malbeclabs-doublezero's
// internal/data/cli.Run/NewDeviceCmd shape — a root cobra.Command with
// persistent flags and one subcommand type per operation, each reading
// its own flags inside RunE rather than threading them through globals.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/config"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/logger"
)

// ExitCode is the process exit status Run returns; the caller (main)
// passes it straight to os.Exit.
type ExitCode int

const (
	ExitSuccess ExitCode = 0
	ExitFailure ExitCode = 1
)

// Run builds and executes the root command, returning the exit code to
// use. It never calls os.Exit itself so tests can invoke it directly.
func Run(args []string) ExitCode {
	root := &cobra.Command{
		Use:           "uns-metadata-sync",
		Short:         "UNS metadata sync: Sparkplug ingest, CDC debounce, and historian egress.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetArgs(args)

	root.AddCommand(
		newMigrateCmd(),
		newReplayDLQCmd(),
		newIngestFixtureCmd(),
		newServeCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return ExitFailure
	}
	return ExitSuccess
}

// loadConfig reads the process configuration and initializes logging,
// the combination every subcommand needs before touching the database
// or the network.
func loadConfig() (config.Settings, error) {
	settings, err := config.Load()
	if err != nil {
		return config.Settings{}, err
	}
	if err := logger.Initialize(settings.LogLevel); err != nil {
		return config.Settings{}, fmt.Errorf("initialize logger: %w", err)
	}
	return settings, nil
}

package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fabsync/fabsync/pkg/backup"
	"github.com/fabsync/fabsync/pkg/config"
	"github.com/fabsync/fabsync/pkg/core"
	"github.com/fabsync/fabsync/pkg/filesystem"
	"github.com/fabsync/fabsync/pkg/logging"
	"github.com/fabsync/fabsync/pkg/output"
	"github.com/fabsync/fabsync/pkg/paths"
	"github.com/fabsync/fabsync/pkg/registry"
	"github.com/fabsync/fabsync/pkg/server"
	"github.com/fabsync/fabsync/pkg/statestore"
)

var (
	verbosity  int
	configPath string
	force      bool

	rootCmd = &cobra.Command{
		Use:   "fabsync",
		Short: "Keep a modded game server in sync with its declared mod set",
		Long: `fabsync reads a declarative list of mods and datapacks, resolves it
against the registry including dependencies, and brings the server
directory in sync: downloads are staged and checksum-verified before the
server is stopped, and every change is backed by a restorable snapshot.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.SetupLogger(verbosity)
			log.Debug().Str("command", cmd.Name()).Msg("Command started")
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase verbosity (-v INFO, -vv DEBUG, -vvv TRACE)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default fabsync.toml in the working directory)")
	rootCmd.PersistentFlags().BoolVar(&force, "force", false, "Apply even when a chosen version is not marked compatible with the target game version")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(stateCmd)
	stateCmd.AddCommand(stateClearCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fabsync version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Resolve and plan without touching the server",
	Long: `Check resolves the configured mod set against the registry, scans the
server directory and prints the changes an apply would make. Nothing is
downloaded and the server process is left alone.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pipe, closeFn, err := buildPipeline()
		if err != nil {
			return err
		}
		defer closeFn()

		summary, err := pipe.Check(cmd.Context())
		if summary != nil {
			fmt.Println(output.RenderSummary(summary, true))
		}
		return err
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Bring the server directory in sync with the configured mod set",
	Long: `Apply resolves the configured mod set, stages and verifies every
download, then stops the server, swaps the files (taking a backup first)
and starts it again. The run is recorded so an unchanged configuration
short-circuits on the next invocation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pipe, closeFn, err := buildPipeline()
		if err != nil {
			return err
		}
		defer closeFn()

		summary, err := pipe.Apply(cmd.Context())
		if summary != nil {
			fmt.Println(output.RenderSummary(summary, false))
		}
		return err
	},
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect or reset the recorded sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store := statestore.New(filesystem.NewOS(), cfg.Server.Dir)
		state, err := store.Load()
		if err != nil {
			return err
		}
		fmt.Printf("state file: %s\n", store.Path())
		fmt.Printf("game version:   %s\n", state.GameVersion)
		fmt.Printf("loader version: %s\n", state.LoaderVersion)
		fmt.Printf("mods: %d, datapacks: %d\n", len(state.Mods), len(state.Datapacks))
		return nil
	},
}

var stateClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget the recorded state, forcing a full re-plan on the next run",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return statestore.New(filesystem.NewOS(), cfg.Server.Dir).Clear()
	},
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat(paths.ConfigFileName); err == nil {
			path = paths.ConfigFileName
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if force {
		cfg.Options.Force = true
	}
	return cfg, nil
}

func buildPipeline() (*core.Pipeline, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	reg := registry.NewModrinth(registry.Options{
		Timeout:    cfg.Options.RegistryTimeout,
		RetryCount: cfg.Options.RegistryRetries,
	})
	ctrl := server.NewScreen(cfg.Server.ScreenSession, cfg.Server.StartScript)

	var backups backup.Store
	if cfg.Server.BackupDir != "" {
		backups = backup.NewTarball(cfg.Server.BackupDir, cfg.Server.Dir)
	}

	pipe := core.New(filesystem.NewOS(), reg, ctrl, backups, cfg)
	return pipe, reg.Close, nil
}

package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ashureev/jingjin/internal/config"
	"github.com/ashureev/jingjin/internal/logutil"
)

// app carries what PersistentPreRunE loads for the subcommands.
type app struct {
	configFile string
	cfg        *config.Config
	logger     *slog.Logger
	logCloser  io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:          "jingjin",
		Short:        "Jingjin runs the seven-phase growth journey chat service.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.Options{
				ConfigFile: a.configFile,
				Flags:      cmd.Flags(),
			})
			if err != nil {
				return err
			}

			logger, closer, err := logutil.New(logutil.Config{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
				File:   cfg.Log.File,
			})
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
			slog.SetDefault(logger)

			a.cfg = cfg
			a.logger = logger
			a.logCloser = closer
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.logCloser != nil {
				return a.logCloser.Close()
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configFile, "config", "c", "", "config file (yaml, toml, or json)")
	flags.String("db-driver", "", "database driver: sqlite or postgres")
	flags.String("db-path", "", "SQLite database path")
	flags.String("db-url", "", "PostgreSQL connection URL")
	flags.String("phases-file", "", "YAML phase table replacing the built-in one")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: json or text")

	root.AddCommand(newServeCmd(a), newPhasesCmd(a), newMigrateCmd(a))
	return root
}

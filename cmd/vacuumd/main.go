package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"vacuum-rental-backend/config"
	"vacuum-rental-backend/internal/db"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(debug bool) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar().Named("vacuumd"), nil
}

// configPath resolves the flag, then CONFIG_PATH, then the local default.
func configPath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("CONFIG_PATH"); env != "" {
		return env
	}
	return "./config/config.yaml"
}

func rootCmd() *cobra.Command {
	var cfgFile string
	var debug bool

	load := func() (*config.Config, *zap.SugaredLogger, error) {
		log, err := newLogger(debug)
		if err != nil {
			return nil, nil, fmt.Errorf("configure logger: %w", err)
		}
		path := configPath(cfgFile)
		cfg, err := config.Load(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load configuration from %s: %w", path, err)
		}
		log.Infof("configuration loaded from %s", path)
		return cfg, log, nil
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, liveness monitor and notification dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			defer log.Sync()
			return run(cmd.Context(), cfg, log)
		},
	}

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			defer log.Sync()
			_, err = db.Init(&cfg.Database, log)
			return err
		},
	}

	cmd := &cobra.Command{
		Use:          "vacuumd",
		Short:        "Vacuum rental machine and session service",
		SilenceUsage: true,
		RunE:         serve.RunE,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to the YAML config (default $CONFIG_PATH or ./config/config.yaml)")
	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.AddCommand(serve, migrate)
	return cmd
}

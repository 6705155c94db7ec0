package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nicktill/tinyapm/pkg/config"
	"github.com/nicktill/tinyapm/pkg/server"
)

type options struct {
	configPath string
	port       string
	dataDir    string
	inMemory   bool
	debug      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "tinyapm-server",
		Short: "TinyAPM central node: ingestion, rollups and alerting",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
		SilenceUsage: true,
	}
	addFlags(rootCmd, opts)

	checkCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(opts.debug)
			if err != nil {
				return err
			}
			defer logger.Sync()

			cfg, err := loadConfig(opts, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: %d rollup tiers, %d alerts\n", len(cfg.Tiers), len(cfg.Alerts))
			return nil
		},
	}
	addFlags(checkCmd, opts)
	rootCmd.AddCommand(checkCmd)

	return rootCmd
}

func addFlags(cmd *cobra.Command, opts *options) {
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML configuration file")
	cmd.Flags().StringVar(&opts.port, "port", "", "HTTP port (overrides config and PORT)")
	cmd.Flags().StringVar(&opts.dataDir, "data-dir", "", "data directory (overrides config and TINYAPM_DATA_DIR)")
	cmd.Flags().BoolVar(&opts.inMemory, "in-memory", false, "keep all data in memory")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "enable debug logging")
}

// loadConfig applies flags on top of the file and environment
func loadConfig(opts *options, logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath, logger)
	if err != nil {
		return nil, err
	}
	if opts.port != "" {
		cfg.Port = opts.port
	}
	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
	}
	if opts.inMemory {
		cfg.InMemory = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if debug {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return zcfg.Build()
}

func run(ctx context.Context, opts *options) error {
	logger, err := newLogger(opts.debug)
	if err != nil {
		return err
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	cfg, err := loadConfig(opts, logger)
	if err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		return err
	}

	logger.Info("starting TinyAPM server",
		zap.String("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.Int64("max_memory_mb", cfg.MaxMemoryMB),
		zap.Int("rollup_tiers", len(cfg.Tiers)),
		zap.Int("alerts", len(cfg.Alerts)))

	app, err := server.New(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", zap.Error(err))
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := app.Run(ctx)
	if runErr != nil {
		logger.Error("server stopped with error", zap.Error(runErr))
	}
	if err := app.Close(); err != nil {
		logger.Error("failed to close storage", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	logger.Info("server stopped")
	return runErr
}

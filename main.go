package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"progress-server-go/config"
	"progress-server-go/db"
)

var (
	// Global flags
	envFile string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "progress-server",
	Short: "Student progress tracking API",
	Long: `progress-server keeps one progress document per student, keyed by a slug
derived from the student's name, and exposes it over a small JSON API.

Run without a subcommand to start the HTTP server.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(envFile)
		if err != nil {
			return err
		}
		logger, err = newLogger(cfg.Debug)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if !cfg.Debug {
			gin.SetMode(gin.ReleaseMode)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func newLogger(debug bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if debug {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return zc.Build()
}

// openStore connects the configured store; callers must Close it.
func openStore(ctx context.Context) (db.StudentStore, error) {
	store, err := db.Open(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("could not open %s store: %w", cfg.StoreDriver, err)
	}
	return store, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before the environment")

	backupCmd.Flags().StringVarP(&backupOut, "out", "o", "", "write the backup to this file instead of stdout")
	backupCmd.Flags().BoolVar(&backupToS3, "s3", false, "upload the backup to the configured S3 bucket")
	restoreCmd.Flags().StringVarP(&restoreIn, "in", "i", "", "backup file to restore (required)")
	_ = restoreCmd.MarkFlagRequired("in")

	rootCmd.AddCommand(serveCmd, backupCmd, restoreCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

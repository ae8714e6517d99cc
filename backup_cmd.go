package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"progress-server-go/backup"
	"progress-server-go/db"
)

var (
	backupOut  string
	backupToS3 bool
	restoreIn  string
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Export every student record as a JSON array",
	Long: `Streams all student records as one JSON array, the same document GET /backup returns.

Examples:
  progress-server backup > students.json
  progress-server backup --out students.json
  progress-server backup --s3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close(ctx)

		if backupToS3 {
			snapshots, err := backup.NewSnapshotter(ctx, cfg.BackupS3)
			if err != nil {
				return err
			}
			snap, err := snapshots.Take(ctx, store)
			if err != nil {
				return err
			}
			logger.Info("backup snapshot uploaded", zap.String("key", snap.Key), zap.Int("records", snap.Count))
			fmt.Fprintln(cmd.OutOrStdout(), snap.Key)
			return nil
		}

		var out io.Writer = cmd.OutOrStdout()
		if backupOut != "" {
			f, err := os.Create(backupOut)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		n, err := backup.Export(ctx, store, out)
		if err != nil {
			return fmt.Errorf("backup failed after %d records: %w", n, err)
		}
		logger.Info("backup exported", zap.Int("records", n), zap.String("out", backupOut))
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Upsert student records from a backup file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f, err := os.Open(restoreIn)
		if err != nil {
			return err
		}
		defer f.Close()

		docs, err := backup.Decode(f)
		if err != nil {
			return err
		}

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close(ctx)

		res, err := store.BulkUpsert(ctx, docs)
		if errors.Is(err, db.ErrEmptyBatch) {
			return fmt.Errorf("%s holds no restorable records", restoreIn)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "upserted=%d modified=%d matched=%d\n", res.Upserted, res.Modified, res.Matched)
		return nil
	},
}

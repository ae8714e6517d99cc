package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"progress-server-go/backup"
	"progress-server-go/db"
	"progress-server-go/handlers"
)

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The store is connected before the listener accepts anything.
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	store, err := openStore(connectCtx)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Warn("failed to close store", zap.Error(err))
		}
	}()

	if cfg.SeedRosterFile != "" {
		checkAndSeedRoster(ctx, store, cfg.SeedRosterFile)
	}

	snapshots, err := backup.NewSnapshotter(ctx, cfg.BackupS3)
	if err != nil {
		return err
	}
	if snapshots != nil {
		logger.Info("backup snapshots enabled", zap.String("bucket", cfg.BackupS3.Bucket))
	}

	apiHandler := handlers.NewAPIHandler(store, snapshots, logger)
	router := handlers.NewRouter(apiHandler, handlers.RouterOptions{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", srv.Addr), zap.String("store", cfg.StoreDriver))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// checkAndSeedRoster imports the roster spreadsheet when the store holds no students yet.
// Failures are logged; the server starts either way.
func checkAndSeedRoster(ctx context.Context, store db.StudentStore, path string) {
	count, err := store.Count(ctx)
	if err != nil {
		logger.Warn("could not check for existing students, skipping seed", zap.Error(err))
		return
	}
	if count > 0 {
		logger.Info("students already present, skipping seed", zap.Int64("count", count))
		return
	}

	f, err := os.Open(path)
	if err != nil {
		logger.Warn("could not open seed roster", zap.String("file", path), zap.Error(err))
		return
	}
	defer f.Close()

	names, err := db.ReadRosterNames(f)
	if err != nil {
		logger.Warn("could not read seed roster", zap.String("file", path), zap.Error(err))
		return
	}
	inserted, err := store.BulkInsert(ctx, db.CleanNames(names))
	if err != nil && !errors.Is(err, db.ErrDuplicateKey) {
		logger.Warn("seeding failed", zap.Error(err))
		return
	}
	logger.Info("seeded students from roster", zap.String("file", path), zap.Int("inserted", inserted))
}

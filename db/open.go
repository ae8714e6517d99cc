package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"progress-server-go/config"
)

// Open connects the store driver named by cfg.StoreDriver. The returned store owns
// its connection and must be closed by the caller.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (StudentStore, error) {
	switch cfg.StoreDriver {
	case "mongo":
		client, err := ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		svc, err := NewMongoService(ctx, client, cfg.MongoDatabase, cfg.MongoCollection, logger)
		if err != nil {
			_ = client.Disconnect(ctx)
			return nil, err
		}
		logger.Info("connected to MongoDB",
			zap.String("database", cfg.MongoDatabase), zap.String("collection", cfg.MongoCollection))
		return svc, nil
	case "redis":
		client, err := InitializeRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.RedisAddr), zap.Int("db", cfg.RedisDB))
		return NewRedisService(client, logger), nil
	case "memory":
		logger.Warn("using in-memory store; records are lost on restart")
		return NewMemoryService(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

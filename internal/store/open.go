package store

import (
	"context"
	"fmt"

	"image-optimizer-go/internal/config"
)

// Open builds the store selected by cfg.Store.Driver.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Store.Driver {
	case "redis":
		rdb, err := OpenRedis(ctx, cfg.Redis.URL, cfg.Redis.DialTimeout)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(rdb, cfg.Store.KeyPrefix), nil
	case "sqlite":
		return OpenSQLite(cfg.SQLite.Path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Store.Driver)
	}
}

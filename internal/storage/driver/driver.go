// Package driver opens the storage backend selected by configuration.
package driver

import (
	"context"
	"fmt"

	"github.com/guildindex/backend/internal/config"
	"github.com/guildindex/backend/internal/storage"
	"github.com/guildindex/backend/internal/storage/mongostore"
	"github.com/guildindex/backend/internal/storage/postgres"
)

const (
	Memory   = "memory"
	File     = "file"
	Postgres = "postgres"
	Mongo    = "mongo"
)

func Open(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.StoreDriver {
	case Memory:
		return storage.NewMemoryStore(), nil
	case File:
		return storage.NewFileStore(cfg.DataDir)
	case Postgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
		if cfg.AutoMigrate {
			if err := postgres.MigrateUp(cfg.DatabaseURL); err != nil {
				return nil, err
			}
		}
		return postgres.Open(ctx, cfg.DatabaseURL)
	case Mongo:
		if cfg.MongoURI == "" {
			return nil, fmt.Errorf("MONGO_URI is required for the mongo store")
		}
		return mongostore.Open(ctx, cfg.MongoURI, cfg.MongoDB)
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

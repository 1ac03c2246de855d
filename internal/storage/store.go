package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"chaintrack/internal/config"
)

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// Open builds the analyses sink selected by storage.driver. A nil store with a
// nil error means persistence is disabled.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (AnalysisStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "none":
		logger.Info().Msg("analysis persistence disabled")
		return nil, nil
	case "postgres":
		pool, err := NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		store := NewStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	case "sqlite":
		store, err := OpenSQLite(cfg.Storage.SQLitePath, cfg.Storage.LockPath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.Storage.SQLitePath).Msg("analysis persistence on sqlite")
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
}

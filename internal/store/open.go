package store

import (
	"context"
	"fmt"

	"github.com/af-corp/llm-relay/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	TokensDocument = "tokens"
	HealthDocument = "health"
)

// Backend bundles the two tables and whatever connection backs them.
type Backend struct {
	Tokens Table
	Health Table
	close  func()
}

func (b *Backend) Close() {
	if b.close != nil {
		b.close()
	}
}

// Open builds both tables for the configured backend and checks connectivity.
func Open(ctx context.Context, cfg config.StorageConfig) (*Backend, error) {
	switch cfg.Backend {
	case "", "file":
		return &Backend{
			Tokens: NewFile(cfg.TokensFile),
			Health: NewFile(cfg.HealthFile),
		}, nil

	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Address, err)
		}
		return &Backend{
			Tokens: NewRedis(rdb, cfg.Redis.KeyPrefix+TokensDocument),
			Health: NewRedis(rdb, cfg.Redis.KeyPrefix+HealthDocument),
			close:  func() { rdb.Close() },
		}, nil

	case "postgres":
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN())
		if err != nil {
			return nil, fmt.Errorf("parse database dsn: %w", err)
		}
		if cfg.Database.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.Database.MaxOpenConns)
		}
		if cfg.Database.ConnMaxLifetime > 0 {
			poolCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		return &Backend{
			Tokens: NewPostgres(pool, TokensDocument),
			Health: NewPostgres(pool, HealthDocument),
			close:  pool.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/jmcleod/rbacaccel/authority"
	"github.com/jmcleod/rbacaccel/internal/config"
	"github.com/jmcleod/rbacaccel/storage"
	bboltstorage "github.com/jmcleod/rbacaccel/storage/bbolt"
	"github.com/jmcleod/rbacaccel/storage/memory"
	"github.com/jmcleod/rbacaccel/storage/postgres"
)

// openRepository opens the configured policy backend. The returned close
// function is never nil.
func openRepository(ctx context.Context, cfg config.ServerConfig) (storage.Repository, func(), error) {
	switch cfg.Backend {
	case "memory":
		return memory.NewRepository(), func() {}, nil
	case "bbolt":
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, "rbac.db"), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open policy storage: %w", err)
		}
		return repo, func() { _ = repo.Close() }, nil
	case "postgres":
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// openSessionStore opens the configured session backend. Persistent
// sessions share repo with the policy.
func openSessionStore(ctx context.Context, cfg config.ServerConfig, repo storage.Repository, logger *slog.Logger) (authority.SessionStore, func(), error) {
	switch cfg.SessionBackend {
	case "memory":
		return authority.NewMemorySessionStore(cfg.IdleTimeout), func() {}, nil
	case "persistent":
		key, err := cfg.WrappingKey()
		if err != nil {
			return nil, nil, err
		}
		store, err := authority.NewPersistentSessionStore(ctx, repo, cfg.IdleTimeout, key)
		clear(key)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open session store: %w", err)
		}
		return store, func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		closeFn := func() {
			if err := client.Close(); err != nil {
				logger.Error("close redis failed", "error", err)
			}
		}
		return authority.NewRedisSessionStore(client, cfg.IdleTimeout), closeFn, nil
	default:
		return nil, nil, fmt.Errorf("unknown session backend %q", cfg.SessionBackend)
	}
}

// internal/store/store.go
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/config"
)

// ErrNotFound is returned when a stored result does not exist.
var ErrNotFound = errors.New("result not found")

// Sink persists finished session results.
type Sink interface {
	Save(ctx context.Context, result *schemas.ApplicationResult) error
}

// Multi saves to every sink in order. Order matters: the file sink sets
// JournalRef, so it should come first for later sinks to carry the reference.
type Multi []Sink

func (m Multi) Save(ctx context.Context, result *schemas.ApplicationResult) error {
	var errs []error
	for _, s := range m {
		if err := s.Save(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open builds the sinks named by cfg: the results directory always, then
// Postgres and Redis when configured. The returned closer releases any
// connections opened here.
func Open(ctx context.Context, cfg config.ResultsConfig, logger *zap.Logger) (Multi, func(), error) {
	var (
		sinks   Multi
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	files, err := NewFileStore(cfg.Dir, logger)
	if err != nil {
		return nil, nil, err
	}
	sinks = append(sinks, files)

	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create database pool: %w", err)
		}
		closers = append(closers, pool.Close)
		pg, err := NewPostgres(ctx, pool, logger)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, pg)
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		closers = append(closers, func() { _ = client.Close() })
		rs, err := NewRedis(ctx, client, cfg.Redis.TTL, logger)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, rs)
	}

	return sinks, closeAll, nil
}

// internal/store/redis.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
)

const redisPrefix = "formpilot:result:"

// Redis keeps recent results for dashboards: one JSON value per session
// with a TTL, plus a sorted index by finish time.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

// NewRedis verifies the connection. A zero ttl keeps results forever.
func NewRedis(ctx context.Context, client *redis.Client, ttl time.Duration, logger *zap.Logger) (*Redis, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, ttl: ttl, log: logger.Named("redis_store")}, nil
}

func (s *Redis) key(sessionID string) string { return redisPrefix + sessionID }

func (s *Redis) indexKey() string { return redisPrefix + "index" }

// Save stores the result and indexes it by finish time.
func (s *Redis) Save(ctx context.Context, r *schemas.ApplicationResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(r.Meta.SessionID), data, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(r.Meta.FinishedAt.Unix()),
		Member: r.Meta.SessionID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save to redis: %w", err)
	}
	return nil
}

// Get retrieves a stored result.
func (s *Redis) Get(ctx context.Context, sessionID string) (*schemas.ApplicationResult, error) {
	val, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}
	var r schemas.ApplicationResult
	if err := json.Unmarshal(val, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &r, nil
}

// Recent returns up to n session ids, newest first. Ids whose value has
// expired are pruned from the index on the way.
func (s *Redis) Recent(ctx context.Context, n int64) ([]string, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	live := make([]string, 0, len(ids))
	for _, id := range ids {
		exists, err := s.client.Exists(ctx, s.key(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check %s: %w", id, err)
		}
		if exists == 0 {
			if err := s.client.ZRem(ctx, s.indexKey(), id).Err(); err != nil {
				s.log.Warn("Failed to prune expired result from index.", zap.String("session_id", id), zap.Error(err))
			}
			continue
		}
		live = append(live, id)
	}
	return live, nil
}

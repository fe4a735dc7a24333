package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	redisKeyPrefix  = "riskwatch:analysis:"
	redisPendingKey = "riskwatch:analyses:pending"
)

// RedisStore persists analyses as JSON values with a TTL. Pending ids are
// kept in a sorted set scored by creation time so listings are stable.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (s *RedisStore) key(id string) string {
	return redisKeyPrefix + id
}

func (s *RedisStore) Save(ctx context.Context, a *Analysis) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal analysis %s: %w", a.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(a.ID), data, s.ttl)
	if a.State == StatePending {
		pipe.ZAdd(ctx, redisPendingKey, &redis.Z{
			Score:  float64(a.CreatedAt.UnixNano()),
			Member: a.ID,
		})
	} else {
		pipe.ZRem(ctx, redisPendingKey, a.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save analysis %s: %w", a.ID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Analysis, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis %s: %w", id, err)
	}
	var a Analysis
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode analysis %s: %w", id, err)
	}
	return &a, nil
}

func (s *RedisStore) ListPending(ctx context.Context, limit, offset int) ([]*Analysis, int, error) {
	if err := s.prune(ctx); err != nil {
		return nil, 0, err
	}
	total, err := s.client.ZCard(ctx, redisPendingKey).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("count pending: %w", err)
	}
	out := []*Analysis{}
	if limit <= 0 || int64(offset) >= total {
		return out, int(total), nil
	}

	ids, err := s.client.ZRange(ctx, redisPendingKey, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("list pending: %w", err)
	}
	for _, id := range ids {
		a, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, int(total), nil
}

func (s *RedisStore) CountPending(ctx context.Context) (int, error) {
	if err := s.prune(ctx); err != nil {
		return 0, err
	}
	n, err := s.client.ZCard(ctx, redisPendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return int(n), nil
}

// prune removes pending ids whose value has already expired.
func (s *RedisStore) prune(ctx context.Context) error {
	ids, err := s.client.ZRange(ctx, redisPendingKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("scan pending: %w", err)
	}
	for _, id := range ids {
		n, err := s.client.Exists(ctx, s.key(id)).Result()
		if err != nil {
			return fmt.Errorf("scan pending: %w", err)
		}
		if n == 0 {
			if err := s.client.ZRem(ctx, redisPendingKey, id).Err(); err != nil {
				return fmt.Errorf("prune pending %s: %w", id, err)
			}
		}
	}
	return nil
}

// Ping reports whether the backing Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

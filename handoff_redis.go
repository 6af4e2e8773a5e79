package mailjobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisHandoff keeps handoff entries in Redis so that every front-end replica
// can resolve a token.
type RedisHandoff struct {
	client   *redis.Client
	ttl      time.Duration
	maxBytes int
	prefix   string
}

// NewRedisHandoff connects to Redis and pings it.
func NewRedisHandoff(addr, password string, db int, ttl time.Duration, maxBytes int) (*RedisHandoff, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("cannot connect to Redis at %s: %w", addr, err)
	}

	return &RedisHandoff{client: rdb, ttl: ttl, maxBytes: maxBytes, prefix: "mailjobs:handoff:"}, nil
}

func (h *RedisHandoff) Store(ctx context.Context, token string, ids []string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if token == "" {
		return fmt.Errorf("token is required")
	}
	encoded, err := encodeIDs(ids, h.maxBytes)
	if err != nil {
		return err
	}
	return h.client.Set(ctx, h.key(token), encoded, h.ttl).Err()
}

func (h *RedisHandoff) Load(ctx context.Context, token string) ([]string, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	encoded, err := h.client.Get(ctx, h.key(token)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrExpired
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load handoff: %w", err)
	}
	return decodeIDs(encoded), nil
}

func (h *RedisHandoff) Delete(ctx context.Context, token string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	return h.client.Del(ctx, h.key(token)).Err()
}

func (h *RedisHandoff) Close() error {
	return h.client.Close()
}

// helper to standardize keys
func (h *RedisHandoff) key(token string) string {
	return h.prefix + token
}

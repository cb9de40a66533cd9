package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ugc:"

// Redis stores each collection as a plain string value.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedis(ctx context.Context, opts *redis.Options, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("redis storage ready", "addr", opts.Addr, "db", opts.DB)
	return &Redis{client: client, logger: logger}, nil
}

// NewRedisFromClient wraps an existing client without pinging it.
func NewRedisFromClient(client *redis.Client, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, logger: logger}
}

func (r *Redis) Load(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) Save(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, redisKeyPrefix+key, value, 0).Err(); err != nil {
		r.logger.Error("redis write failed", "key", key, "error", err)
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Sizes(ctx context.Context) (map[string]int, error) {
	out := map[string]int{}
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		n, err := r.client.StrLen(ctx, full).Result()
		if err != nil {
			return nil, fmt.Errorf("measure %s: %w", full, err)
		}
		out[strings.TrimPrefix(full, redisKeyPrefix)] = int(n)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan collections: %w", err)
	}
	return out, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

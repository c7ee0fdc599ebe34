package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "warden"

func newRedisClient(cfg Config) (*redis.Client, error) {
	url := strings.TrimSpace(cfg.RedisURL)
	if url == "" {
		url = "redis://localhost:6379"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// redisStore maps each table to one hash: <prefix>:<namespace>:<table>.
// The client is owned by the Opener.
type redisStore struct {
	client *redis.Client
	prefix string
}

func newRedisStore(client *redis.Client, prefix, namespace string) *redisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &redisStore{client: client, prefix: prefix + ":" + namespace}
}

func (s *redisStore) hash(t Table) string { return s.prefix + ":" + string(t) }

func (s *redisStore) Put(ctx context.Context, table Table, key string, value []byte) error {
	if err := checkKey(table, key); err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.hash(table), key, value).Err(); err != nil {
		return fmt.Errorf("redis put %s/%s: %w", table, key, err)
	}
	return nil
}

func (s *redisStore) Get(ctx context.Context, table Table, key string) ([]byte, bool, error) {
	if err := checkKey(table, key); err != nil {
		return nil, false, err
	}
	v, err := s.client.HGet(ctx, s.hash(table), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s/%s: %w", table, key, err)
	}
	return v, true, nil
}

func (s *redisStore) Delete(ctx context.Context, table Table, key string) error {
	if err := checkKey(table, key); err != nil {
		return err
	}
	return s.client.HDel(ctx, s.hash(table), key).Err()
}

func (s *redisStore) ListKeys(ctx context.Context, table Table) ([]string, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	keys, err := s.client.HKeys(ctx, s.hash(table)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis keys %s: %w", table, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *redisStore) Clear(ctx context.Context, table Table) error {
	if err := table.Validate(); err != nil {
		return err
	}
	return s.client.Del(ctx, s.hash(table)).Err()
}

func (s *redisStore) Close() error { return nil }

package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisObjectStore is an ObjectStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>obj:<name>  => object bytes
//
// Prefix deletion walks the keyspace with SCAN, so it never blocks the
// server the way KEYS would.
type RedisObjectStore struct {
	client *redis.Client
	prefix string
}

var _ ObjectStore = (*RedisObjectStore)(nil)

// NewRedisObjectStore creates a RedisObjectStore.
// prefix is optional but recommended (e.g. "durabletask:").
func NewRedisObjectStore(client *redis.Client, prefix string) *RedisObjectStore {
	if prefix == "" {
		prefix = "durabletask:"
	}
	return &RedisObjectStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisObjectStore) keyObject(name string) string {
	return s.prefix + "obj:" + name
}

func (s *RedisObjectStore) Upload(ctx context.Context, name string, data []byte) error {
	return s.client.Set(ctx, s.keyObject(name), data, 0).Err()
}

func (s *RedisObjectStore) Download(ctx context.Context, name string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.keyObject(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *RedisObjectStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	match := escapeGlob(s.keyObject(prefix)) + "*"

	ops := 0
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, 500).Result()
		if err != nil {
			return ops, err
		}
		ops++
		if len(keys) > 0 {
			pipe := s.client.Pipeline()
			for _, k := range keys {
				pipe.Unlink(ctx, k)
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return ops, err
			}
			ops += len(keys)
		}
		if next == 0 {
			return ops, nil
		}
		cursor = next
	}
}

// escapeGlob quotes the characters SCAN MATCH treats specially.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

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

// RedisClient is the subset of the go-redis client the device relies on
type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Keys(ctx context.Context, pattern string) *redis.StringSliceCmd
	Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error
	Close() error
}

// RedisDevice stores entries in a Redis database under a key prefix, for
// installations that already run a local Redis next to the application.
type RedisDevice struct {
	client RedisClient
	prefix string
}

// OpenRedisDevice connects to Redis and verifies the connection
func OpenRedisDevice(addr string, redisDB int, prefix string) (*RedisDevice, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   redisDB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}

	return NewRedisDevice(client, prefix), nil
}

// NewRedisDevice wraps an existing client
func NewRedisDevice(client RedisClient, prefix string) *RedisDevice {
	return &RedisDevice{client: client, prefix: prefix}
}

func (rd *RedisDevice) GetString(ctx context.Context, key string) (string, bool, error) {
	val, err := rd.client.Get(ctx, rd.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetString stores value without a Redis TTL; expiry is handled by the cache
func (rd *RedisDevice) SetString(ctx context.Context, key, value string) error {
	return rd.client.Set(ctx, rd.prefix+key, value, 0).Err()
}

// maxUpdateAttempts bounds the optimistic retries of Update
const maxUpdateAttempts = 50

// Update is an optimistic transaction: WATCH the key, read it, and write it
// in MULTI/EXEC. EXEC fails when another client changed the key in between,
// and the whole read-modify-write is retried.
func (rd *RedisDevice) Update(ctx context.Context, key string, fn UpdateFunc) error {
	fullKey := rd.prefix + key
	txf := func(tx *redis.Tx) error {
		old, err := tx.Get(ctx, fullKey).Result()
		found := true
		if errors.Is(err, redis.Nil) {
			old, found = "", false
		} else if err != nil {
			return err
		}

		value, err := fn(old, found)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, fullKey, value, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := rd.client.Watch(ctx, txf, fullKey)
		switch {
		case err == nil, errors.Is(err, ErrNoChange):
			return nil
		case errors.Is(err, redis.TxFailedErr):
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		default:
			return err
		}
	}
	return fmt.Errorf("%w: %s after %d attempts", ErrConflict, key, maxUpdateAttempts)
}

func (rd *RedisDevice) RemoveKey(ctx context.Context, key string) error {
	return rd.client.Del(ctx, rd.prefix+key).Err()
}

func (rd *RedisDevice) Keys(ctx context.Context, prefix string) ([]string, error) {
	found, err := rd.client.Keys(ctx, escapeGlob(rd.prefix+prefix)+"*").Result()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(found))
	for _, k := range found {
		keys = append(keys, strings.TrimPrefix(k, rd.prefix))
	}
	sort.Strings(keys)
	return keys, nil
}

// Close closes the Redis connection
func (rd *RedisDevice) Close() error {
	return rd.client.Close()
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}

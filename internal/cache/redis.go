package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisScanCount is the SCAN page size used by ClearPrefix.
const redisScanCount = 500

var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisCache implements Cache and Locker on Redis.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache constructs a RedisCache. Every key is namespaced under prefix.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: strings.TrimSpace(prefix),
	}
}

// Get returns the value stored for key.
func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	if c == nil || c.client == nil || key == "" {
		return "", false, nil
	}
	value, errGet := c.client.Get(ctx, c.buildKey(key)).Result()
	if errors.Is(errGet, redis.Nil) {
		return "", false, nil
	}
	if errGet != nil {
		return "", false, errGet
	}
	return value, true, nil
}

// Set stores value under key.
func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return nil
	}
	if key == "" {
		return ErrEmptyKey
	}
	if ttl < 0 {
		ttl = 0
	}
	return c.client.Set(ctx, c.buildKey(key), value, ttl).Err()
}

// ClearPrefix deletes every key starting with prefix using SCAN.
func (c *RedisCache) ClearPrefix(ctx context.Context, prefix string) error {
	if c == nil || c.client == nil {
		return nil
	}
	pattern := escapePattern(c.buildKey(prefix)) + "*"
	var cursor uint64
	for {
		keys, next, errScan := c.client.Scan(ctx, cursor, pattern, redisScanCount).Result()
		if errScan != nil {
			return errScan
		}
		if len(keys) > 0 {
			if errDel := c.client.Del(ctx, keys...).Err(); errDel != nil {
				return errDel
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// TryLock acquires key with SET NX for ttl.
func (c *RedisCache) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if c == nil || c.client == nil {
		return "", false, errors.New("cache: lock client not configured")
	}
	if key == "" {
		return "", false, ErrEmptyKey
	}
	if ttl <= 0 {
		return "", false, errors.New("cache: lock ttl must be positive")
	}
	token := uuid.NewString()
	ok, errSet := c.client.SetNX(ctx, c.buildKey(key), token, ttl).Result()
	if errSet != nil {
		return "", false, errSet
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release deletes the lock only while token still owns it.
func (c *RedisCache) Release(ctx context.Context, key, token string) error {
	if c == nil || c.client == nil || key == "" || token == "" {
		return nil
	}
	return redisReleaseScript.Run(ctx, c.client, []string{c.buildKey(key)}, token).Err()
}

// Close closes the underlying client.
func (c *RedisCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *RedisCache) buildKey(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + ":" + key
}

// escapePattern quotes glob metacharacters for SCAN MATCH.
func escapePattern(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

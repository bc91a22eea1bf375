package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	redisBreakerDuration = 30 * time.Second
	redisPingTimeout     = 2 * time.Second
	// DefaultRedisPrefix namespaces keys written by this service.
	DefaultRedisPrefix = "cpaq"
)

// Config selects the cache backend.
type Config struct {
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// ConfigProvider supplies the latest backend configuration.
type ConfigProvider func() Config

// RedisClientFactory constructs a Redis client for the given options.
type RedisClientFactory func(options *redis.Options) *redis.Client

type redisConfig struct {
	addr     string
	password string
	prefix   string
	db       int
}

// Manager serves Cache and Locker from Redis when configured and reachable,
// falling back to process memory while a circuit breaker is open.
type Manager struct {
	provider       ConfigProvider
	nowFn          func() time.Time
	memory         *MemoryCache
	newRedisClient RedisClientFactory

	mu            sync.Mutex
	redis         *RedisCache
	redisCfg      redisConfig
	breakerUntil  time.Time
	pendingClears map[string]struct{}
	// memoryDirty marks memory entries written while Redis was unreachable.
	memoryDirty bool
}

// NewManager constructs a Manager with default dependencies when nil.
func NewManager(provider ConfigProvider, nowFn func() time.Time, newRedisClient RedisClientFactory) *Manager {
	if provider == nil {
		provider = func() Config { return Config{} }
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if newRedisClient == nil {
		newRedisClient = redis.NewClient
	}
	return &Manager{
		provider:       provider,
		nowFn:          nowFn,
		memory:         NewMemoryCache(nowFn),
		newRedisClient: newRedisClient,
		pendingClears:  make(map[string]struct{}),
	}
}

// Get reads key from the best available backend.
func (m *Manager) Get(ctx context.Context, key string) (string, bool, error) {
	if m == nil {
		return "", false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := m.nowFn()
	if backend, ok := m.activeRedis(ctx, now); ok {
		value, found, errGet := backend.Get(ctx, key)
		if errGet == nil {
			return value, found, nil
		}
		m.tripBreaker(errGet, now)
	}
	return m.memory.Get(ctx, key)
}

// Set writes key to the best available backend.
func (m *Manager) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if m == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := m.nowFn()
	if !m.provider().RedisEnabled {
		return m.memory.Set(ctx, key, value, ttl)
	}
	if backend, ok := m.activeRedis(ctx, now); ok {
		errSet := backend.Set(ctx, key, value, ttl)
		if errSet == nil {
			return nil
		}
		m.tripBreaker(errSet, now)
	}
	// Other instances cannot clear this process's memory, so fallback entries
	// live no longer than one breaker window.
	if ttl <= 0 || ttl > redisBreakerDuration {
		ttl = redisBreakerDuration
	}
	m.mu.Lock()
	m.memoryDirty = true
	m.mu.Unlock()
	return m.memory.Set(ctx, key, value, ttl)
}

// ClearPrefix clears prefix in memory and in Redis. A prefix that could not be
// cleared in Redis is replayed before Redis serves reads again.
func (m *Manager) ClearPrefix(ctx context.Context, prefix string) error {
	if m == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_ = m.memory.ClearPrefix(ctx, prefix)
	if !m.provider().RedisEnabled {
		return nil
	}

	now := m.nowFn()
	m.mu.Lock()
	m.pendingClears[prefix] = struct{}{}
	m.mu.Unlock()
	// activeRedis flushes pending clears, including this one.
	m.activeRedis(ctx, now)
	return nil
}

// TryLock acquires key from the best available backend.
func (m *Manager) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if m == nil {
		return "", false, errors.New("cache: manager not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := m.nowFn()
	if backend, ok := m.activeRedis(ctx, now); ok {
		token, acquired, errLock := backend.TryLock(ctx, key, ttl)
		if errLock == nil {
			return token, acquired, nil
		}
		m.tripBreaker(errLock, now)
	}
	return m.memory.TryLock(ctx, key, ttl)
}

// Release releases a lease on whichever backend granted it.
func (m *Manager) Release(ctx context.Context, key, token string) error {
	if m == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_ = m.memory.Release(ctx, key, token)
	m.mu.Lock()
	backend := m.redis
	m.mu.Unlock()
	if backend == nil {
		return nil
	}
	return backend.Release(ctx, key, token)
}

// RedisActive reports whether Redis currently serves requests.
func (m *Manager) RedisActive(ctx context.Context) bool {
	if m == nil {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, ok := m.activeRedis(ctx, m.nowFn())
	return ok
}

// Close releases the Redis client.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.redis == nil {
		return nil
	}
	errClose := m.redis.Close()
	m.redis = nil
	return errClose
}

func (m *Manager) activeRedis(ctx context.Context, now time.Time) (*RedisCache, bool) {
	cfg := m.provider()
	if !cfg.RedisEnabled {
		return nil, false
	}
	if m.isBreakerActive(now) {
		return nil, false
	}
	backend, errEnsure := m.ensureRedis(ctx, cfg)
	if errEnsure != nil {
		m.tripBreaker(errEnsure, now)
		return nil, false
	}
	if errFlush := m.flushPendingClears(ctx, backend); errFlush != nil {
		m.tripBreaker(errFlush, now)
		return nil, false
	}
	m.mu.Lock()
	dirty := m.memoryDirty
	m.memoryDirty = false
	m.mu.Unlock()
	if dirty {
		_ = m.memory.ClearPrefix(ctx, "")
	}
	return backend, true
}

func (m *Manager) flushPendingClears(ctx context.Context, backend *RedisCache) error {
	m.mu.Lock()
	if len(m.pendingClears) == 0 {
		m.mu.Unlock()
		return nil
	}
	prefixes := make([]string, 0, len(m.pendingClears))
	for prefix := range m.pendingClears {
		prefixes = append(prefixes, prefix)
	}
	m.mu.Unlock()

	for _, prefix := range prefixes {
		if errClear := backend.ClearPrefix(ctx, prefix); errClear != nil {
			return errClear
		}
		m.mu.Lock()
		delete(m.pendingClears, prefix)
		m.mu.Unlock()
	}
	return nil
}

func (m *Manager) isBreakerActive(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.breakerUntil.IsZero() {
		return false
	}
	if now.Before(m.breakerUntil) {
		return true
	}
	m.breakerUntil = time.Time{}
	return false
}

func (m *Manager) tripBreaker(err error, now time.Time) {
	if err == nil || m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.breakerUntil.IsZero() && now.Before(m.breakerUntil) {
		return
	}
	m.breakerUntil = now.Add(redisBreakerDuration)
	log.WithError(err).Warn("cache: redis unavailable, falling back to memory")
}

func (m *Manager) ensureRedis(ctx context.Context, cfg Config) (*RedisCache, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("cache redis: missing address")
	}

	nextCfg := redisConfig{
		addr:     addr,
		password: strings.TrimSpace(cfg.RedisPassword),
		prefix:   strings.TrimSpace(cfg.RedisPrefix),
		db:       cfg.RedisDB,
	}
	if nextCfg.db < 0 {
		nextCfg.db = 0
	}
	if nextCfg.prefix == "" {
		nextCfg.prefix = DefaultRedisPrefix
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.redis != nil && m.redisCfg == nextCfg {
		return m.redis, nil
	}
	if m.redis != nil {
		_ = m.redis.Close()
		m.redis = nil
	}

	client := m.newRedisClient(&redis.Options{
		Addr:     nextCfg.addr,
		Password: nextCfg.password,
		DB:       nextCfg.db,
	})
	ctxPing, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if errPing := client.Ping(ctxPing).Err(); errPing != nil {
		_ = client.Close()
		return nil, errPing
	}
	m.redis = NewRedisCache(client, nextCfg.prefix)
	m.redisCfg = nextCfg
	return m.redis, nil
}

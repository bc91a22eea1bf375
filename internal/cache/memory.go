package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memorySweepEvery controls how many writes pass between expired-entry sweeps.
const memorySweepEvery = 1024

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryCache is an in-process Cache and Locker.
type MemoryCache struct {
	nowFn   func() time.Time
	mu      sync.Mutex
	entries map[string]memoryEntry
	locks   map[string]memoryEntry
	writes  int
}

// NewMemoryCache constructs a MemoryCache. nowFn defaults to time.Now.
func NewMemoryCache(nowFn func() time.Time) *MemoryCache {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &MemoryCache{
		nowFn:   nowFn,
		entries: make(map[string]memoryEntry),
		locks:   make(map[string]memoryEntry),
	}
}

// Get returns the value stored for key.
func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	if c == nil || key == "" {
		return "", false, nil
	}
	now := c.nowFn()
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return "", false, nil
	}
	if entry.expired(now) {
		delete(c.entries, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

// Set stores value under key.
func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if c == nil {
		return nil
	}
	if key == "" {
		return ErrEmptyKey
	}
	now := c.nowFn()
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry
	c.writes++
	if c.writes >= memorySweepEvery {
		c.writes = 0
		for k, e := range c.entries {
			if e.expired(now) {
				delete(c.entries, k)
			}
		}
	}
	return nil
}

// ClearPrefix removes every key starting with prefix.
func (c *MemoryCache) ClearPrefix(_ context.Context, prefix string) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	return nil
}

// Len reports the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// TryLock acquires key for ttl when no live lease holds it.
func (c *MemoryCache) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	if c == nil {
		return "", false, errors.New("cache: lock not configured")
	}
	if key == "" {
		return "", false, ErrEmptyKey
	}
	if ttl <= 0 {
		return "", false, errors.New("cache: lock ttl must be positive")
	}
	now := c.nowFn()
	c.mu.Lock()
	defer c.mu.Unlock()
	if held, ok := c.locks[key]; ok && !held.expired(now) {
		return "", false, nil
	}
	token := uuid.NewString()
	c.locks[key] = memoryEntry{value: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

// Release drops the lease when token still owns it.
func (c *MemoryCache) Release(_ context.Context, key, token string) error {
	if c == nil || key == "" || token == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if held, ok := c.locks[key]; ok && held.value == token {
		delete(c.locks, key)
	}
	return nil
}

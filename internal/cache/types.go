package cache

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyKey is returned when a cache operation is called without a key.
var ErrEmptyKey = errors.New("cache: empty key")

// Cache stores short string values keyed by name.
// A ttl <= 0 stores the value until it is cleared.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	ClearPrefix(ctx context.Context, prefix string) error
}

// Locker grants short-lived exclusive leases identified by a token.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

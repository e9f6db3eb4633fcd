package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrMiss means the key is absent or expired.
	ErrMiss = errors.New("cache miss")
	// ErrUnavailable means the backing store could not be reached.
	ErrUnavailable = errors.New("cache unavailable")
)

const DefaultTTL = 30 * time.Second

// Store is a time-bounded key/value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// TokenKey is where the canonical record for chain+address lives.
func TokenKey(chain, address string) string {
	return fmt.Sprintf("token:address:%s:%s", strings.ToLower(chain), strings.ToLower(address))
}

// SearchKey is where the result list for a free-text query lives.
func SearchKey(query string) string {
	return "token:search:" + strings.ToLower(strings.TrimSpace(query))
}

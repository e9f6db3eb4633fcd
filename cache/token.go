package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"dex_aggregator/metrics"
	"dex_aggregator/models"
)

// TokenCache stores canonical tokens and search results as JSON. Reads degrade
// to a miss when the store is down; writes report the failure to the caller.
type TokenCache struct {
	store Store
	ttl   time.Duration
	log   *zap.SugaredLogger
}

func NewTokenCache(store Store, ttl time.Duration, log *zap.SugaredLogger) *TokenCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &TokenCache{store: store, ttl: ttl, log: log}
}

func (c *TokenCache) TTL() time.Duration { return c.ttl }

// Token returns the cached record, or ok=false on a miss or store failure.
func (c *TokenCache) Token(ctx context.Context, chain, address string) (*models.CanonicalToken, bool) {
	tok, err := c.Lookup(ctx, chain, address)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			c.log.Warnw("cache read failed, treating as miss", "key", TokenKey(chain, address), "error", err)
		}
		return nil, false
	}
	return tok, true
}

// Lookup is Token with the failure surfaced: ErrMiss or ErrUnavailable.
func (c *TokenCache) Lookup(ctx context.Context, chain, address string) (*models.CanonicalToken, error) {
	key := TokenKey(chain, address)
	b, err := c.store.Get(ctx, key)
	if err != nil {
		c.count("get", err)
		return nil, err
	}
	var tok models.CanonicalToken
	if err := json.Unmarshal(b, &tok); err != nil {
		c.count("get", err)
		c.log.Warnw("dropping undecodable cache entry", "key", key, "error", err)
		_ = c.store.Delete(ctx, key)
		return nil, ErrMiss
	}
	c.count("get", nil)
	return &tok, nil
}

func (c *TokenCache) SetToken(ctx context.Context, tok *models.CanonicalToken) error {
	b, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	key := TokenKey(tok.Chain, tok.Address)
	err = c.store.Set(ctx, key, b, c.ttl)
	c.count("set", err)
	if err != nil {
		c.log.Warnw("cache write failed", "key", key, "error", err)
	}
	return err
}

// Search returns a cached result list for query.
func (c *TokenCache) Search(ctx context.Context, query string) ([]*models.CanonicalToken, bool) {
	key := SearchKey(query)
	b, err := c.store.Get(ctx, key)
	if err != nil {
		c.count("search", err)
		if errors.Is(err, ErrUnavailable) {
			c.log.Warnw("cache read failed, treating as miss", "key", key, "error", err)
		}
		return nil, false
	}
	var out []*models.CanonicalToken
	if err := json.Unmarshal(b, &out); err != nil {
		c.count("search", err)
		_ = c.store.Delete(ctx, key)
		return nil, false
	}
	c.count("search", nil)
	return out, true
}

func (c *TokenCache) SetSearch(ctx context.Context, query string, tokens []*models.CanonicalToken) error {
	b, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("encode search result: %w", err)
	}
	key := SearchKey(query)
	err = c.store.Set(ctx, key, b, c.ttl)
	c.count("set", err)
	if err != nil {
		c.log.Warnw("cache write failed", "key", key, "error", err)
	}
	return err
}

func (c *TokenCache) Delete(ctx context.Context, chain, address string) error {
	return c.store.Delete(ctx, TokenKey(chain, address))
}

// Healthy pings the backing store.
func (c *TokenCache) Healthy(ctx context.Context) error {
	return c.store.Ping(ctx)
}

func (c *TokenCache) count(op string, err error) {
	switch {
	case err == nil && op == "set":
		metrics.CacheOp(op, "ok")
	case err == nil:
		metrics.CacheOp(op, "hit")
	case errors.Is(err, ErrMiss):
		metrics.CacheOp(op, "miss")
	default:
		metrics.CacheOp(op, "error")
	}
}

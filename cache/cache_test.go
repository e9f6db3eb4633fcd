package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dex_aggregator/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func sampleToken() *models.CanonicalToken {
	return &models.CanonicalToken{
		Chain:       "ethereum",
		Address:     "0xabc",
		Symbol:      "ABC",
		Price:       models.Float(1.5),
		Liquidity:   models.Float(1000),
		Sources:     []string{"dexscreener"},
		PriceSource: "dexscreener",
		LastUpdated: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "token:address:solana:mint", TokenKey("Solana", "MINT"))
	assert.Equal(t, "token:search:pepe", SearchKey("  PePe "))
}

func TestMemoryStoreTTL(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	store := NewMemoryStore().WithClock(clk.Now)
	c := NewTokenCache(store, DefaultTTL, zap.NewNop().Sugar())
	ctx := context.Background()

	require.NoError(t, c.SetToken(ctx, sampleToken()))

	clk.Advance(29 * time.Second)
	got, ok := c.Token(ctx, "ethereum", "0xABC")
	require.True(t, ok)
	assert.Equal(t, 1.5, models.Value(got.Price))

	clk.Advance(2 * time.Second)
	_, ok = c.Token(ctx, "ethereum", "0xabc")
	assert.False(t, ok)
	assert.Equal(t, 0, store.Len())
}

func TestMemoryStoreSweep(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	store := NewMemoryStore().WithClock(clk.Now)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, store.Set(ctx, "b", []byte("2"), time.Minute))
	require.NoError(t, store.Set(ctx, "c", []byte("3"), 0))

	clk.Advance(2 * time.Second)
	assert.Equal(t, 1, store.Sweep())
	assert.Equal(t, 2, store.Len())
}

func TestRedisStoreTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStore(NewRedisClient(RedisConfig{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = store.Close() })
	c := NewTokenCache(store, 30*time.Second, zap.NewNop().Sugar())
	ctx := context.Background()

	require.NoError(t, c.SetToken(ctx, sampleToken()))
	assert.True(t, mr.Exists("token:address:ethereum:0xabc"))

	mr.FastForward(29 * time.Second)
	got, err := c.Lookup(ctx, "ethereum", "0xabc")
	require.NoError(t, err)
	assert.Equal(t, []string{"dexscreener"}, got.Sources)

	mr.FastForward(2 * time.Second)
	_, err = c.Lookup(ctx, "ethereum", "0xabc")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestSearchRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStore(NewRedisClient(RedisConfig{Addr: mr.Addr()}))
	c := NewTokenCache(store, time.Minute, nil)
	ctx := context.Background()

	_, ok := c.Search(ctx, "abc")
	assert.False(t, ok)

	require.NoError(t, c.SetSearch(ctx, "ABC", []*models.CanonicalToken{sampleToken()}))
	got, ok := c.Search(ctx, "abc")
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, "0xabc", got[0].Address)
}

func TestUnavailableRedisDegradesToMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	store := NewRedisStore(NewRedisClient(RedisConfig{Addr: addr}))
	c := NewTokenCache(store, DefaultTTL, zap.NewNop().Sugar())
	ctx := context.Background()

	_, ok := c.Token(ctx, "ethereum", "0xabc")
	assert.False(t, ok)

	_, err := c.Lookup(ctx, "ethereum", "0xabc")
	assert.ErrorIs(t, err, ErrUnavailable)

	assert.ErrorIs(t, c.SetToken(ctx, sampleToken()), ErrUnavailable)
	assert.ErrorIs(t, c.Healthy(ctx), ErrUnavailable)
}

func TestUndecodableEntryIsDropped(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, TokenKey("bsc", "0x1"), []byte("{not json"), time.Minute))

	c := NewTokenCache(store, DefaultTTL, nil)
	_, err := c.Lookup(ctx, "bsc", "0x1")
	assert.ErrorIs(t, err, ErrMiss)
	assert.Equal(t, 0, store.Len())
}

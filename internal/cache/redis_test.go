package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/access-expiry/internal/config"
	"github.com/magabrotheeeer/access-expiry/internal/models"
)

func setupTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	t.Cleanup(func() { mr.Close() })

	cfg := config.RedisConnection{
		AddressRedis: mr.Addr(),
	}

	cache, err := InitServer(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	return cache, mr
}

func TestSetAndGet(t *testing.T) {
	cache, _ := setupTestCache(t)
	ctx := context.Background()

	expires := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	expected := models.Entitlement{UserID: 42, Tier: "premium", ExpiresAt: &expires}
	require.NoError(t, cache.Set(ctx, EntitlementKey(42), expected, time.Minute))

	var actual models.Entitlement
	found, err := cache.Get(ctx, EntitlementKey(42), &actual)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, expected.Tier, actual.Tier)
	require.NotNil(t, actual.ExpiresAt)
	assert.True(t, expires.Equal(*actual.ExpiresAt))
}

func TestGetNotFound(t *testing.T) {
	cache, _ := setupTestCache(t)

	var out models.Entitlement
	found, err := cache.Get(context.Background(), "no_such_key", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestInvalidate(t *testing.T) {
	cache, _ := setupTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "key", "value", time.Minute))
	require.NoError(t, cache.Invalidate(ctx, "key"))

	var out string
	found, err := cache.Get(ctx, "key", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSetNX(t *testing.T) {
	cache, mr := setupTestCache(t)
	ctx := context.Background()
	key := PaymentKey("ch_1")

	ok, err := cache.SetNX(ctx, key, 42, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cache.SetNX(ctx, key, 42, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "second SetNX must not overwrite")

	mr.FastForward(2 * time.Hour)
	ok, err = cache.SetNX(ctx, key, 42, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "expired key can be set again")
}

func TestGetInvalidJSON(t *testing.T) {
	cache, _ := setupTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Db.Set(ctx, "bad", []byte("not-json"), time.Minute).Err())

	var out models.Entitlement
	found, err := cache.Get(ctx, "bad", &out)
	assert.False(t, found)
	assert.Error(t, err)
}

func TestServerDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	cache, err := InitServer(context.Background(), config.RedisConnection{AddressRedis: mr.Addr(), MaxRetries: -1})
	require.NoError(t, err)
	defer func() { _ = cache.Close() }()
	mr.Close()

	_, err = cache.SetNX(context.Background(), PaymentKey("ch_2"), 1, time.Hour)
	assert.Error(t, err)
}

func TestInitServerInvalidAddr(t *testing.T) {
	cfg := config.RedisConnection{
		AddressRedis: "127.0.0.1:1",
		DialTimeout:  200 * time.Millisecond,
	}

	cache, err := InitServer(context.Background(), cfg)
	assert.Nil(t, cache)
	assert.Error(t, err)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "entitlement:42", EntitlementKey(42))
	assert.Equal(t, "payment:processed:ch_1", PaymentKey("ch_1"))
}

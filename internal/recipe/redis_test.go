package recipe

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCache_ReadThrough(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set; skipping Redis integration test")
	}

	ctx := context.Background()
	upstream := NewMemoryProvider(linearRecipe())
	cache, err := NewRedisCache(ctx, redisURL, upstream, time.Minute, zerolog.Nop())
	require.NoError(t, err)
	defer cache.Close()
	require.NoError(t, cache.Invalidate(ctx, "synthesis"))

	first, err := cache.FetchRecipe(ctx, "synthesis")
	require.NoError(t, err)
	second, err := cache.FetchRecipe(ctx, "synthesis")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, upstream.Fetches("synthesis"), "second fetch must be served by redis")

	require.NoError(t, cache.Invalidate(ctx, "synthesis"))
	_, err = cache.FetchRecipe(ctx, "synthesis")
	require.NoError(t, err)
	assert.Equal(t, 2, upstream.Fetches("synthesis"))
}

func TestNewRedisCache_BadURL(t *testing.T) {
	_, err := NewRedisCache(context.Background(), "not a url", nil, 0, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse redis url")
}

func TestRegistry_InvalidateReachesRedis(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set; skipping Redis integration test")
	}

	ctx := context.Background()
	upstream := NewMemoryProvider(linearRecipe())
	cache, err := NewRedisCache(ctx, redisURL, upstream, time.Minute, zerolog.Nop())
	require.NoError(t, err)
	defer cache.Close()
	require.NoError(t, cache.Invalidate(ctx, "synthesis"))

	reg := NewRegistry(cache, zerolog.Nop())
	_, err = reg.Fetch(ctx, "synthesis")
	require.NoError(t, err)

	changed := linearRecipe()
	changed.Steps = changed.Steps[:2]
	changed.Edges = changed.Edges[:1]
	upstream.Put(changed)

	require.NoError(t, reg.Invalidate(ctx, "synthesis"))
	r, err := reg.Fetch(ctx, "synthesis")
	require.NoError(t, err)
	assert.Len(t, r.Steps, 2, "redis copy was dropped with the registry's")
}

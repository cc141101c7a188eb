package recipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultCacheTTL is how long a recipe stays in the shared cache.
const DefaultCacheTTL = 30 * time.Minute

// Compile-time assertions: *RedisCache satisfies Provider and Invalidator.
var (
	_ Provider    = (*RedisCache)(nil)
	_ Invalidator = (*RedisCache)(nil)
)

// RedisCache is a read-through cache shared between stagewatch instances.
// Recipes are stored as JSON under "stagewatch:recipe:<slug>" with a TTL;
// misses fall through to the upstream provider.
type RedisCache struct {
	client   *redis.Client
	upstream Provider
	ttl      time.Duration
	log      zerolog.Logger
}

// NewRedisCache connects to redisURL and verifies the connection with PING.
func NewRedisCache(ctx context.Context, redisURL string, upstream Provider, ttl time.Duration, log zerolog.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("recipe: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("recipe: connect to redis: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{
		client:   client,
		upstream: upstream,
		ttl:      ttl,
		log:      log.With().Str("component", "recipe-redis").Logger(),
	}, nil
}

func cacheKey(stageSlug string) string {
	return "stagewatch:recipe:" + stageSlug
}

// FetchRecipe returns the cached recipe or loads it from upstream and caches it.
func (c *RedisCache) FetchRecipe(ctx context.Context, stageSlug string) (*Recipe, error) {
	raw, err := c.client.Get(ctx, cacheKey(stageSlug)).Bytes()
	switch {
	case err == nil:
		var r Recipe
		if jsonErr := json.Unmarshal(raw, &r); jsonErr == nil {
			return &r, nil
		}
		c.log.Warn().Str("stage", stageSlug).Msg("discarding undecodable cached recipe")
	case !errors.Is(err, redis.Nil):
		// Cache outage is not fatal; serve from upstream.
		c.log.Warn().Err(err).Str("stage", stageSlug).Msg("redis get failed")
	}

	if c.upstream == nil {
		return nil, fmt.Errorf("%w: stage %q", ErrRecipeNotFound, stageSlug)
	}
	r, err := c.upstream.FetchRecipe(ctx, stageSlug)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("recipe: marshal %q: %w", stageSlug, err)
	}
	if err := c.client.Set(ctx, cacheKey(stageSlug), data, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("stage", stageSlug).Msg("redis set failed")
	}
	return r, nil
}

// Invalidate removes the cached recipe for stageSlug.
func (c *RedisCache) Invalidate(ctx context.Context, stageSlug string) error {
	if err := c.client.Del(ctx, cacheKey(stageSlug)).Err(); err != nil {
		return fmt.Errorf("recipe: invalidate %q: %w", stageSlug, err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

package quote

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RedisCache is a Cache shared by every engine replica pointed at the same
// Redis. Prices are stored as decimal strings; Redis expiry enforces the TTL.
// Redis errors degrade to cache misses so a cache outage never blocks
// trading.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisCache creates a cache using rdb.
func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: "quote"}
}

func (c *RedisCache) Get(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	s, err := c.rdb.Get(ctx, c.key(symbol)).Result()
	if err != nil {
		return decimal.Zero, false
	}
	p, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return p, true
}

func (c *RedisCache) Set(ctx context.Context, symbol string, price decimal.Decimal, ttl time.Duration) {
	c.rdb.Set(ctx, c.key(symbol), price.String(), ttl)
}

func (c *RedisCache) Delete(ctx context.Context, symbol string) {
	c.rdb.Del(ctx, c.key(symbol))
}

func (c *RedisCache) key(symbol string) string { return fmt.Sprintf("%s:%s", c.prefix, symbol) }

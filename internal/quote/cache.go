package quote

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Cache stores recent prices with a time-to-live.
type Cache interface {
	Get(ctx context.Context, symbol string) (decimal.Decimal, bool)
	Set(ctx context.Context, symbol string, price decimal.Decimal, ttl time.Duration)
	Delete(ctx context.Context, symbol string)
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]cachedPrice
	now     func() time.Time
}

type cachedPrice struct {
	price   decimal.Decimal
	expires time.Time
}

// NewMemoryCache creates an empty process-local cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]cachedPrice),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, symbol string) (decimal.Decimal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[symbol]
	if !ok {
		return decimal.Zero, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, symbol)
		return decimal.Zero, false
	}
	return e.price, true
}

func (c *MemoryCache) Set(_ context.Context, symbol string, price decimal.Decimal, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[symbol] = cachedPrice{price: price, expires: c.now().Add(ttl)}
}

func (c *MemoryCache) Delete(_ context.Context, symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, symbol)
}

package quote

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
)

// Defaults for the engine-side cache, independent of whatever caching the
// upstream oracle does internally.
const (
	DefaultTTL     = 60 * time.Second
	DefaultTimeout = 3 * time.Second
)

// CachedOracle wraps an upstream Oracle with a TTL cache and bounds every
// upstream call by a timeout. Failed lookups are never cached and never
// replaced by a stale or invented price.
type CachedOracle struct {
	upstream Oracle
	cache    Cache
	ttl      time.Duration
	timeout  time.Duration
}

// NewCachedOracle creates a caching wrapper. Zero ttl or timeout fall back
// to the defaults; a nil cache uses a MemoryCache.
func NewCachedOracle(upstream Oracle, cache Cache, ttl, timeout time.Duration) *CachedOracle {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &CachedOracle{
		upstream: upstream,
		cache:    cache,
		ttl:      ttl,
		timeout:  timeout,
	}
}

func (o *CachedOracle) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if p, ok := o.cache.Get(ctx, symbol); ok {
		metrics.QuoteLookups.WithLabelValues("hit").Inc()
		return p, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	p, err := o.upstream.Price(callCtx, symbol)
	if err != nil {
		metrics.QuoteLookups.WithLabelValues("error").Inc()
		return decimal.Zero, fmt.Errorf("quote %s: %w", symbol, err)
	}
	if !p.IsPositive() {
		metrics.QuoteLookups.WithLabelValues("error").Inc()
		return decimal.Zero, fmt.Errorf("%w: non-positive quote %s for %s", model.ErrPriceUnavailable, p, symbol)
	}

	metrics.QuoteLookups.WithLabelValues("miss").Inc()
	o.cache.Set(ctx, symbol, p, o.ttl)
	return p, nil
}

// Invalidate drops any cached price for symbol.
func (o *CachedOracle) Invalidate(ctx context.Context, symbol string) {
	o.cache.Delete(ctx, symbol)
}

package quote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

// StaticOracle serves prices from a settable table. It backs the development
// server when no market-data credentials are configured, and the tests.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	errs   map[string]error
	delay  time.Duration
}

// NewStaticOracle creates an oracle seeded with prices.
func NewStaticOracle(prices map[string]decimal.Decimal) *StaticOracle {
	o := &StaticOracle{
		prices: make(map[string]decimal.Decimal, len(prices)),
		errs:   make(map[string]error),
	}
	for sym, p := range prices {
		o.prices[sym] = p
	}
	return o
}

// Set updates the price of symbol and clears any injected failure.
func (o *StaticOracle) Set(symbol string, price decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[symbol] = price
	delete(o.errs, symbol)
}

// Fail makes lookups of symbol return err until the next Set.
func (o *StaticOracle) Fail(symbol string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs[symbol] = err
}

// SetDelay makes every lookup wait d before answering, honouring ctx.
func (o *StaticOracle) SetDelay(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delay = d
}

func (o *StaticOracle) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	o.mu.RLock()
	price, ok := o.prices[symbol]
	err := o.errs[symbol]
	delay := o.delay
	o.mu.RUnlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		case <-t.C:
		}
	}
	if err != nil {
		return decimal.Zero, err
	}
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no quote for %s", model.ErrPriceUnavailable, symbol)
	}
	return price, nil
}

// Package quote supplies current prices to the engine. The Oracle interface
// is the only contract the engine depends on; everything else here wraps an
// upstream oracle with caching, timeouts or a fixed price table.
package quote

import (
	"context"

	"github.com/shopspring/decimal"
)

// Oracle returns the current price of a symbol. Implementations fail with
// model.ErrPriceUnavailable when they have no live or cached quote.
type Oracle interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, symbol string) (decimal.Decimal, error)

func (f OracleFunc) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f(ctx, symbol)
}

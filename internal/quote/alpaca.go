package quote

import (
	"context"
	"errors"
	"fmt"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

// AlpacaOracle reads the latest trade price from the Alpaca market-data API.
type AlpacaOracle struct {
	client *marketdata.Client
}

// ErrNoCredentials is returned when an Alpaca oracle is requested without keys.
var ErrNoCredentials = errors.New("quote: alpaca credentials not configured")

// NewAlpacaOracle creates an oracle with the given Alpaca credentials. An
// empty dataURL uses the SDK default.
func NewAlpacaOracle(apiKey, apiSecret, dataURL string) (*AlpacaOracle, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, ErrNoCredentials
	}
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return &AlpacaOracle{client: marketdata.NewClient(opts)}, nil
}

// Price returns the last trade price. The SDK call is not context-aware, so
// it runs in its own goroutine and the caller's deadline is honoured here.
func (o *AlpacaOracle) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	type result struct {
		trade *marketdata.Trade
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		t, err := o.client.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
		ch <- result{trade: t, err: err}
	}()

	select {
	case <-ctx.Done():
		return decimal.Zero, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return decimal.Zero, fmt.Errorf("%w: alpaca %s: %w", model.ErrPriceUnavailable, symbol, r.err)
		}
		if r.trade == nil || r.trade.Price <= 0 {
			return decimal.Zero, fmt.Errorf("%w: no alpaca trade for %s", model.ErrPriceUnavailable, symbol)
		}
		return decimal.NewFromFloat(r.trade.Price), nil
	}
}


// Package pending evaluates queued limit, stop and stop-limit orders against
// fresh quotes and hands triggered ones back to the engine.
package pending

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/quote"
)

// Engine is the subset of the order engine the sweep drives.
type Engine interface {
	Snapshots(ctx context.Context) ([]*model.Portfolio, error)
	FillPending(ctx context.Context, portfolioID, orderID string, price decimal.Decimal) (*model.Order, error)
	ArmStopLimit(ctx context.Context, portfolioID, orderID string) (*model.Order, error)
	RefreshPerformance(ctx context.Context, portfolioID string) error
}

// Action is the outcome of evaluating one pending order against a quote.
type Action int

const (
	Hold Action = iota
	Fill
	Arm
)

func (a Action) String() string {
	switch a {
	case Fill:
		return "fill"
	case Arm:
		return "arm"
	}
	return "hold"
}

// Evaluate decides what to do with a pending order at price.
//
//   - Limit buy fills at price ≤ limit; limit sell at price ≥ limit.
//   - Stop buy fills at price ≥ stop; stop sell at price ≤ stop.
//   - Stop-limit arms (becomes a limit order) once the stop condition holds.
func Evaluate(o *model.Order, price decimal.Decimal) Action {
	buy := o.Side == model.SideBuy
	switch t := o.Terms.(type) {
	case model.Limit:
		if limitHit(buy, price, t.Price) {
			return Fill
		}
	case model.Stop:
		if stopHit(buy, price, t.Price) {
			return Fill
		}
	case model.StopLimit:
		if stopHit(buy, price, t.StopPrice) {
			return Arm
		}
	}
	return Hold
}

func limitHit(buy bool, price, limit decimal.Decimal) bool {
	if buy {
		return price.LessThanOrEqual(limit)
	}
	return price.GreaterThanOrEqual(limit)
}

func stopHit(buy bool, price, stop decimal.Decimal) bool {
	if buy {
		return price.GreaterThanOrEqual(stop)
	}
	return price.LessThanOrEqual(stop)
}

// Scheduler sweeps every portfolio's pending orders.
type Scheduler struct {
	engine Engine
	oracle quote.Oracle
	log    *slog.Logger
}

// New creates a pending-order sweep.
func New(engine Engine, oracle quote.Oracle, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		engine: engine,
		oracle: oracle,
		log:    logger.With("component", "pending"),
	}
}

// Name identifies the sweep to the job runner.
func (s *Scheduler) Name() string { return "pending_orders" }

// Run performs one sweep.
func (s *Scheduler) Run(ctx context.Context) error {
	_, err := s.Sweep(ctx)
	return err
}

// Result summarises one sweep.
type Result struct {
	Evaluated int
	Filled    int
	Armed     int
	Failed    int
}

// Sweep evaluates every pending order once. Failures on one order are
// logged and counted and the order stays pending for the next sweep. Only a
// failure to list portfolios or a cancelled context aborts the sweep.
func (s *Scheduler) Sweep(ctx context.Context) (Result, error) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())
	}()

	portfolios, err := s.engine.Snapshots(ctx)
	if err != nil {
		return Result{}, err
	}

	var res Result
	prices := newPriceBook(s.oracle)
	queued := 0
	for _, p := range portfolios {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		orders := p.PendingOrders()
		if len(orders) == 0 {
			continue
		}
		// orders is a snapshot; fills remove ids from the live portfolio only.
		for _, o := range orders {
			res.Evaluated++
			action, err := s.process(ctx, p.ID, o, prices)
			switch {
			case err != nil:
				res.Failed++
				queued++
			case action == Fill:
				res.Filled++
			case action == Arm:
				res.Armed++
				queued++
			default:
				queued++
			}
		}
		if err := s.engine.RefreshPerformance(ctx, p.ID); err != nil {
			s.log.Warn("performance refresh failed", "portfolio_id", p.ID, "error", err)
		}
	}
	metrics.PendingOrders.Set(float64(queued))

	if res.Evaluated > 0 {
		s.log.Debug("pending sweep complete",
			"evaluated", res.Evaluated,
			"filled", res.Filled,
			"armed", res.Armed,
			"failed", res.Failed,
			"duration", time.Since(start),
		)
	}
	return res, nil
}

// process handles one order. A non-nil error means the order was skipped
// and stays pending.
func (s *Scheduler) process(ctx context.Context, portfolioID string, o *model.Order, prices *priceBook) (Action, error) {
	price, err := prices.get(ctx, o.Symbol)
	if err != nil {
		s.fail(portfolioID, o, "quote", err)
		return Hold, err
	}

	action := Evaluate(o, price)
	switch action {
	case Fill:
		_, err = s.engine.FillPending(ctx, portfolioID, o.ID, price)
	case Arm:
		_, err = s.engine.ArmStopLimit(ctx, portfolioID, o.ID)
	}
	if err != nil {
		s.fail(portfolioID, o, action.String(), err)
		return Hold, err
	}
	return action, nil
}

func (s *Scheduler) fail(portfolioID string, o *model.Order, stage string, err error) {
	metrics.SweepFailures.WithLabelValues(s.Name()).Inc()
	s.log.Warn("pending order skipped",
		"portfolio_id", portfolioID,
		"order_id", o.ID,
		"symbol", o.Symbol,
		"stage", stage,
		"error", err,
	)
}

// priceBook memoises quotes for the duration of one sweep, failures
// included, so each symbol hits the oracle at most once.
type priceBook struct {
	oracle quote.Oracle
	seen   map[string]quoteResult
}

type quoteResult struct {
	price decimal.Decimal
	err   error
}

func newPriceBook(o quote.Oracle) *priceBook {
	return &priceBook{oracle: o, seen: make(map[string]quoteResult)}
}

func (b *priceBook) get(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if r, ok := b.seen[symbol]; ok {
		return r.price, r.err
	}
	price, err := b.oracle.Price(ctx, symbol)
	b.seen[symbol] = quoteResult{price: price, err: err}
	return price, err
}

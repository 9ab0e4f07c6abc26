// Package risk liquidates positions whose unrealized loss breaches the
// portfolio's stop-loss threshold.
package risk

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/engine"
	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/quote"
)

var hundred = decimal.NewFromInt(100)

// Engine is the subset of the order engine the monitor needs.
type Engine interface {
	Snapshots(ctx context.Context) ([]*model.Portfolio, error)
	Snapshot(ctx context.Context, portfolioID string) (*model.Portfolio, error)
	PlaceOrder(ctx context.Context, portfolioID string, spec engine.OrderSpec) (*model.Order, error)
}

// Publisher receives stop-loss notifications.
type Publisher interface {
	Publish(ev model.Event)
}

// Monitor checks open positions against their stop-loss threshold.
type Monitor struct {
	engine Engine
	oracle quote.Oracle
	events Publisher
	log    *slog.Logger
	now    func() time.Time
}

// New creates a risk monitor. events may be nil.
func New(eng Engine, oracle quote.Oracle, events Publisher, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		engine: eng,
		oracle: oracle,
		events: events,
		log:    logger.With("component", "risk"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Name identifies the sweep to the job runner.
func (m *Monitor) Name() string { return "risk_monitor" }

// Run performs one sweep.
func (m *Monitor) Run(ctx context.Context) error {
	_, err := m.Sweep(ctx)
	return err
}

// UnrealizedPnLPercent returns (price − avg) / avg × 100.
func UnrealizedPnLPercent(avg, price decimal.Decimal) decimal.Decimal {
	if !avg.IsPositive() {
		return decimal.Zero
	}
	return price.Sub(avg).Div(avg).Mul(hundred)
}

// Breached reports whether pct is at or below −threshold × 100.
func Breached(pct, threshold decimal.Decimal) bool {
	if !threshold.IsPositive() {
		return false
	}
	return pct.LessThanOrEqual(threshold.Mul(hundred).Neg())
}

// Sweep checks every open position once and returns the number of
// liquidations submitted. A failure on one position is logged and skipped.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues(m.Name()).Observe(time.Since(start).Seconds())
	}()

	portfolios, err := m.engine.Snapshots(ctx)
	if err != nil {
		return 0, err
	}

	liquidated := 0
	for _, p := range portfolios {
		if err := ctx.Err(); err != nil {
			return liquidated, err
		}
		for _, pos := range p.PositionList() {
			if m.check(ctx, p, pos) {
				liquidated++
			}
		}
	}
	return liquidated, nil
}

// check evaluates one position and liquidates it when breached.
func (m *Monitor) check(ctx context.Context, p *model.Portfolio, pos model.Position) bool {
	price, err := m.oracle.Price(ctx, pos.Symbol)
	if err != nil {
		m.fail(p.ID, pos.Symbol, err)
		return false
	}

	pct := UnrealizedPnLPercent(pos.AveragePrice, price)
	threshold := p.Risk.StopLossThreshold
	if !Breached(pct, threshold) {
		return false
	}

	// The position may have been sold since the snapshot was taken.
	current, err := m.engine.Snapshot(ctx, p.ID)
	if err != nil {
		m.fail(p.ID, pos.Symbol, err)
		return false
	}
	live, ok := current.Positions[pos.Symbol]
	if !ok || !live.Quantity.IsPositive() {
		return false
	}

	m.log.Warn("stop-loss triggered",
		"portfolio_id", p.ID,
		"symbol", pos.Symbol,
		"quantity", live.Quantity.String(),
		"average_price", live.AveragePrice.String(),
		"price", price.String(),
		"unrealized_pct", pct.StringFixed(2),
	)

	_, err = m.engine.PlaceOrder(ctx, p.ID, engine.OrderSpec{
		Symbol:   pos.Symbol,
		Side:     model.SideSell,
		Terms:    model.Market{},
		Quantity: live.Quantity,
		Source:   model.SourceStopLoss,
	})
	if err != nil {
		m.fail(p.ID, pos.Symbol, err)
		return false
	}
	metrics.StopLossLiquidations.Inc()

	if m.events != nil {
		m.events.Publish(model.Event{
			ID:          uuid.New().String(),
			Type:        model.EventStopLossTriggered,
			PortfolioID: p.ID,
			Timestamp:   m.now(),
			StopLoss: &model.StopLossTrigger{
				Symbol:               pos.Symbol,
				Quantity:             live.Quantity,
				AveragePrice:         live.AveragePrice,
				CurrentPrice:         price,
				UnrealizedPnLPercent: pct,
				Threshold:            threshold,
			},
		})
	}
	return true
}

func (m *Monitor) fail(portfolioID, symbol string, err error) {
	metrics.SweepFailures.WithLabelValues(m.Name()).Inc()
	m.log.Warn("risk check skipped",
		"portfolio_id", portfolioID,
		"symbol", symbol,
		"error", err,
	)
}

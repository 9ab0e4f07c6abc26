// Package engine validates and executes orders against virtual portfolios.
// It is the only component that mutates balances, positions and orders; the
// background sweeps call back into it rather than touching the repository.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/limits"
	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/perf"
	"github.com/atmx/paper-engine/internal/quote"
	"github.com/atmx/paper-engine/internal/store"
)

// Config holds the trading parameters shared by every portfolio.
type Config struct {
	CommissionRate  decimal.Decimal
	MinCommission   decimal.Decimal
	MinNotional     decimal.Decimal
	DefaultCurrency string
	DefaultRisk     model.RiskSettings
}

// DefaultConfig returns 0.1% commission with a 1-unit floor, a 1-unit
// minimum notional, 10% max position size and a 5% stop-loss.
func DefaultConfig() Config {
	return Config{
		CommissionRate:  decimal.NewFromFloat(0.001),
		MinCommission:   decimal.NewFromInt(1),
		MinNotional:     decimal.NewFromInt(1),
		DefaultCurrency: "USD",
		DefaultRisk: model.RiskSettings{
			MaxPositionFraction: decimal.NewFromFloat(0.10),
			StopLossThreshold:   decimal.NewFromFloat(0.05),
		},
	}
}

// Publisher receives domain events once the mutation that produced them has
// been committed. Publish must not block on network I/O.
type Publisher interface {
	Publish(ev model.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(model.Event) {}

// Engine serialises all mutations of a portfolio through the repository's
// per-portfolio lock. Quote lookups happen outside that lock.
type Engine struct {
	repo    store.Repository
	oracle  quote.Oracle
	limiter *limits.PositionLimiter
	events  Publisher
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithPublisher sets the domain event sink.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.events = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine over repo, pricing market orders with oracle.
func New(repo store.Repository, oracle quote.Oracle, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		repo:   repo,
		oracle: oracle,
		limiter: limits.NewPositionLimiter(cfg.MinNotional, limits.Commission{
			Rate:    cfg.CommissionRate,
			Minimum: cfg.MinCommission,
		}),
		events: nopPublisher{},
		cfg:    cfg,
		log:    slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("component", "engine")
	return e
}

// PortfolioConfig is the input to CreatePortfolio. Zero risk settings take
// the engine defaults.
type PortfolioConfig struct {
	Name           string
	Currency       string
	InitialBalance decimal.Decimal
	Risk           model.RiskSettings
}

// CreatePortfolio registers a new portfolio funded with InitialBalance.
func (e *Engine) CreatePortfolio(ctx context.Context, cfg PortfolioConfig) (*model.PortfolioView, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", model.ErrInvalidPortfolio)
	}
	if !cfg.InitialBalance.IsPositive() {
		return nil, fmt.Errorf("%w: initial balance must be positive", model.ErrInvalidPortfolio)
	}

	risk := cfg.Risk
	if risk.MaxPositionFraction.IsZero() {
		risk.MaxPositionFraction = e.cfg.DefaultRisk.MaxPositionFraction
	}
	if risk.StopLossThreshold.IsZero() {
		risk.StopLossThreshold = e.cfg.DefaultRisk.StopLossThreshold
	}
	one := decimal.NewFromInt(1)
	if !risk.MaxPositionFraction.IsPositive() || risk.MaxPositionFraction.GreaterThan(one) {
		return nil, fmt.Errorf("%w: max position fraction must be in (0, 1]", model.ErrInvalidPortfolio)
	}
	if !risk.StopLossThreshold.IsPositive() || risk.StopLossThreshold.GreaterThanOrEqual(one) {
		return nil, fmt.Errorf("%w: stop-loss threshold must be in (0, 1)", model.ErrInvalidPortfolio)
	}

	currency := strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = e.cfg.DefaultCurrency
	}

	now := e.now()
	p := &model.Portfolio{
		ID:             uuid.New().String(),
		Name:           name,
		Currency:       currency,
		InitialBalance: cfg.InitialBalance,
		CurrentBalance: cfg.InitialBalance,
		Positions:      make(map[string]*model.Position),
		Risk:           risk,
		Status:         model.PortfolioActive,
		CreatedAt:      now,
		LastUpdated:    now,
	}
	p.Performance = perf.Calculate(nil, nil, p.CurrentBalance, p.InitialBalance)
	p.Performance.ComputedAt = now

	if err := e.repo.Create(ctx, p); err != nil {
		return nil, err
	}

	e.log.Info("portfolio created",
		"portfolio_id", p.ID,
		"name", p.Name,
		"initial_balance", p.InitialBalance.String(),
	)
	return p.View(), nil
}

// ClosePortfolio cancels every pending order and stops the portfolio from
// accepting new ones. Positions and balance are left as they are, and the
// risk monitor may still liquidate those positions.
func (e *Engine) ClosePortfolio(ctx context.Context, portfolioID string) (*model.PortfolioView, error) {
	var view *model.PortfolioView
	err := e.repo.Update(ctx, portfolioID, func(p *model.Portfolio) error {
		if p.Status == model.PortfolioClosed {
			return fmt.Errorf("%w: portfolio %s already closed", model.ErrConflict, portfolioID)
		}
		now := e.now()
		for _, o := range p.PendingOrders() {
			o.Status = model.OrderStatusCancelled
			o.UpdatedAt = now
		}
		p.PendingOrderIDs = nil
		p.Status = model.PortfolioClosed
		e.recompute(p)
		view = p.View()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// GetPortfolio returns the read-side view of a portfolio.
func (e *Engine) GetPortfolio(ctx context.Context, portfolioID string) (*model.PortfolioView, error) {
	p, err := e.repo.Get(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	return p.View(), nil
}

// ListPortfolios returns a summary of every portfolio.
func (e *Engine) ListPortfolios(ctx context.Context) ([]model.PortfolioSummary, error) {
	list, err := e.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.PortfolioSummary, len(list))
	for i, p := range list {
		out[i] = p.Summary()
	}
	return out, nil
}

// ListOrders returns a portfolio's orders in submission order, optionally
// filtered by status.
func (e *Engine) ListOrders(ctx context.Context, portfolioID string, status model.OrderStatus) ([]model.Order, error) {
	p, err := e.repo.Get(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	out := make([]model.Order, 0, len(p.Orders))
	for _, o := range p.Orders {
		if status == "" || o.Status == status {
			out = append(out, *o)
		}
	}
	return out, nil
}

// GetTradingStats summarises a portfolio's trades within period
// (1D, 1W, 1M, 3M or 1Y).
func (e *Engine) GetTradingStats(ctx context.Context, portfolioID, period string) (model.TradingStats, error) {
	p, err := e.repo.Get(ctx, portfolioID)
	if err != nil {
		return model.TradingStats{}, err
	}
	return perf.Stats(p.Trades, period, e.now())
}

// Snapshot returns a deep copy of one portfolio for the background sweeps.
func (e *Engine) Snapshot(ctx context.Context, portfolioID string) (*model.Portfolio, error) {
	return e.repo.Get(ctx, portfolioID)
}

// Snapshots returns deep copies of every portfolio.
func (e *Engine) Snapshots(ctx context.Context) ([]*model.Portfolio, error) {
	return e.repo.List(ctx)
}

// RefreshPerformance recomputes a portfolio's performance snapshot.
func (e *Engine) RefreshPerformance(ctx context.Context, portfolioID string) error {
	return e.repo.Update(ctx, portfolioID, func(p *model.Portfolio) error {
		e.recompute(p)
		return nil
	})
}

// recompute replaces the performance snapshot wholesale.
func (e *Engine) recompute(p *model.Portfolio) {
	p.Performance = perf.Calculate(p.Trades, p.PositionList(), p.CurrentBalance, p.InitialBalance)
	p.Performance.ComputedAt = e.now()
}

func (e *Engine) publishFill(portfolioID string, fill *model.Fill) {
	if fill == nil {
		return
	}
	e.events.Publish(model.Event{
		ID:          uuid.New().String(),
		Type:        model.EventTradeExecuted,
		PortfolioID: portfolioID,
		Timestamp:   e.now(),
		Fill:        fill,
	})
}

// rejectReason labels an error for the rejection metric.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrInvalidOrder):
		return "invalid_order"
	case errors.Is(err, model.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, model.ErrInsufficientPosition):
		return "insufficient_position"
	case errors.Is(err, model.ErrPositionSizeExceeded):
		return "position_size"
	case errors.Is(err, model.ErrConflict):
		return "conflict"
	case errors.Is(err, model.ErrExecution):
		return "execution"
	case errors.Is(err, model.ErrPriceUnavailable):
		return "price_unavailable"
	}
	return "other"
}

func recordRejection(err error) {
	metrics.OrderRejections.WithLabelValues(rejectReason(err)).Inc()
}

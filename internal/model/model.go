// Package model defines the core domain types shared across the paper-trading
// engine. All monetary values and quantities use shopspring/decimal, never
// float64 for money.
package model

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// PortfolioStatus is the lifecycle state of a portfolio.
type PortfolioStatus string

const (
	PortfolioActive PortfolioStatus = "active"
	PortfolioClosed PortfolioStatus = "closed"
)

// RiskSettings are the per-portfolio risk limits.
type RiskSettings struct {
	// MaxPositionFraction caps a buy's notional at this share of the
	// current balance (0.10 = 10%).
	MaxPositionFraction decimal.Decimal `json:"max_position_fraction"`
	// StopLossThreshold triggers liquidation once a position is down this
	// fraction from its average price (0.05 = 5%).
	StopLossThreshold decimal.Decimal `json:"stop_loss_threshold"`
}

// Portfolio is a virtual account. It is owned by the repository and mutated
// only through the order engine.
type Portfolio struct {
	ID              string
	Name            string
	Currency        string
	InitialBalance  decimal.Decimal
	CurrentBalance  decimal.Decimal // never negative
	Positions       map[string]*Position
	Orders          []*Order
	PendingOrderIDs []string
	Trades          []Trade // append-only
	Performance     PerformanceSnapshot
	Risk            RiskSettings
	Status          PortfolioStatus
	// Version increments on every committed mutation.
	Version     uint64
	CreatedAt   time.Time
	LastUpdated time.Time
}

// Position is the aggregated holding in one symbol.
// Invariant: TotalCost == Quantity * AveragePrice.
type Position struct {
	Symbol       string          `json:"symbol"`
	Quantity     decimal.Decimal `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
}

// Trade is an immutable record of a realizing sell.
type Trade struct {
	ID          string          `json:"id"`
	PortfolioID string          `json:"portfolio_id"`
	OrderID     string          `json:"order_id"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Commission  decimal.Decimal `json:"commission"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Timestamp   time.Time       `json:"timestamp"`
}

// PerformanceSnapshot is derived from a portfolio's trades and positions and
// is always recomputed wholesale.
type PerformanceSnapshot struct {
	TotalReturn        decimal.Decimal `json:"total_return"`
	TotalReturnPercent decimal.Decimal `json:"total_return_percent"`
	WinRate            decimal.Decimal `json:"win_rate"`
	AvgWin             decimal.Decimal `json:"avg_win"`
	AvgLoss            decimal.Decimal `json:"avg_loss"`
	SharpeRatio        float64         `json:"sharpe_ratio"`
	MaxDrawdownPercent decimal.Decimal `json:"max_drawdown_percent"`
	TotalTrades        int             `json:"total_trades"`
	WinningTrades      int             `json:"winning_trades"`
	LosingTrades       int             `json:"losing_trades"`
	ComputedAt         time.Time       `json:"computed_at"`
}

// TradingStats summarises realized trades inside a reporting window.
type TradingStats struct {
	Period       string          `json:"period"`
	TotalTrades  int             `json:"total_trades"`
	TotalPnL     decimal.Decimal `json:"total_pnl"`
	WinRate      decimal.Decimal `json:"win_rate"`
	AvgWin       decimal.Decimal `json:"avg_win"`
	AvgLoss      decimal.Decimal `json:"avg_loss"`
	ProfitFactor decimal.Decimal `json:"profit_factor"`
}

// PortfolioView is the read-side shape of a portfolio: positions as a list.
type PortfolioView struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Currency       string              `json:"currency"`
	InitialBalance decimal.Decimal     `json:"initial_balance"`
	CurrentBalance decimal.Decimal     `json:"current_balance"`
	Positions      []Position          `json:"positions"`
	PendingOrders  []Order             `json:"pending_orders"`
	Trades         []Trade             `json:"trades"`
	Performance    PerformanceSnapshot `json:"performance"`
	Risk           RiskSettings        `json:"risk"`
	Status         PortfolioStatus     `json:"status"`
	CreatedAt      time.Time           `json:"created_at"`
	LastUpdated    time.Time           `json:"last_updated"`
}

// PortfolioSummary is the listing shape of a portfolio.
type PortfolioSummary struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Currency           string          `json:"currency"`
	CurrentBalance     decimal.Decimal `json:"current_balance"`
	TotalReturnPercent decimal.Decimal `json:"total_return_percent"`
	Positions          int             `json:"positions"`
	PendingOrders      int             `json:"pending_orders"`
	Status             PortfolioStatus `json:"status"`
	CreatedAt          time.Time       `json:"created_at"`
}

// Clone returns a deep copy that shares no mutable state with p.
func (p *Portfolio) Clone() *Portfolio {
	c := *p
	c.Positions = make(map[string]*Position, len(p.Positions))
	for sym, pos := range p.Positions {
		cp := *pos
		c.Positions[sym] = &cp
	}
	c.Orders = make([]*Order, len(p.Orders))
	for i, o := range p.Orders {
		co := *o
		c.Orders[i] = &co
	}
	c.PendingOrderIDs = append([]string(nil), p.PendingOrderIDs...)
	c.Trades = append([]Trade(nil), p.Trades...)
	return &c
}

// Order looks up an order by id.
func (p *Portfolio) Order(id string) (*Order, bool) {
	for _, o := range p.Orders {
		if o.ID == id {
			return o, true
		}
	}
	return nil, false
}

// PendingOrders returns the pending orders in submission order.
func (p *Portfolio) PendingOrders() []*Order {
	out := make([]*Order, 0, len(p.PendingOrderIDs))
	for _, id := range p.PendingOrderIDs {
		if o, ok := p.Order(id); ok {
			out = append(out, o)
		}
	}
	return out
}

// RemovePending drops id from the pending list, reporting whether it was there.
func (p *Portfolio) RemovePending(id string) bool {
	for i, pid := range p.PendingOrderIDs {
		if pid == id {
			p.PendingOrderIDs = append(p.PendingOrderIDs[:i], p.PendingOrderIDs[i+1:]...)
			return true
		}
	}
	return false
}

// PositionList returns positions sorted by symbol.
func (p *Portfolio) PositionList() []Position {
	out := make([]Position, 0, len(p.Positions))
	for _, pos := range p.Positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// View converts p into its read-side shape.
func (p *Portfolio) View() *PortfolioView {
	pending := p.PendingOrders()
	orders := make([]Order, len(pending))
	for i, o := range pending {
		orders[i] = *o
	}
	return &PortfolioView{
		ID:             p.ID,
		Name:           p.Name,
		Currency:       p.Currency,
		InitialBalance: p.InitialBalance,
		CurrentBalance: p.CurrentBalance,
		Positions:      p.PositionList(),
		PendingOrders:  orders,
		Trades:         append([]Trade{}, p.Trades...),
		Performance:    p.Performance,
		Risk:           p.Risk,
		Status:         p.Status,
		CreatedAt:      p.CreatedAt,
		LastUpdated:    p.LastUpdated,
	}
}

// Summary converts p into its listing shape.
func (p *Portfolio) Summary() PortfolioSummary {
	return PortfolioSummary{
		ID:                 p.ID,
		Name:               p.Name,
		Currency:           p.Currency,
		CurrentBalance:     p.CurrentBalance,
		TotalReturnPercent: p.Performance.TotalReturnPercent,
		Positions:          len(p.Positions),
		PendingOrders:      len(p.PendingOrderIDs),
		Status:             p.Status,
		CreatedAt:          p.CreatedAt,
	}
}

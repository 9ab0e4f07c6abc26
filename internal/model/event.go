package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType identifies an outbound domain event.
type EventType string

const (
	EventTradeExecuted     EventType = "trade.executed"
	EventStopLossTriggered EventType = "risk.stoploss_triggered"
)

// Fill describes one execution against a quote. Buys produce a Fill without a
// Trade; realizing sells carry the Trade record as well.
type Fill struct {
	OrderID    string          `json:"order_id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Trade      *Trade          `json:"trade,omitempty"`
}

// StopLossTrigger describes an automatic liquidation decision.
type StopLossTrigger struct {
	Symbol               string          `json:"symbol"`
	Quantity             decimal.Decimal `json:"quantity"`
	AveragePrice         decimal.Decimal `json:"average_price"`
	CurrentPrice         decimal.Decimal `json:"current_price"`
	UnrealizedPnLPercent decimal.Decimal `json:"unrealized_pnl_percent"`
	Threshold            decimal.Decimal `json:"threshold"`
}

// Event is emitted by the engine for an external notification dispatcher.
// Exactly one of Fill or StopLoss is set, matching Type.
type Event struct {
	ID          string           `json:"id"`
	Type        EventType        `json:"type"`
	PortfolioID string           `json:"portfolio_id"`
	Timestamp   time.Time        `json:"timestamp"`
	Fill        *Fill            `json:"fill,omitempty"`
	StopLoss    *StopLossTrigger `json:"stop_loss,omitempty"`
}

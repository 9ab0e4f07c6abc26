package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("%w: side must be buy or sell, got %q", ErrInvalidOrder, s)
}

// OrderType names the variant carried by an order's Terms.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// OrderStatus is the lifecycle state of an order. Allowed transitions:
// pending → filled, pending → cancelled; market orders are created filled
// or rejected. Nothing is reversible.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// TimeInForce is carried on the order for callers; the engine does not
// expire orders.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceDay TimeInForce = "DAY"
)

// OrderSource records who submitted the order.
type OrderSource string

const (
	SourceUser     OrderSource = "user"
	SourceStopLoss OrderSource = "stop_loss"
)

// Terms is the type-specific part of an order. The implementations below are
// the complete set; each carries exactly the prices its type needs.
type Terms interface {
	Type() OrderType
	terms()
}

// Market executes immediately at the observed quote.
type Market struct{}

// Limit buys at or below / sells at or above Price.
type Limit struct {
	Price decimal.Decimal
}

// Stop becomes a market order once the quote crosses Price.
type Stop struct {
	Price decimal.Decimal
}

// StopLimit becomes a Limit at LimitPrice once the quote crosses StopPrice.
type StopLimit struct {
	StopPrice  decimal.Decimal
	LimitPrice decimal.Decimal
}

func (Market) Type() OrderType    { return OrderTypeMarket }
func (Limit) Type() OrderType     { return OrderTypeLimit }
func (Stop) Type() OrderType      { return OrderTypeStop }
func (StopLimit) Type() OrderType { return OrderTypeStopLimit }

func (Market) terms()    {}
func (Limit) terms()     {}
func (Stop) terms()      {}
func (StopLimit) terms() {}

// NewLimit returns Limit terms; price must be positive.
func NewLimit(price decimal.Decimal) (Limit, error) {
	if !price.IsPositive() {
		return Limit{}, fmt.Errorf("%w: limit price must be positive", ErrInvalidOrder)
	}
	return Limit{Price: price}, nil
}

// NewStop returns Stop terms; price must be positive.
func NewStop(price decimal.Decimal) (Stop, error) {
	if !price.IsPositive() {
		return Stop{}, fmt.Errorf("%w: stop price must be positive", ErrInvalidOrder)
	}
	return Stop{Price: price}, nil
}

// NewStopLimit returns StopLimit terms; both prices must be positive.
func NewStopLimit(stop, limit decimal.Decimal) (StopLimit, error) {
	if !stop.IsPositive() {
		return StopLimit{}, fmt.Errorf("%w: stop price must be positive", ErrInvalidOrder)
	}
	if !limit.IsPositive() {
		return StopLimit{}, fmt.Errorf("%w: limit price must be positive", ErrInvalidOrder)
	}
	return StopLimit{StopPrice: stop, LimitPrice: limit}, nil
}

// ParseTerms builds Terms from the flat wire representation. Prices that the
// type does not use are ignored; prices it needs must be positive.
func ParseTerms(t OrderType, limitPrice, stopPrice decimal.Decimal) (Terms, error) {
	switch OrderType(strings.ToLower(string(t))) {
	case OrderTypeMarket, "":
		return Market{}, nil
	case OrderTypeLimit:
		return NewLimit(limitPrice)
	case OrderTypeStop:
		return NewStop(stopPrice)
	case OrderTypeStopLimit:
		return NewStopLimit(stopPrice, limitPrice)
	}
	return nil, fmt.Errorf("%w: unknown order type %q", ErrInvalidOrder, t)
}

// Order is a request to trade one symbol in one portfolio.
type Order struct {
	ID             string
	PortfolioID    string
	Symbol         string
	Side           Side
	Terms          Terms
	Quantity       decimal.Decimal
	TimeInForce    TimeInForce
	Status         OrderStatus
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	Source         OrderSource
	RejectReason   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Type is shorthand for o.Terms.Type().
func (o *Order) Type() OrderType {
	if o.Terms == nil {
		return OrderTypeMarket
	}
	return o.Terms.Type()
}

// orderJSON is the flat wire shape of an Order.
type orderJSON struct {
	ID             string           `json:"id"`
	PortfolioID    string           `json:"portfolio_id"`
	Symbol         string           `json:"symbol"`
	Side           Side             `json:"side"`
	Type           OrderType        `json:"type"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice      *decimal.Decimal `json:"stop_price,omitempty"`
	Quantity       decimal.Decimal  `json:"quantity"`
	TimeInForce    TimeInForce      `json:"time_in_force"`
	Status         OrderStatus      `json:"status"`
	FilledQuantity decimal.Decimal  `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal  `json:"avg_fill_price"`
	Source         OrderSource      `json:"source"`
	RejectReason   string           `json:"reject_reason,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

func (o Order) MarshalJSON() ([]byte, error) {
	j := orderJSON{
		ID:             o.ID,
		PortfolioID:    o.PortfolioID,
		Symbol:         o.Symbol,
		Side:           o.Side,
		Type:           o.Type(),
		Quantity:       o.Quantity,
		TimeInForce:    o.TimeInForce,
		Status:         o.Status,
		FilledQuantity: o.FilledQuantity,
		AvgFillPrice:   o.AvgFillPrice,
		Source:         o.Source,
		RejectReason:   o.RejectReason,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
	switch t := o.Terms.(type) {
	case Limit:
		j.LimitPrice = &t.Price
	case Stop:
		j.StopPrice = &t.Price
	case StopLimit:
		j.StopPrice = &t.StopPrice
		j.LimitPrice = &t.LimitPrice
	}
	return json.Marshal(j)
}

func (o *Order) UnmarshalJSON(data []byte) error {
	var j orderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	var limit, stop decimal.Decimal
	if j.LimitPrice != nil {
		limit = *j.LimitPrice
	}
	if j.StopPrice != nil {
		stop = *j.StopPrice
	}
	terms, err := ParseTerms(j.Type, limit, stop)
	if err != nil {
		return err
	}
	*o = Order{
		ID:             j.ID,
		PortfolioID:    j.PortfolioID,
		Symbol:         j.Symbol,
		Side:           j.Side,
		Terms:          terms,
		Quantity:       j.Quantity,
		TimeInForce:    j.TimeInForce,
		Status:         j.Status,
		FilledQuantity: j.FilledQuantity,
		AvgFillPrice:   j.AvgFillPrice,
		Source:         j.Source,
		RejectReason:   j.RejectReason,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
	return nil
}

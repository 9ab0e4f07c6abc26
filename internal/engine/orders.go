package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/limits"
	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/symbol"
)

// OrderSpec is the caller's order request.
type OrderSpec struct {
	Symbol      string
	Side        model.Side
	Terms       model.Terms
	Quantity    decimal.Decimal
	TimeInForce model.TimeInForce
	Source      model.OrderSource
}

// errStale aborts an Update when the portfolio changed between the snapshot
// and the lock and the re-validation no longer passes.
var errStale = errors.New("engine: portfolio changed during execution")

// PlaceOrder validates spec and either executes it at the current quote
// (market) or queues it for the pending-order sweep (limit, stop,
// stop-limit). Validation failures create no order. A market order whose
// quote lookup fails is recorded as rejected and returned together with an
// ErrExecution error.
func (e *Engine) PlaceOrder(ctx context.Context, portfolioID string, spec OrderSpec) (*model.Order, error) {
	start := time.Now()
	spec, err := normalizeSpec(spec)
	if err != nil {
		recordRejection(err)
		return nil, err
	}

	var order *model.Order
	if spec.Terms.Type() == model.OrderTypeMarket {
		order, err = e.executeMarket(ctx, portfolioID, spec)
	} else {
		order, err = e.queue(ctx, portfolioID, spec)
	}
	metrics.ExecutionLatency.WithLabelValues(string(spec.Terms.Type())).Observe(time.Since(start).Seconds())

	if err != nil {
		recordRejection(err)
		e.log.Warn("order rejected",
			"portfolio_id", portfolioID,
			"symbol", spec.Symbol,
			"side", spec.Side,
			"type", spec.Terms.Type(),
			"quantity", spec.Quantity.String(),
			"error", err,
		)
		return order, err
	}
	metrics.OrdersPlaced.WithLabelValues(string(order.Type()), string(order.Side)).Inc()
	return order, nil
}

func normalizeSpec(spec OrderSpec) (OrderSpec, error) {
	sym, err := symbol.Normalize(spec.Symbol)
	if err != nil {
		return spec, fmt.Errorf("%w: %w", model.ErrInvalidOrder, err)
	}
	spec.Symbol = sym

	side, err := model.ParseSide(string(spec.Side))
	if err != nil {
		return spec, err
	}
	spec.Side = side

	if !spec.Quantity.IsPositive() {
		return spec, fmt.Errorf("%w: quantity must be positive", model.ErrInvalidOrder)
	}
	if spec.Terms == nil {
		spec.Terms = model.Market{}
	}
	switch spec.TimeInForce {
	case "":
		spec.TimeInForce = model.TimeInForceGTC
	case model.TimeInForceGTC, model.TimeInForceDay:
	default:
		return spec, fmt.Errorf("%w: unknown time in force %q", model.ErrInvalidOrder, spec.TimeInForce)
	}
	if spec.Source == "" {
		spec.Source = model.SourceUser
	}
	return spec, nil
}

// referencePrice is the price a conditional order is validated against at
// placement time.
func referencePrice(t model.Terms) decimal.Decimal {
	switch v := t.(type) {
	case model.Limit:
		return v.Price
	case model.Stop:
		return v.Price
	case model.StopLimit:
		return v.LimitPrice
	}
	return decimal.Zero
}

func (e *Engine) newOrder(portfolioID string, spec OrderSpec, status model.OrderStatus) *model.Order {
	now := e.now()
	return &model.Order{
		ID:          uuid.New().String(),
		PortfolioID: portfolioID,
		Symbol:      spec.Symbol,
		Side:        spec.Side,
		Terms:       spec.Terms,
		Quantity:    spec.Quantity,
		TimeInForce: spec.TimeInForce,
		Status:      status,
		Source:      spec.Source,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// queue validates a conditional order against its own reference price and
// appends it to the pending list. No quote is needed, so the whole check
// runs under the portfolio lock.
func (e *Engine) queue(ctx context.Context, portfolioID string, spec OrderSpec) (*model.Order, error) {
	var order *model.Order
	err := e.repo.Update(ctx, portfolioID, func(p *model.Portfolio) error {
		if err := e.validate(p, spec.Symbol, spec.Side, spec.Source, spec.Quantity, referencePrice(spec.Terms)); err != nil {
			return err
		}
		o := e.newOrder(p.ID, spec, model.OrderStatusPending)
		p.Orders = append(p.Orders, o)
		p.PendingOrderIDs = append(p.PendingOrderIDs, o.ID)
		e.recompute(p)
		cp := *o
		order = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("order queued",
		"portfolio_id", portfolioID,
		"order_id", order.ID,
		"symbol", order.Symbol,
		"side", order.Side,
		"type", order.Type(),
	)
	return order, nil
}

// executeMarket runs the optimistic protocol: validate a snapshot, fetch the
// quote without holding the lock, then re-validate and commit under the lock.
// A concurrent mutation that invalidates the order earns one retry; a second
// failure surfaces as ErrConflict.
func (e *Engine) executeMarket(ctx context.Context, portfolioID string, spec OrderSpec) (*model.Order, error) {
	for attempt := 0; ; attempt++ {
		snap, err := e.repo.Get(ctx, portfolioID)
		if err != nil {
			return nil, err
		}
		if err := e.checkTradable(snap, spec.Symbol, spec.Side, spec.Source, spec.Quantity); err != nil {
			return nil, err
		}

		price, err := e.oracle.Price(ctx, spec.Symbol)
		if err != nil {
			return e.recordRejected(ctx, portfolioID, spec, err)
		}
		if err := e.validate(snap, spec.Symbol, spec.Side, spec.Source, spec.Quantity, price); err != nil {
			return nil, err
		}

		var (
			order *model.Order
			fill  *model.Fill
		)
		err = e.repo.Update(ctx, portfolioID, func(p *model.Portfolio) error {
			if err := e.validate(p, spec.Symbol, spec.Side, spec.Source, spec.Quantity, price); err != nil {
				if p.Version != snap.Version {
					return fmt.Errorf("%w: %w", errStale, err)
				}
				return err
			}
			o := e.newOrder(p.ID, spec, model.OrderStatusPending)
			f, err := e.applyFill(p, o, price)
			if err != nil {
				return err
			}
			p.Orders = append(p.Orders, o)
			e.recompute(p)
			cp := *o
			order, fill = &cp, f
			return nil
		})
		if errors.Is(err, errStale) {
			if attempt == 0 {
				e.log.Debug("portfolio changed during execution, retrying",
					"portfolio_id", portfolioID,
					"symbol", spec.Symbol,
				)
				continue
			}
			return nil, fmt.Errorf("%w: portfolio %s changed concurrently, resubmit the order", model.ErrConflict, portfolioID)
		}
		if err != nil {
			return nil, err
		}

		e.afterFill(portfolioID, order, fill)
		return order, nil
	}
}

// recordRejected stores a market order that could not be priced and returns
// it with an ErrExecution error.
func (e *Engine) recordRejected(ctx context.Context, portfolioID string, spec OrderSpec, cause error) (*model.Order, error) {
	execErr := fmt.Errorf("%w: %w", model.ErrExecution, cause)

	var order *model.Order
	err := e.repo.Update(ctx, portfolioID, func(p *model.Portfolio) error {
		o := e.newOrder(p.ID, spec, model.OrderStatusRejected)
		o.RejectReason = cause.Error()
		p.Orders = append(p.Orders, o)
		cp := *o
		order = &cp
		return nil
	})
	if err != nil {
		e.log.Error("failed to record rejected order",
			"portfolio_id", portfolioID,
			"error", err,
		)
		return nil, execErr
	}
	return order, execErr
}

// checkTradable runs the checks that need no price. A closed portfolio only
// accepts stop-loss liquidations.
func (e *Engine) checkTradable(p *model.Portfolio, sym string, side model.Side, source model.OrderSource, qty decimal.Decimal) error {
	liquidation := side == model.SideSell && source == model.SourceStopLoss
	if p.Status != model.PortfolioActive && !liquidation {
		return fmt.Errorf("%w: portfolio %s is %s", model.ErrInvalidOrder, p.ID, p.Status)
	}
	if side == model.SideSell {
		pos, ok := p.Positions[sym]
		if !ok || pos.Quantity.LessThan(qty) {
			return fmt.Errorf("%w: %s", model.ErrInsufficientPosition, sym)
		}
	}
	return nil
}

// validate checks an order of qty at price against p's current state.
func (e *Engine) validate(p *model.Portfolio, sym string, side model.Side, source model.OrderSource, qty, price decimal.Decimal) error {
	if err := e.checkTradable(p, sym, side, source, qty); err != nil {
		return err
	}
	notional := qty.Mul(price)

	if side == model.SideSell {
		if err := e.limiter.CheckNotional(notional); err != nil {
			return limitError(err, notional)
		}
		if notional.Sub(e.limiter.Commission.For(notional)).IsNegative() {
			return fmt.Errorf("%w: proceeds of %s do not cover commission", model.ErrInvalidOrder, notional)
		}
		// A remainder below the minimum could never be sold afterwards.
		rest := p.Positions[sym].Quantity.Sub(qty)
		if rest.IsPositive() {
			if err := e.limiter.CheckNotional(rest.Mul(price)); err != nil {
				return fmt.Errorf("%w: sell would leave %s %s worth %s, below the minimum order value; sell the full position",
					model.ErrInvalidOrder, rest, sym, rest.Mul(price))
			}
		}
		return nil
	}

	if err := e.limiter.CheckBuy(notional, p.CurrentBalance, p.Risk.MaxPositionFraction); err != nil {
		return limitError(err, notional)
	}
	return nil
}

// limitError maps a limiter error onto the shared taxonomy.
func limitError(err error, notional decimal.Decimal) error {
	switch {
	case errors.Is(err, limits.ErrBelowMinNotional):
		return fmt.Errorf("%w: notional %s below minimum", model.ErrInvalidOrder, notional)
	case errors.Is(err, limits.ErrInsufficientFunds):
		return fmt.Errorf("%w: need %s plus commission", model.ErrInsufficientBalance, notional)
	case errors.Is(err, limits.ErrPositionSizeExceeded):
		return fmt.Errorf("%w: notional %s", model.ErrPositionSizeExceeded, notional)
	}
	return err
}

// applyFill executes o in full at price, updating balance and positions and
// appending a Trade for sells. The caller holds the portfolio lock and has
// validated the order.
func (e *Engine) applyFill(p *model.Portfolio, o *model.Order, price decimal.Decimal) (*model.Fill, error) {
	notional := o.Quantity.Mul(price)
	commission := e.limiter.Commission.For(notional)
	now := e.now()

	fill := &model.Fill{
		OrderID:    o.ID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Quantity:   o.Quantity,
		Price:      price,
		Commission: commission,
	}

	switch o.Side {
	case model.SideBuy:
		balance := p.CurrentBalance.Sub(notional).Sub(commission)
		if balance.IsNegative() {
			return nil, fmt.Errorf("%w: fill would overdraw balance", model.ErrExecution)
		}
		p.CurrentBalance = balance

		pos, ok := p.Positions[o.Symbol]
		if !ok {
			pos = &model.Position{Symbol: o.Symbol}
			p.Positions[o.Symbol] = pos
		}
		qty := pos.Quantity.Add(o.Quantity)
		pos.AveragePrice = pos.TotalCost.Add(notional).Div(qty)
		pos.Quantity = qty
		pos.TotalCost = qty.Mul(pos.AveragePrice)

	case model.SideSell:
		pos, ok := p.Positions[o.Symbol]
		if !ok || pos.Quantity.LessThan(o.Quantity) {
			return nil, fmt.Errorf("%w: %s", model.ErrInsufficientPosition, o.Symbol)
		}
		proceeds := notional.Sub(commission)
		realized := proceeds.Sub(o.Quantity.Mul(pos.AveragePrice))
		p.CurrentBalance = p.CurrentBalance.Add(proceeds)

		pos.Quantity = pos.Quantity.Sub(o.Quantity)
		pos.RealizedPnL = pos.RealizedPnL.Add(realized)
		if pos.Quantity.IsZero() {
			delete(p.Positions, o.Symbol)
		} else {
			pos.TotalCost = pos.Quantity.Mul(pos.AveragePrice)
		}

		t := model.Trade{
			ID:          uuid.New().String(),
			PortfolioID: p.ID,
			OrderID:     o.ID,
			Symbol:      o.Symbol,
			Side:        o.Side,
			Quantity:    o.Quantity,
			Price:       price,
			Commission:  commission,
			RealizedPnL: realized,
			Timestamp:   now,
		}
		p.Trades = append(p.Trades, t)
		fill.Trade = &t
	}

	o.Status = model.OrderStatusFilled
	o.FilledQuantity = o.Quantity
	o.AvgFillPrice = price
	o.UpdatedAt = now
	return fill, nil
}

func (e *Engine) afterFill(portfolioID string, order *model.Order, fill *model.Fill) {
	metrics.FillsTotal.WithLabelValues(string(order.Side), string(order.Source)).Inc()
	e.log.Info("order filled",
		"portfolio_id", portfolioID,
		"order_id", order.ID,
		"symbol", order.Symbol,
		"side", order.Side,
		"type", order.Type(),
		"quantity", order.Quantity.String(),
		"price", fill.Price.String(),
		"commission", fill.Commission.String(),
		"source", order.Source,
	)
	e.publishFill(portfolioID, fill)
}

// CancelOrder cancels a pending order. Orders in any other state yield
// ErrConflict.
func (e *Engine) CancelOrder(ctx context.Context, portfolioID, orderID string) (*model.Order, error) {
	var order *model.Order
	err := e.repo.Update(ctx, portfolioID, func(p *model.Portfolio) error {
		o, ok := p.Order(orderID)
		if !ok {
			return fmt.Errorf("%w: order %s", model.ErrNotFound, orderID)
		}
		if o.Status != model.OrderStatusPending {
			return fmt.Errorf("%w: order %s is %s", model.ErrConflict, orderID, o.Status)
		}
		o.Status = model.OrderStatusCancelled
		o.UpdatedAt = e.now()
		p.RemovePending(orderID)
		e.recompute(p)
		cp := *o
		order = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("order cancelled", "portfolio_id", portfolioID, "order_id", orderID)
	return order, nil
}

// FillPending executes a triggered pending order in full at price. If the
// order no longer passes validation it stays pending and the error is
// returned. Performance is left for the caller to refresh once per sweep.
func (e *Engine) FillPending(ctx context.Context, portfolioID, orderID string, price decimal.Decimal) (*model.Order, error) {
	var (
		order *model.Order
		fill  *model.Fill
	)
	err := e.repo.Update(ctx, portfolioID, func(p *model.Portfolio) error {
		o, err := pendingOrder(p, orderID)
		if err != nil {
			return err
		}
		if err := e.validate(p, o.Symbol, o.Side, o.Source, o.Quantity, price); err != nil {
			return err
		}
		f, err := e.applyFill(p, o, price)
		if err != nil {
			return err
		}
		p.RemovePending(orderID)
		cp := *o
		order, fill = &cp, f
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.afterFill(portfolioID, order, fill)
	return order, nil
}

// ArmStopLimit converts a triggered stop-limit order into a plain limit
// order at its limit price. The order stays pending.
func (e *Engine) ArmStopLimit(ctx context.Context, portfolioID, orderID string) (*model.Order, error) {
	var order *model.Order
	err := e.repo.Update(ctx, portfolioID, func(p *model.Portfolio) error {
		o, err := pendingOrder(p, orderID)
		if err != nil {
			return err
		}
		sl, ok := o.Terms.(model.StopLimit)
		if !ok {
			return fmt.Errorf("%w: order %s is %s, not stop_limit", model.ErrConflict, orderID, o.Type())
		}
		o.Terms = model.Limit{Price: sl.LimitPrice}
		o.UpdatedAt = e.now()
		cp := *o
		order = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("stop-limit armed",
		"portfolio_id", portfolioID,
		"order_id", orderID,
		"limit_price", referencePrice(order.Terms).String(),
	)
	return order, nil
}

func pendingOrder(p *model.Portfolio, orderID string) (*model.Order, error) {
	o, ok := p.Order(orderID)
	if !ok {
		return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, orderID)
	}
	if o.Status != model.OrderStatusPending {
		return nil, fmt.Errorf("%w: order %s is %s", model.ErrConflict, orderID, o.Status)
	}
	return o, nil
}

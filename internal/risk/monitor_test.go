package risk

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/paper-engine/internal/engine"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/quote"
	"github.com/atmx/paper-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Publish(ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ofType(t model.EventType) []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func setup(t *testing.T) (*engine.Engine, *quote.StaticOracle, *recorder, string) {
	t.Helper()
	oracle := quote.NewStaticOracle(map[string]decimal.Decimal{"AAPL": d(100), "MSFT": d(200)})
	events := &recorder{}
	eng := engine.New(store.NewMemoryRepository(), oracle, engine.DefaultConfig(), engine.WithPublisher(events))
	view, err := eng.CreatePortfolio(context.Background(), engine.PortfolioConfig{
		Name:           "risk",
		InitialBalance: d(100000),
		Risk:           model.RiskSettings{MaxPositionFraction: d(1)},
	})
	require.NoError(t, err)
	return eng, oracle, events, view.ID
}

func buy(t *testing.T, eng *engine.Engine, id, sym string, qty float64) {
	t.Helper()
	_, err := eng.PlaceOrder(context.Background(), id, engine.OrderSpec{
		Symbol: sym, Side: model.SideBuy, Terms: model.Market{}, Quantity: d(qty),
	})
	require.NoError(t, err)
}

func TestUnrealizedPnLPercent(t *testing.T) {
	assert.True(t, UnrealizedPnLPercent(d(100), d(94)).Equal(d(-6)))
	assert.True(t, UnrealizedPnLPercent(d(100), d(110)).Equal(d(10)))
	assert.True(t, UnrealizedPnLPercent(decimal.Zero, d(10)).IsZero())
}

func TestBreached(t *testing.T) {
	assert.True(t, Breached(d(-6), d(0.05)))
	assert.True(t, Breached(d(-5), d(0.05)), "the threshold itself triggers")
	assert.False(t, Breached(d(-4.99), d(0.05)))
	assert.False(t, Breached(d(-50), decimal.Zero))
}

func TestSweep_LiquidatesBreachedPosition(t *testing.T) {
	eng, oracle, events, id := setup(t)
	ctx := context.Background()
	m := New(eng, oracle, events, nil)

	// Scenario D
	buy(t, eng, id, "AAPL", 10)
	buy(t, eng, id, "MSFT", 1)
	oracle.Set("AAPL", d(94))

	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	view, err := eng.GetPortfolio(ctx, id)
	require.NoError(t, err)
	require.Len(t, view.Positions, 1)
	assert.Equal(t, "MSFT", view.Positions[0].Symbol)

	sells, err := eng.ListOrders(ctx, id, model.OrderStatusFilled)
	require.NoError(t, err)
	last := sells[len(sells)-1]
	assert.Equal(t, model.SideSell, last.Side)
	assert.Equal(t, model.SourceStopLoss, last.Source)
	assert.True(t, last.Quantity.Equal(d(10)))
	assert.True(t, last.AvgFillPrice.Equal(d(94)))

	triggers := events.ofType(model.EventStopLossTriggered)
	require.Len(t, triggers, 1)
	assert.Equal(t, "AAPL", triggers[0].StopLoss.Symbol)
	assert.True(t, triggers[0].StopLoss.UnrealizedPnLPercent.Equal(d(-6)))

	// Nothing left to liquidate.
	n, err = m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSweep_WithinThresholdHolds(t *testing.T) {
	eng, oracle, events, id := setup(t)
	ctx := context.Background()

	buy(t, eng, id, "AAPL", 10)
	oracle.Set("AAPL", d(96))

	n, err := New(eng, oracle, events, nil).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, events.ofType(model.EventStopLossTriggered))
}

// staleEngine hands out a snapshot that still holds a position the live
// portfolio has already sold.
type staleEngine struct {
	*engine.Engine
	stale []*model.Portfolio
}

func (s *staleEngine) Snapshots(context.Context) ([]*model.Portfolio, error) {
	return s.stale, nil
}

func TestSweep_SkipsPositionSoldSinceSnapshot(t *testing.T) {
	eng, oracle, events, id := setup(t)
	ctx := context.Background()

	buy(t, eng, id, "AAPL", 10)
	stale, err := eng.Snapshots(ctx)
	require.NoError(t, err)

	_, err = eng.PlaceOrder(ctx, id, engine.OrderSpec{
		Symbol: "AAPL", Side: model.SideSell, Terms: model.Market{}, Quantity: d(10),
	})
	require.NoError(t, err)
	oracle.Set("AAPL", d(90))

	n, err := New(&staleEngine{Engine: eng, stale: stale}, oracle, events, nil).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, events.ofType(model.EventStopLossTriggered))
}

func TestSweep_OracleFailureIsIsolated(t *testing.T) {
	eng, oracle, events, id := setup(t)
	ctx := context.Background()

	buy(t, eng, id, "AAPL", 10)
	buy(t, eng, id, "MSFT", 1)
	oracle.Fail("AAPL", assert.AnError)
	oracle.Set("MSFT", d(150))

	n, err := New(eng, oracle, events, nil).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	view, _ := eng.GetPortfolio(ctx, id)
	require.Len(t, view.Positions, 1)
	assert.Equal(t, "AAPL", view.Positions[0].Symbol)
}

func TestSweep_UsesPortfolioThreshold(t *testing.T) {
	eng, oracle, events, _ := setup(t)
	ctx := context.Background()

	loose, err := eng.CreatePortfolio(ctx, engine.PortfolioConfig{
		Name:           "loose",
		InitialBalance: d(100000),
		Risk:           model.RiskSettings{MaxPositionFraction: d(1), StopLossThreshold: d(0.2)},
	})
	require.NoError(t, err)
	buy(t, eng, loose.ID, "AAPL", 10)
	oracle.Set("AAPL", d(85))

	n, err := New(eng, oracle, events, nil).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a 15 percent drop is inside a 20 percent stop-loss")
}

// rejectingEngine refuses every liquidation order.
type rejectingEngine struct {
	*engine.Engine
}

func (rejectingEngine) PlaceOrder(context.Context, string, engine.OrderSpec) (*model.Order, error) {
	return nil, model.ErrExecution
}

func TestSweep_FailedLiquidationPublishesNothing(t *testing.T) {
	eng, oracle, events, id := setup(t)
	ctx := context.Background()

	buy(t, eng, id, "AAPL", 10)
	oracle.Set("AAPL", d(90))

	m := New(rejectingEngine{Engine: eng}, oracle, events, nil)
	for i := 0; i < 2; i++ {
		n, err := m.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	}
	assert.Empty(t, events.ofType(model.EventStopLossTriggered))

	view, err := eng.GetPortfolio(ctx, id)
	require.NoError(t, err)
	require.Len(t, view.Positions, 1)
}

func TestSweep_ProtectsClosedPortfolio(t *testing.T) {
	eng, oracle, events, id := setup(t)
	ctx := context.Background()

	buy(t, eng, id, "AAPL", 10)
	_, err := eng.ClosePortfolio(ctx, id)
	require.NoError(t, err)
	oracle.Set("AAPL", d(94))

	n, err := New(eng, oracle, events, nil).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	view, err := eng.GetPortfolio(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, view.Positions)
	assert.Equal(t, model.PortfolioClosed, view.Status)
	assert.Len(t, events.ofType(model.EventStopLossTriggered), 1)
}

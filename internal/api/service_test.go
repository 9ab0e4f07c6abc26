package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/paper-engine/internal/api"
	"github.com/atmx/paper-engine/internal/engine"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/quote"
	"github.com/atmx/paper-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	engine *engine.Engine
	oracle *quote.StaticOracle
	router chi.Router
}

// newTestEnv wires an engine over an in-memory repository and a static oracle.
func newTestEnv(t *testing.T, journal api.TradeHistory) *testEnv {
	t.Helper()
	oracle := quote.NewStaticOracle(map[string]decimal.Decimal{"AAPL": d(100)})
	eng := engine.New(store.NewMemoryRepository(), oracle, engine.DefaultConfig())
	svc := api.NewService(eng, oracle, journal)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Register)
	return &testEnv{engine: eng, oracle: oracle, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(w.Body).Decode(v), "body: %s", w.Body.String())
}

func (e *testEnv) createPortfolio(t *testing.T) string {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/portfolios", api.CreatePortfolioRequest{
		Name:           "swing",
		InitialBalance: d(100000),
	})
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())
	var view model.PortfolioView
	decode(t, w, &view)
	return view.ID
}

// --- Portfolio tests ---

func TestCreatePortfolio(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "POST", "/api/v1/portfolios", api.CreatePortfolioRequest{
		Name:              "momentum",
		InitialBalance:    d(50000),
		StopLossThreshold: d(0.2),
	})
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())

	var view model.PortfolioView
	decode(t, w, &view)
	assert.True(t, view.CurrentBalance.Equal(d(50000)), "got %s", view.CurrentBalance)
	assert.Equal(t, "USD", view.Currency)
	assert.True(t, view.Risk.StopLossThreshold.Equal(d(0.2)), "got %s", view.Risk.StopLossThreshold)
	assert.True(t, view.Risk.MaxPositionFraction.Equal(d(0.1)), "default fraction, got %s", view.Risk.MaxPositionFraction)
}

func TestCreatePortfolio_Invalid(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "POST", "/api/v1/portfolios", api.CreatePortfolioRequest{Name: "broke", InitialBalance: d(0)})
	assert.Equal(t, http.StatusBadRequest, w.Code, "zero balance")

	req := httptest.NewRequest("POST", "/api/v1/portfolios", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "malformed body")
}

func TestGetPortfolio_NotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "GET", "/api/v1/portfolios/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListPortfolios(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "GET", "/api/v1/portfolios", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]\n", w.Body.String())

	env.createPortfolio(t)
	env.createPortfolio(t)

	w = env.do(t, "GET", "/api/v1/portfolios", nil)
	var list []model.PortfolioSummary
	decode(t, w, &list)
	assert.Len(t, list, 2)
}

func TestClosePortfolio(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createPortfolio(t)

	w := env.do(t, "POST", "/api/v1/portfolios/"+id+"/close", nil)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	w = env.do(t, "POST", "/api/v1/portfolios/"+id+"/close", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "second close")

	w = env.do(t, "POST", "/api/v1/portfolios/"+id+"/orders", api.PlaceOrderRequest{
		Symbol: "AAPL", Side: "buy", Quantity: d(1),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code, "order on closed portfolio")
}

// --- Order tests ---

func TestPlaceOrder_MarketBuy(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createPortfolio(t)

	w := env.do(t, "POST", "/api/v1/portfolios/"+id+"/orders", api.PlaceOrderRequest{
		Symbol:   "aapl",
		Side:     "buy",
		Type:     "market",
		Quantity: d(10),
	})
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())

	var order model.Order
	decode(t, w, &order)
	assert.Equal(t, model.OrderStatusFilled, order.Status)
	assert.Equal(t, "AAPL", order.Symbol)
	assert.True(t, order.AvgFillPrice.Equal(d(100)), "got %s", order.AvgFillPrice)

	// 10 * 100 + commission max(1000*0.001, 1) = 1001
	view, err := env.engine.GetPortfolio(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, view.CurrentBalance.Equal(d(98999)), "got %s", view.CurrentBalance)
}

func TestPlaceOrder_LimitIsQueued(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createPortfolio(t)

	w := env.do(t, "POST", "/api/v1/portfolios/"+id+"/orders", api.PlaceOrderRequest{
		Symbol:     "AAPL",
		Side:       "buy",
		Type:       "limit",
		Quantity:   d(5),
		LimitPrice: d(90),
	})
	require.Equal(t, http.StatusAccepted, w.Code, "body: %s", w.Body.String())

	var order model.Order
	decode(t, w, &order)
	assert.Equal(t, model.OrderStatusPending, order.Status)

	w = env.do(t, "GET", "/api/v1/portfolios/"+id+"/orders?status=pending", nil)
	var orders []model.Order
	decode(t, w, &orders)
	require.Len(t, orders, 1)
	assert.Equal(t, order.ID, orders[0].ID)

	w = env.do(t, "DELETE", "/api/v1/portfolios/"+id+"/orders/"+order.ID, nil)
	require.Equal(t, http.StatusOK, w.Code, "cancel")
	w = env.do(t, "DELETE", "/api/v1/portfolios/"+id+"/orders/"+order.ID, nil)
	assert.Equal(t, http.StatusConflict, w.Code, "second cancel")
}

func TestPlaceOrder_ErrorStatuses(t *testing.T) {
	tests := []struct {
		name string
		req  api.PlaceOrderRequest
		want int
	}{
		{"bad side", api.PlaceOrderRequest{Symbol: "AAPL", Side: "hold", Quantity: d(1)}, http.StatusBadRequest},
		{"bad type", api.PlaceOrderRequest{Symbol: "AAPL", Side: "buy", Type: "iceberg", Quantity: d(1)}, http.StatusBadRequest},
		{"limit without price", api.PlaceOrderRequest{Symbol: "AAPL", Side: "buy", Type: "limit", Quantity: d(1)}, http.StatusBadRequest},
		{"zero quantity", api.PlaceOrderRequest{Symbol: "AAPL", Side: "buy", Quantity: d(0)}, http.StatusBadRequest},
		{"bad symbol", api.PlaceOrderRequest{Symbol: "not a symbol!", Side: "buy", Quantity: d(1)}, http.StatusBadRequest},
		{"sell without position", api.PlaceOrderRequest{Symbol: "AAPL", Side: "sell", Quantity: d(1)}, http.StatusUnprocessableEntity},
		{"over position cap", api.PlaceOrderRequest{Symbol: "AAPL", Side: "buy", Quantity: d(200)}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			id := env.createPortfolio(t)

			w := env.do(t, "POST", "/api/v1/portfolios/"+id+"/orders", tt.req)
			assert.Equal(t, tt.want, w.Code, "body: %s", w.Body.String())

			var resp map[string]any
			decode(t, w, &resp)
			assert.NotEmpty(t, resp["error"])
		})
	}
}

func TestPlaceOrder_PriceUnavailable(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createPortfolio(t)
	env.oracle.Fail("AAPL", errors.New("feed down"))

	w := env.do(t, "POST", "/api/v1/portfolios/"+id+"/orders", api.PlaceOrderRequest{
		Symbol: "AAPL", Side: "buy", Quantity: d(1),
	})
	require.Equal(t, http.StatusBadGateway, w.Code, "body: %s", w.Body.String())

	var resp struct {
		Error string      `json:"error"`
		Order model.Order `json:"order"`
	}
	decode(t, w, &resp)
	assert.NotEmpty(t, resp.Error)
	assert.Equal(t, model.OrderStatusRejected, resp.Order.Status)
	assert.NotEmpty(t, resp.Order.RejectReason)
}

func TestListOrders_UnknownStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createPortfolio(t)

	w := env.do(t, "GET", "/api/v1/portfolios/"+id+"/orders?status=open", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Stats, journal and quotes ---

func TestGetTradingStats(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createPortfolio(t)
	ctx := context.Background()

	for _, side := range []model.Side{model.SideBuy, model.SideSell} {
		_, err := env.engine.PlaceOrder(ctx, id, engine.OrderSpec{Symbol: "AAPL", Side: side, Quantity: d(10)})
		require.NoError(t, err, "place %s", side)
		env.oracle.Set("AAPL", d(110))
	}

	w := env.do(t, "GET", "/api/v1/portfolios/"+id+"/stats", nil)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	var stats model.TradingStats
	decode(t, w, &stats)
	assert.Equal(t, 1, stats.TotalTrades)
	assert.True(t, stats.WinRate.Equal(d(100)), "got %s", stats.WinRate)
	assert.Equal(t, "1M", stats.Period, "default period")

	w = env.do(t, "GET", "/api/v1/portfolios/"+id+"/stats?period=2Y", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "unknown period")
}

type stubJournal struct {
	since  time.Time
	trades []model.Trade
}

func (j *stubJournal) TradesByPortfolio(_ context.Context, _ string, since time.Time) ([]model.Trade, error) {
	j.since = since
	return j.trades, nil
}

func TestGetJournal(t *testing.T) {
	w := newTestEnv(t, nil).do(t, "GET", "/api/v1/portfolios/p1/journal", nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code, "without journal")

	j := &stubJournal{trades: []model.Trade{{ID: "t1", Symbol: "AAPL"}}}
	env := newTestEnv(t, j)

	w = env.do(t, "GET", "/api/v1/portfolios/p1/journal?since=2026-01-02T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	assert.True(t, j.since.Equal(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)), "since = %v", j.since)

	var trades []model.Trade
	decode(t, w, &trades)
	require.Len(t, trades, 1)
	assert.Equal(t, "t1", trades[0].ID)

	w = env.do(t, "GET", "/api/v1/portfolios/p1/journal?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "bad since")
}

func TestGetQuote(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "GET", "/api/v1/quotes/aapl", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var q api.QuoteResponse
	decode(t, w, &q)
	assert.Equal(t, "AAPL", q.Symbol)
	assert.True(t, q.Price.Equal(d(100)), "got %s", q.Price)

	w = env.do(t, "GET", "/api/v1/quotes/ZZZZ", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code, "unknown symbol")
}

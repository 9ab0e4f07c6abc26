// Package api exposes the paper-trading engine over HTTP. Prices, balances
// and quantities travel as decimal strings.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/engine"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/perf"
	"github.com/atmx/paper-engine/internal/quote"
	"github.com/atmx/paper-engine/internal/symbol"
)

// TradeHistory reads the durable trade journal.
type TradeHistory interface {
	TradesByPortfolio(ctx context.Context, portfolioID string, since time.Time) ([]model.Trade, error)
}

// Service adapts engine operations to HTTP handlers.
type Service struct {
	engine  *engine.Engine
	oracle  quote.Oracle
	journal TradeHistory // optional
}

// NewService creates the HTTP adapter. Pass nil for journal when no durable
// trade journal is configured.
func NewService(eng *engine.Engine, oracle quote.Oracle, journal TradeHistory) *Service {
	return &Service{engine: eng, oracle: oracle, journal: journal}
}

// Register mounts the engine routes on r.
func (s *Service) Register(r chi.Router) {
	r.Get("/portfolios", s.ListPortfolios)
	r.Post("/portfolios", s.CreatePortfolio)
	r.Get("/portfolios/{portfolioID}", s.GetPortfolio)
	r.Post("/portfolios/{portfolioID}/close", s.ClosePortfolio)
	r.Get("/portfolios/{portfolioID}/orders", s.ListOrders)
	r.Post("/portfolios/{portfolioID}/orders", s.PlaceOrder)
	r.Delete("/portfolios/{portfolioID}/orders/{orderID}", s.CancelOrder)
	r.Get("/portfolios/{portfolioID}/stats", s.GetTradingStats)
	r.Get("/portfolios/{portfolioID}/journal", s.GetJournal)
	r.Get("/quotes/{symbol}", s.GetQuote)
}

// --- Request/Response types ---

// CreatePortfolioRequest is the JSON body for portfolio creation. Zero risk
// fields take the server defaults.
type CreatePortfolioRequest struct {
	Name                string          `json:"name"`
	Currency            string          `json:"currency"`
	InitialBalance      decimal.Decimal `json:"initial_balance"`
	MaxPositionFraction decimal.Decimal `json:"max_position_fraction"`
	StopLossThreshold   decimal.Decimal `json:"stop_loss_threshold"`
}

// PlaceOrderRequest is the JSON body for POST /portfolios/{id}/orders.
type PlaceOrderRequest struct {
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"` // "buy" or "sell"
	Type        string          `json:"type"` // market, limit, stop, stop_limit
	Quantity    decimal.Decimal `json:"quantity"`
	LimitPrice  decimal.Decimal `json:"limit_price"`
	StopPrice   decimal.Decimal `json:"stop_price"`
	TimeInForce string          `json:"time_in_force"`
}

// QuoteResponse is the body of GET /quotes/{symbol}.
type QuoteResponse struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// --- HTTP Handlers ---

// CreatePortfolio handles POST /api/v1/portfolios
func (s *Service) CreatePortfolio(w http.ResponseWriter, r *http.Request) {
	var req CreatePortfolioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	view, err := s.engine.CreatePortfolio(r.Context(), engine.PortfolioConfig{
		Name:           req.Name,
		Currency:       req.Currency,
		InitialBalance: req.InitialBalance,
		Risk: model.RiskSettings{
			MaxPositionFraction: req.MaxPositionFraction,
			StopLossThreshold:   req.StopLossThreshold,
		},
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// ListPortfolios handles GET /api/v1/portfolios
func (s *Service) ListPortfolios(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListPortfolios(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if list == nil {
		list = []model.PortfolioSummary{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetPortfolio handles GET /api/v1/portfolios/{portfolioID}
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.GetPortfolio(r.Context(), chi.URLParam(r, "portfolioID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ClosePortfolio handles POST /api/v1/portfolios/{portfolioID}/close
func (s *Service) ClosePortfolio(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.ClosePortfolio(r.Context(), chi.URLParam(r, "portfolioID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// PlaceOrder handles POST /api/v1/portfolios/{portfolioID}/orders
// Market orders come back filled; conditional orders come back pending.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	side, err := model.ParseSide(req.Side)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	terms, err := model.ParseTerms(model.OrderType(req.Type), req.LimitPrice, req.StopPrice)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	order, err := s.engine.PlaceOrder(r.Context(), chi.URLParam(r, "portfolioID"), engine.OrderSpec{
		Symbol:      req.Symbol,
		Side:        side,
		Terms:       terms,
		Quantity:    req.Quantity,
		TimeInForce: model.TimeInForce(strings.ToUpper(req.TimeInForce)),
	})
	if err != nil {
		if order != nil {
			// Rejected during execution: the order exists and is returned.
			writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "order": order})
			return
		}
		writeEngineError(w, err)
		return
	}

	status := http.StatusCreated
	if order.Status == model.OrderStatusPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, order)
}

// ListOrders handles GET /api/v1/portfolios/{portfolioID}/orders
// Optionally filtered by ?status=pending|filled|rejected|cancelled.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	status := model.OrderStatus(strings.ToLower(r.URL.Query().Get("status")))
	switch status {
	case "", model.OrderStatusPending, model.OrderStatusFilled, model.OrderStatusRejected, model.OrderStatusCancelled:
	default:
		writeError(w, "unknown status filter: "+string(status), http.StatusBadRequest)
		return
	}

	orders, err := s.engine.ListOrders(r.Context(), chi.URLParam(r, "portfolioID"), status)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// CancelOrder handles DELETE /api/v1/portfolios/{portfolioID}/orders/{orderID}
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.engine.CancelOrder(r.Context(), chi.URLParam(r, "portfolioID"), chi.URLParam(r, "orderID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// GetTradingStats handles GET /api/v1/portfolios/{portfolioID}/stats?period=1W
// The period defaults to 1M.
func (s *Service) GetTradingStats(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "1M"
	}
	stats, err := s.engine.GetTradingStats(r.Context(), chi.URLParam(r, "portfolioID"), period)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetJournal handles GET /api/v1/portfolios/{portfolioID}/journal?since=RFC3339
// Reads trades from the durable journal rather than the in-memory portfolio.
func (s *Service) GetJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, "trade journal not configured", http.StatusNotImplemented)
		return
	}

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "since must be an RFC3339 timestamp", http.StatusBadRequest)
			return
		}
		since = t
	}

	trades, err := s.journal.TradesByPortfolio(r.Context(), chi.URLParam(r, "portfolioID"), since)
	if err != nil {
		writeError(w, "failed to read trade journal", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetQuote handles GET /api/v1/quotes/{symbol}
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	sym, err := symbol.Normalize(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	price, err := s.oracle.Price(r.Context(), sym)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, QuoteResponse{Symbol: sym, Price: price})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidOrder),
		errors.Is(err, model.ErrInvalidPortfolio),
		errors.Is(err, perf.ErrUnknownPeriod):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, model.ErrInsufficientBalance),
		errors.Is(err, model.ErrInsufficientPosition),
		errors.Is(err, model.ErrPositionSizeExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrExecution),
		errors.Is(err, model.ErrPriceUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

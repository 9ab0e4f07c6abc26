package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

// PostgresJournal keeps an append-only copy of executed trades in
// PostgreSQL. It is a downstream sink for trade.executed events, not a
// source of truth for portfolio state. Monetary values are stored as NUMERIC
// for exact decimal precision.
type PostgresJournal struct {
	pool *pgxpool.Pool
}

// NewPostgresJournal creates a journal backed by the given pool.
func NewPostgresJournal(pool *pgxpool.Pool) *PostgresJournal {
	return &PostgresJournal{pool: pool}
}

// EnsureSchema creates the journal table if it does not exist.
func (j *PostgresJournal) EnsureSchema(ctx context.Context) error {
	_, err := j.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS trade_journal (
			id           TEXT PRIMARY KEY,
			portfolio_id TEXT NOT NULL,
			order_id     TEXT NOT NULL,
			symbol       TEXT NOT NULL,
			side         TEXT NOT NULL,
			quantity     NUMERIC NOT NULL,
			price        NUMERIC NOT NULL,
			commission   NUMERIC NOT NULL,
			realized_pnl NUMERIC NOT NULL,
			executed_at  TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create trade_journal: %w", err)
	}
	_, err = j.pool.Exec(ctx,
		`CREATE INDEX IF NOT EXISTS trade_journal_portfolio_idx
		 ON trade_journal (portfolio_id, executed_at)`)
	return err
}

// InsertTrade appends an immutable trade record. Re-delivery of the same
// trade id is ignored.
func (j *PostgresJournal) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := j.pool.Exec(ctx,
		`INSERT INTO trade_journal (id, portfolio_id, order_id, symbol, side, quantity, price, commission, realized_pnl, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)
		 ON CONFLICT (id) DO NOTHING`,
		t.ID, t.PortfolioID, t.OrderID, t.Symbol, string(t.Side),
		t.Quantity.String(), t.Price.String(), t.Commission.String(), t.RealizedPnL.String(),
		t.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

// TradesByPortfolio returns journaled trades for a portfolio executed at or
// after since, oldest first.
func (j *PostgresJournal) TradesByPortfolio(ctx context.Context, portfolioID string, since time.Time) ([]model.Trade, error) {
	rows, err := j.pool.Query(ctx,
		`SELECT id, portfolio_id, order_id, symbol, side,
		        quantity::TEXT, price::TEXT, commission::TEXT, realized_pnl::TEXT, executed_at
		 FROM trade_journal
		 WHERE portfolio_id = $1 AND executed_at >= $2
		 ORDER BY executed_at`, portfolioID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

// scanTrades reads pgx rows into Trade slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTrades(rows pgxRows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, qtyS, priceS, commS, pnlS string

		if err := rows.Scan(&t.ID, &t.PortfolioID, &t.OrderID, &t.Symbol, &side,
			&qtyS, &priceS, &commS, &pnlS, &t.Timestamp); err != nil {
			return nil, err
		}

		t.Side = model.Side(side)
		t.Quantity, _ = decimal.NewFromString(qtyS)
		t.Price, _ = decimal.NewFromString(priceS)
		t.Commission, _ = decimal.NewFromString(commS)
		t.RealizedPnL, _ = decimal.NewFromString(pnlS)

		trades = append(trades, t)
	}
	return trades, rows.Err()
}

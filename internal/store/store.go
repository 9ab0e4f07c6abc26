// Package store defines the portfolio repository for the paper engine.
// The in-memory repository is the source of truth for balances, positions and
// orders; PostgreSQL only receives an append-only copy of executed trades.
package store

import (
	"context"

	"github.com/atmx/paper-engine/internal/model"
)

// Repository owns every Portfolio by id. Reads return deep copies; writes go
// through Update, which serialises mutations per portfolio id.
type Repository interface {
	// Create registers a new portfolio.
	Create(ctx context.Context, p *model.Portfolio) error

	// Get returns a snapshot of a portfolio.
	Get(ctx context.Context, id string) (*model.Portfolio, error)

	// List returns snapshots of all portfolios ordered by creation time.
	List(ctx context.Context) ([]*model.Portfolio, error)

	// IDs returns all portfolio ids ordered by creation time.
	IDs(ctx context.Context) ([]string, error)

	// Update runs fn against a working copy of the portfolio while holding
	// that portfolio's lock. The copy replaces the stored portfolio only if
	// fn returns nil; Version and LastUpdated are bumped on commit.
	Update(ctx context.Context, id string, fn func(p *model.Portfolio) error) error
}

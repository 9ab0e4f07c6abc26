package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/paper-engine/internal/model"
)

// MemoryRepository implements Repository with in-memory maps. Each portfolio
// has its own mutex so different portfolios never contend; the outer RWMutex
// only guards the map itself.
type MemoryRepository struct {
	mu         sync.RWMutex
	portfolios map[string]*entry
	now        func() time.Time
}

type entry struct {
	mu sync.Mutex
	p  *model.Portfolio
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		portfolios: make(map[string]*entry),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepository) Create(_ context.Context, p *model.Portfolio) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.portfolios[p.ID]; exists {
		return fmt.Errorf("%w: portfolio %s already exists", model.ErrConflict, p.ID)
	}

	// Store a copy to avoid external mutation.
	r.portfolios[p.ID] = &entry{p: p.Clone()}
	return nil
}

func (r *MemoryRepository) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.portfolios[id]
	if !ok {
		return nil, fmt.Errorf("%w: portfolio %s", model.ErrNotFound, id)
	}
	return e, nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*model.Portfolio, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p.Clone(), nil
}

func (r *MemoryRepository) entries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*entry, 0, len(r.portfolios))
	for _, e := range r.portfolios {
		out = append(out, e)
	}
	return out
}

func (r *MemoryRepository) List(_ context.Context) ([]*model.Portfolio, error) {
	entries := r.entries()
	out := make([]*model.Portfolio, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.p.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) IDs(ctx context.Context) ([]string, error) {
	list, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(list))
	for i, p := range list {
		ids[i] = p.ID
	}
	return ids, nil
}

func (r *MemoryRepository) Update(ctx context.Context, id string, fn func(p *model.Portfolio) error) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := e.p.Clone()
	if err := fn(work); err != nil {
		return err
	}
	work.Version = e.p.Version + 1
	work.LastUpdated = r.now()
	e.p = work
	return nil
}

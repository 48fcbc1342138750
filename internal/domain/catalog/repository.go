package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/drfirst/go-rxdispense/internal/domain/rxerr"
)

// Repository persists medicines
type Repository interface {
	Get(ctx context.Context, id string) (*Medicine, error)
	Put(ctx context.Context, m *Medicine) error
	Search(ctx context.Context, query string, limit int) ([]*Medicine, error)
}

// MemoryRepository keeps medicines in process memory.
type MemoryRepository struct {
	mu        sync.RWMutex
	medicines map[string]*Medicine
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{medicines: make(map[string]*Medicine)}
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Medicine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.medicines[id]
	if !ok {
		return nil, fmt.Errorf("%w: medicine %s", rxerr.ErrNotFound, id)
	}
	return m.Clone(), nil
}

func (r *MemoryRepository) Put(_ context.Context, m *Medicine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.medicines[m.ID] = m.Clone()
	return nil
}

func (r *MemoryRepository) Search(_ context.Context, query string, limit int) ([]*Medicine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Medicine
	for _, m := range r.medicines {
		if matchesQuery(m, query) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matchesQuery(m *Medicine, query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	for _, f := range []string{m.Name, m.GenericName, m.BrandName, m.DrugClass} {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}

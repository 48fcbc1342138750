package prescription

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/drfirst/go-rxdispense/internal/domain/rxerr"
)

// Store persists prescription event streams.
type Store interface {
	// Save appends the aggregate's uncommitted events. It fails with
	// ErrConcurrentModification when another writer appended first.
	Save(ctx context.Context, agg *Aggregate) error
	// Load rebuilds an aggregate; ErrNotFound when it has no events.
	Load(ctx context.Context, id string) (*Aggregate, error)
	GetEvents(ctx context.Context, id string) ([]*Event, error)
	// ListDue returns ids of open prescriptions whose validity ended at or
	// before asOf.
	ListDue(ctx context.Context, asOf time.Time, limit int) ([]string, error)
}

// MemoryStore is an in-memory Store
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string][]*Event
	due     map[string]time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[string][]*Event),
		due:     make(map[string]time.Time),
	}
}

func (s *MemoryStore) Save(_ context.Context, agg *Aggregate) error {
	changes := agg.Changes()
	if len(changes) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[agg.ID()]
	expected := agg.Version() - len(changes)
	if len(stream) != expected {
		return fmt.Errorf("%w: prescription %s at version %d, expected %d",
			rxerr.ErrConcurrentModification, agg.ID(), len(stream), expected)
	}
	for _, e := range changes {
		c := *e
		stream = append(stream, &c)
	}
	s.streams[agg.ID()] = stream

	if st := agg.Snapshot(); st.Status.Open() {
		s.due[agg.ID()] = st.ValidUntil
	} else {
		delete(s.due, agg.ID())
	}

	agg.ClearChanges()
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*Aggregate, error) {
	events, err := s.GetEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: prescription %s", rxerr.ErrNotFound, id)
	}
	agg := NewAggregate(id)
	if err := agg.LoadFromHistory(events); err != nil {
		return nil, err
	}
	return agg, nil
}

func (s *MemoryStore) GetEvents(_ context.Context, id string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream := s.streams[id]
	out := make([]*Event, len(stream))
	for i, e := range stream {
		c := *e
		out[i] = &c
	}
	return out, nil
}

func (s *MemoryStore) ListDue(_ context.Context, asOf time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, until := range s.due {
		if !until.After(asOf) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

var _ Store = (*MemoryStore)(nil)

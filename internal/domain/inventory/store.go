package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/drfirst/go-rxdispense/internal/domain/rxerr"
)

// Snapshot is the locked state of one medicine's stock handed to a mutation.
// Batches are in receipt order and may be modified in place.
type Snapshot struct {
	MedicineID   string
	Batches      []*Batch
	Reservations map[string]*Reservation
}

func (s *Snapshot) batch(id string) *Batch {
	for _, b := range s.Batches {
		if b.ID == id {
			return b
		}
	}
	return nil
}

// Change is what a mutation asks the store to persist.
type Change struct {
	Batches            []*Batch
	Movements          []Movement
	PutReservations    []*Reservation
	DeleteReservations []string
}

func (c *Change) touch(b *Batch) {
	for _, existing := range c.Batches {
		if existing == b {
			return
		}
	}
	c.Batches = append(c.Batches, b)
}

func (c *Change) record(b *Batch, m Movement) {
	m.BatchID = b.ID
	b.Movements = append(b.Movements, m)
	c.Movements = append(c.Movements, m)
	c.touch(b)
}

// MutateFunc inspects a snapshot and returns the change to persist. Returning
// an error discards every modification.
type MutateFunc func(s *Snapshot) (*Change, error)

// Store persists batches, movements and reservations. Mutate must hold an
// exclusive lock on the medicine for the duration of fn and apply the
// returned change atomically.
type Store interface {
	InsertBatch(ctx context.Context, b *Batch) error
	GetBatch(ctx context.Context, id string) (*Batch, error)
	ListBatches(ctx context.Context, medicineID string) ([]*Batch, error)
	Mutate(ctx context.Context, medicineID string, fn MutateFunc) error
}

// MemoryStore is an in-process Store. All mutations are serialized.
type MemoryStore struct {
	mu           sync.Mutex
	seq          int64
	batches      map[string]*Batch
	byMedicine   map[string][]string
	reservations map[string]*Reservation
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches:      make(map[string]*Batch),
		byMedicine:   make(map[string][]string),
		reservations: make(map[string]*Reservation),
	}
}

func (s *MemoryStore) InsertBatch(_ context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batches[b.ID]; exists {
		return fmt.Errorf("%w: batch %s already exists", rxerr.ErrInvalidArgument, b.ID)
	}
	s.seq++
	b.Seq = s.seq
	s.batches[b.ID] = b.clone()
	s.byMedicine[b.MedicineID] = append(s.byMedicine[b.MedicineID], b.ID)
	return nil
}

func (s *MemoryStore) GetBatch(_ context.Context, id string) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return nil, fmt.Errorf("%w: batch %s", rxerr.ErrNotFound, id)
	}
	return b.clone(), nil
}

func (s *MemoryStore) ListBatches(_ context.Context, medicineID string) ([]*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Batch
	if medicineID != "" {
		for _, id := range s.byMedicine[medicineID] {
			out = append(out, s.batches[id].clone())
		}
		return out, nil
	}
	for _, b := range s.batches {
		out = append(out, b.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) Mutate(_ context.Context, medicineID string, fn MutateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &Snapshot{MedicineID: medicineID, Reservations: make(map[string]*Reservation)}
	for _, id := range s.byMedicine[medicineID] {
		snap.Batches = append(snap.Batches, s.batches[id].clone())
	}
	for id, r := range s.reservations {
		if r.MedicineID == medicineID {
			snap.Reservations[id] = r.clone()
		}
	}

	change, err := fn(snap)
	if err != nil || change == nil {
		return err
	}

	for _, b := range change.Batches {
		s.batches[b.ID] = b.clone()
	}
	for _, r := range change.PutReservations {
		s.reservations[r.ID] = r.clone()
	}
	for _, id := range change.DeleteReservations {
		delete(s.reservations, id)
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)

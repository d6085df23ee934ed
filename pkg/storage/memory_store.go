package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/polisai/polis-esb/pkg/domain"
)

// DefaultJournalCapacity is the number of runs kept by a MemoryRunJournal.
const DefaultJournalCapacity = 1000

// MemoryRunJournal keeps the most recent runs in a fixed-size ring.
type MemoryRunJournal struct {
	mu    sync.RWMutex
	ring  []domain.RunRecord
	next  int
	full  bool
	index map[string]int
}

// NewMemoryRunJournal creates a journal holding up to capacity runs.
func NewMemoryRunJournal(capacity int) *MemoryRunJournal {
	if capacity <= 0 {
		capacity = DefaultJournalCapacity
	}
	return &MemoryRunJournal{
		ring:  make([]domain.RunRecord, capacity),
		index: make(map[string]int, capacity),
	}
}

// Record stores run, evicting the oldest entry when the ring is full.
func (j *MemoryRunJournal) Record(_ context.Context, run domain.RunRecord) error {
	if run.RunID == "" {
		return fmt.Errorf("record run: empty run id")
	}
	run.Stages = append([]domain.StageRecord(nil), run.Stages...)

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.full {
		delete(j.index, j.ring[j.next].RunID)
	}
	j.ring[j.next] = run
	j.index[run.RunID] = j.next
	j.next = (j.next + 1) % len(j.ring)
	if j.next == 0 {
		j.full = true
	}
	return nil
}

// Get returns a single run.
func (j *MemoryRunJournal) Get(_ context.Context, runID string) (domain.RunRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	i, ok := j.index[runID]
	if !ok {
		return domain.RunRecord{}, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	run := j.ring[i]
	run.Stages = append([]domain.StageRecord(nil), run.Stages...)
	return run, nil
}

// List returns matching runs, newest first.
func (j *MemoryRunJournal) List(_ context.Context, filter domain.RunFilter) ([]domain.RunRecord, error) {
	limit := EffectiveLimit(filter.Limit)

	j.mu.RLock()
	defer j.mu.RUnlock()

	size := j.next
	if j.full {
		size = len(j.ring)
	}
	out := make([]domain.RunRecord, 0, min(limit, size))
	for n := 1; n <= size && len(out) < limit; n++ {
		i := (j.next - n + len(j.ring)) % len(j.ring)
		if run := j.ring[i]; Matches(filter, run) {
			run.Stages = append([]domain.StageRecord(nil), run.Stages...)
			out = append(out, run)
		}
	}
	return out, nil
}

// Close is a no-op for the memory journal.
func (j *MemoryRunJournal) Close() error {
	return nil
}

// MemoryOrderStore is an in-memory OrderStore.
type MemoryOrderStore struct {
	mu     sync.RWMutex
	orders []domain.StoredOrder
	now    func() time.Time
}

// NewMemoryOrderStore creates an empty store.
func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{now: time.Now}
}

// Save appends payload and assigns it the next sequence number.
func (s *MemoryOrderStore) Save(_ context.Context, payload []byte) (domain.StoredOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order := domain.StoredOrder{
		Seq:        int64(len(s.orders) + 1),
		Payload:    append([]byte(nil), payload...),
		ReceivedAt: s.now().UTC(),
	}
	s.orders = append(s.orders, order)
	return order, nil
}

// List returns every stored order in arrival order.
func (s *MemoryOrderStore) List(_ context.Context) ([]domain.StoredOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.StoredOrder, len(s.orders))
	copy(out, s.orders)
	return out, nil
}

// Close is a no-op for the memory store.
func (s *MemoryOrderStore) Close() error {
	return nil
}

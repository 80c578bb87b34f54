// Package memory is an in-process CycleStore, used by the simulator and tests.
package memory

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/Agrid-Dev/thermoven/internal/oven"
)

var (
	ErrUnknownCycle = errors.New("unknown cycle")
	ErrCycleClosed  = errors.New("cycle already closed")
)

var _ oven.CycleStore = (*Store)(nil)

type Store struct {
	mu       sync.Mutex
	cycles   map[string]*oven.Cycle
	order    []string // insertion order
	readings map[string][]oven.Reading
}

func New() *Store {
	return &Store{
		cycles:   map[string]*oven.Cycle{},
		readings: map[string][]oven.Reading{},
	}
}

func (s *Store) OpenCycle(ctx context.Context, start time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := xid.New().String()
	s.cycles[id] = &oven.Cycle{ID: id, Start: start}
	s.order = append(s.order, id)
	return id, nil
}

func (s *Store) CloseCycle(ctx context.Context, id string, end time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cycles[id]
	if !ok {
		return ErrUnknownCycle
	}
	if c.End != nil {
		return ErrCycleClosed
	}
	c.End = &end
	return nil
}

func (s *Store) AppendReading(ctx context.Context, r oven.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cycles[r.CycleID]; !ok {
		return ErrUnknownCycle
	}
	s.readings[r.CycleID] = append(s.readings[r.CycleID], r)
	return nil
}

// Prune keeps the keep most recently ended cycles. Open cycles are never
// removed.
func (s *Store) Prune(ctx context.Context, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var closed []*oven.Cycle
	for _, id := range s.order {
		if c := s.cycles[id]; c.End != nil {
			closed = append(closed, c)
		}
	}
	if len(closed) <= keep {
		return nil
	}
	slices.SortStableFunc(closed, func(a, b *oven.Cycle) int {
		return b.End.Compare(*a.End)
	})
	for _, c := range closed[max(keep, 0):] {
		delete(s.cycles, c.ID)
		delete(s.readings, c.ID)
	}
	s.order = slices.DeleteFunc(s.order, func(id string) bool {
		_, ok := s.cycles[id]
		return !ok
	})
	return nil
}

// ListCycles returns cycles newest first.
func (s *Store) ListCycles(ctx context.Context) ([]oven.Cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]oven.Cycle, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		c := *s.cycles[s.order[i]]
		if c.End != nil {
			end := *c.End
			c.End = &end
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) Readings(ctx context.Context, cycleID string) ([]oven.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cycles[cycleID]; !ok {
		return nil, ErrUnknownCycle
	}
	return slices.Clone(s.readings[cycleID]), nil
}

// ReadingCount is the total number of readings held, across all cycles.
func (s *Store) ReadingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rs := range s.readings {
		n += len(rs)
	}
	return n
}

// OpenCount is the number of cycles without an end time.
func (s *Store) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.cycles {
		if c.End == nil {
			n++
		}
	}
	return n
}

package oven

import (
	"context"
	"sync"
	"sync/atomic"
)

// Scheduler owns the lifecycle of the control run: at most one run is active
// and Start while one is active is a no-op.
type Scheduler struct {
	body     func(ctx context.Context)
	canStart func() bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	active atomic.Int32
	peak   atomic.Int32
	starts atomic.Int64
}

// NewScheduler runs body for each control run. canStart, when set, is asked
// before every start.
func NewScheduler(body func(ctx context.Context), canStart func() bool) *Scheduler {
	return &Scheduler{body: body, canStart: canStart}
}

// Start launches a run unless one is active or canStart refuses. It reports
// whether a new run was started.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return false
	}
	if s.canStart != nil && !s.canStart() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.starts.Add(1)

	go func() {
		n := s.active.Add(1)
		for {
			p := s.peak.Load()
			if n <= p || s.peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer func() {
			s.active.Add(-1)
			s.mu.Lock()
			if s.done == done {
				s.cancel = nil
				s.done = nil
			}
			s.mu.Unlock()
			cancel()
			close(done)
		}()
		s.body(ctx)
	}()
	return true
}

// Stop cancels the active run, if any, and waits for it to finish. The run
// handle is released by the run itself, so Start stays a no-op until then.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}

// Starts is the number of runs launched so far.
func (s *Scheduler) Starts() int64 {
	return s.starts.Load()
}

// PeakActive is the highest number of runs ever observed at the same time.
func (s *Scheduler) PeakActive() int32 {
	return s.peak.Load()
}

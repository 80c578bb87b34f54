package oven

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CycleStore is the historical datastore for cycles and readings.
type CycleStore interface {
	OpenCycle(ctx context.Context, start time.Time) (string, error)
	CloseCycle(ctx context.Context, id string, end time.Time) error
	AppendReading(ctx context.Context, r Reading) error
	// Prune deletes every cycle except the keep most recent ones (by end
	// time) together with their readings.
	Prune(ctx context.Context, keep int) error
	ListCycles(ctx context.Context) ([]Cycle, error)
	Readings(ctx context.Context, cycleID string) ([]Reading, error)
}

const (
	DefaultKeepCycles   = 20
	DefaultReadingQueue = 128
)

type CycleParams struct {
	KeepCycles   int
	QueueSize    int
	WriteTimeout time.Duration
}

func DefaultCycleParams() CycleParams {
	return CycleParams{
		KeepCycles:   DefaultKeepCycles,
		QueueSize:    DefaultReadingQueue,
		WriteTimeout: 2 * time.Second,
	}
}

// CycleCoordinator opens a cycle when heating starts, closes and prunes when
// it stops, and logs readings for the open cycle without blocking callers.
type CycleCoordinator struct {
	store  CycleStore
	params CycleParams
	log    *slog.Logger

	opMu    sync.Mutex // serializes HeatingOn/HeatingOff
	writeMu sync.Mutex // held while a reading is written to the store

	mu     sync.Mutex
	openID string

	queue chan Reading
}

func NewCycleCoordinator(store CycleStore, params CycleParams, log *slog.Logger) *CycleCoordinator {
	if params.KeepCycles <= 0 {
		params.KeepCycles = DefaultKeepCycles
	}
	if params.QueueSize <= 0 {
		params.QueueSize = DefaultReadingQueue
	}
	if params.WriteTimeout <= 0 {
		params.WriteTimeout = 2 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &CycleCoordinator{
		store:  store,
		params: params,
		log:    log.With("component", "cycles"),
		queue:  make(chan Reading, params.QueueSize),
	}
}

// OpenID returns the open cycle id, or "" when none is open.
func (c *CycleCoordinator) OpenID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openID
}

// HeatingOn opens a new cycle. With a cycle already open it does nothing and
// returns ErrDoubleCycleOpen.
func (c *CycleCoordinator) HeatingOn(ctx context.Context, now time.Time) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if id := c.OpenID(); id != "" {
		return fmt.Errorf("%w: %s", ErrDoubleCycleOpen, id)
	}
	id, err := c.store.OpenCycle(ctx, now)
	if err != nil {
		return fmt.Errorf("open cycle: %w", err)
	}

	c.mu.Lock()
	c.openID = id
	c.mu.Unlock()
	c.log.Info("cycle opened", "cycle", id)
	return nil
}

// HeatingOff flushes queued readings, stamps the end time of the open cycle
// and prunes old cycles. Without an open cycle it does nothing.
func (c *CycleCoordinator) HeatingOff(ctx context.Context, now time.Time) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	id := c.openID
	c.openID = ""
	c.mu.Unlock()
	if id == "" {
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.drainLocked(ctx)
	if err := c.store.CloseCycle(ctx, id, now); err != nil {
		return fmt.Errorf("close cycle %s: %w", id, err)
	}
	c.log.Info("cycle closed", "cycle", id)

	if err := c.store.Prune(ctx, c.params.KeepCycles); err != nil {
		return fmt.Errorf("prune cycles: %w", err)
	}
	return nil
}

// Record queues r for the open cycle. It never blocks; it reports false when
// no cycle is open or the queue is full.
func (c *CycleCoordinator) Record(r Reading) bool {
	id := c.OpenID()
	if id == "" {
		return false
	}
	r.CycleID = id
	select {
	case c.queue <- r:
		return true
	default:
		c.log.Warn("reading queue full, dropping reading", "cycle", id)
		return false
	}
}

// Run writes queued readings until ctx is done.
func (c *CycleCoordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-c.queue:
			c.writeMu.Lock()
			c.write(ctx, r)
			c.writeMu.Unlock()
		}
	}
}

func (c *CycleCoordinator) drainLocked(ctx context.Context) {
	for {
		select {
		case r := <-c.queue:
			c.write(ctx, r)
		default:
			return
		}
	}
}

func (c *CycleCoordinator) write(ctx context.Context, r Reading) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.params.WriteTimeout)
	defer cancel()
	if err := c.store.AppendReading(ctx, r); err != nil {
		c.log.Error("append reading failed", "cycle", r.CycleID, "err", err)
	}
}

func (c *CycleCoordinator) Cycles(ctx context.Context) ([]Cycle, error) {
	return c.store.ListCycles(ctx)
}

func (c *CycleCoordinator) Readings(ctx context.Context, cycleID string) ([]Reading, error) {
	return c.store.Readings(ctx, cycleID)
}

package device

import (
	"context"
	"errors"
	"time"
)

var ErrTimeout = errors.New("device: operation timed out")

const DefaultTimeout = 500 * time.Millisecond

// gate lets one driver call through at a time. A call that times out keeps
// the gate until the driver returns, so later writes can never be overtaken
// by a stale one.
type gate chan struct{}

func newGate() gate { return make(gate, 1) }

func call[T any](ctx context.Context, timeout time.Duration, g gate, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)

	select {
	case g <- struct{}{}:
	case <-ctx.Done():
		cancel()
		return zero, ctxErr(ctx)
	}

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() { <-g }()
		defer cancel()
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctxErr(ctx)
	}
}

func ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

func withDefault(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return DefaultTimeout
	}
	return timeout
}

// BoundedSensor fails a read that takes longer than its timeout.
type BoundedSensor struct {
	s       Sensor
	timeout time.Duration
	g       gate
}

func NewBoundedSensor(s Sensor, timeout time.Duration) *BoundedSensor {
	return &BoundedSensor{s: s, timeout: withDefault(timeout), g: newGate()}
}

func (b *BoundedSensor) ReadRaw(ctx context.Context) (float64, error) {
	return call(ctx, b.timeout, b.g, b.s.ReadRaw)
}

// BoundedActuator fails a write that takes longer than its timeout.
type BoundedActuator struct {
	a       Actuator
	timeout time.Duration
	g       gate
}

func NewBoundedActuator(a Actuator, timeout time.Duration) *BoundedActuator {
	return &BoundedActuator{a: a, timeout: withDefault(timeout), g: newGate()}
}

func (b *BoundedActuator) SetDuty(ctx context.Context, percent float64) error {
	_, err := call(ctx, b.timeout, b.g, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.a.SetDuty(ctx, percent)
	})
	return err
}

// BoundedSwitch fails a write that takes longer than its timeout.
type BoundedSwitch struct {
	s       Switch
	timeout time.Duration
	g       gate
}

func NewBoundedSwitch(s Switch, timeout time.Duration) *BoundedSwitch {
	return &BoundedSwitch{s: s, timeout: withDefault(timeout), g: newGate()}
}

func (b *BoundedSwitch) SetOn(ctx context.Context, on bool) error {
	_, err := call(ctx, b.timeout, b.g, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.s.SetOn(ctx, on)
	})
	return err
}

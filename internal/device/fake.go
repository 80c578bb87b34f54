package device

import (
	"context"
	"errors"
	"sync"
)

var ErrNoSamples = errors.New("device: no samples configured")

// FakeSensor returns scripted samples. Each read consumes the next one; the
// last sample repeats once the script is exhausted.
type FakeSensor struct {
	mu      sync.Mutex
	samples []float64
	index   int
	reads   int

	// Func, when set, overrides Samples and is called with the read count.
	Func func(n int) (float64, error)
	// Err, when set, is returned by every read.
	Err error
}

func NewFakeSensor(samples ...float64) *FakeSensor {
	return &FakeSensor{samples: samples}
}

func (f *FakeSensor) ReadRaw(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.reads
	f.reads++
	if f.Err != nil {
		return 0, f.Err
	}
	if f.Func != nil {
		return f.Func(n)
	}
	if len(f.samples) == 0 {
		return 0, ErrNoSamples
	}
	v := f.samples[f.index]
	if f.index < len(f.samples)-1 {
		f.index++
	}
	return v, nil
}

func (f *FakeSensor) SetErr(err error) {
	f.mu.Lock()
	f.Err = err
	f.mu.Unlock()
}

func (f *FakeSensor) SetSamples(samples ...float64) {
	f.mu.Lock()
	f.samples = samples
	f.index = 0
	f.mu.Unlock()
}

func (f *FakeSensor) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// FakeActuator records every duty written to it.
type FakeActuator struct {
	mu     sync.Mutex
	duties []float64
	Err    error
}

func (f *FakeActuator) SetDuty(ctx context.Context, percent float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.duties = append(f.duties, percent)
	return f.Err
}

func (f *FakeActuator) SetErr(err error) {
	f.mu.Lock()
	f.Err = err
	f.mu.Unlock()
}

func (f *FakeActuator) Duties() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.duties...)
}

// Last returns the most recent duty, or -1 if nothing was written.
func (f *FakeActuator) Last() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.duties) == 0 {
		return -1
	}
	return f.duties[len(f.duties)-1]
}

// FakeSwitch records its state.
type FakeSwitch struct {
	mu     sync.Mutex
	on     bool
	writes int
	Err    error
}

func (f *FakeSwitch) SetOn(ctx context.Context, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.Err != nil {
		return f.Err
	}
	f.on = on
	return nil
}

func (f *FakeSwitch) On() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.on
}

//go:build linux

package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// DefaultPWMPeriod is the soft-PWM window for a relay-driven heater.
const DefaultPWMPeriod = 2 * time.Second

// GPIOHeater drives a heater relay with a slow software PWM: within each
// period the line is held high for duty% of the window.
type GPIOHeater struct {
	line   *gpiocdev.Line
	period time.Duration

	mu   sync.Mutex
	duty float64

	stop chan struct{}
	done chan struct{}
}

func NewGPIOHeater(chip string, offset int, period time.Duration) (*GPIOHeater, error) {
	if period <= 0 {
		period = DefaultPWMPeriod
	}
	line, err := gpiocdev.RequestLine(chip, offset, gpiocdev.AsOutput(0))
	if err != nil {
		return nil, fmt.Errorf("request heater line %s:%d: %w", chip, offset, err)
	}
	h := &GPIOHeater{
		line:   line,
		period: period,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go h.run()
	return h, nil
}

func (h *GPIOHeater) SetDuty(ctx context.Context, percent float64) error {
	h.mu.Lock()
	h.duty = max(0, min(100, percent))
	h.mu.Unlock()
	if percent <= 0 {
		// drop the relay now rather than at the end of the window
		return h.line.SetValue(0)
	}
	return nil
}

func (h *GPIOHeater) run() {
	defer close(h.done)
	for {
		h.mu.Lock()
		duty := h.duty
		h.mu.Unlock()

		on := time.Duration(float64(h.period) * duty / 100)
		if on > 0 {
			_ = h.line.SetValue(1)
			if !h.wait(on) {
				return
			}
		}
		if off := h.period - on; off > 0 {
			_ = h.line.SetValue(0)
			if !h.wait(off) {
				return
			}
		}
	}
}

func (h *GPIOHeater) wait(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-h.stop:
		return false
	case <-t.C:
		return true
	}
}

// Close drives the line low and releases it.
func (h *GPIOHeater) Close() error {
	close(h.stop)
	<-h.done
	var errs []error
	if err := h.line.SetValue(0); err != nil {
		errs = append(errs, fmt.Errorf("drive heater low: %w", err))
	}
	if err := h.line.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close heater line: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// GPIOSwitch is a plain on/off output line, used for the oven light.
type GPIOSwitch struct {
	line *gpiocdev.Line
}

func NewGPIOSwitch(chip string, offset int) (*GPIOSwitch, error) {
	line, err := gpiocdev.RequestLine(chip, offset, gpiocdev.AsOutput(0))
	if err != nil {
		return nil, fmt.Errorf("request switch line %s:%d: %w", chip, offset, err)
	}
	return &GPIOSwitch{line: line}, nil
}

func (s *GPIOSwitch) SetOn(ctx context.Context, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return s.line.SetValue(v)
}

func (s *GPIOSwitch) Close() error {
	return s.line.Close()
}

//go:build !linux

package device

import (
	"context"
	"time"
)

const DefaultPWMPeriod = 2 * time.Second

// GPIOHeater is not available on non-Linux platforms.
type GPIOHeater struct{}

func NewGPIOHeater(chip string, offset int, period time.Duration) (*GPIOHeater, error) {
	return nil, ErrNotSupported
}

func (h *GPIOHeater) SetDuty(ctx context.Context, percent float64) error { return ErrNotSupported }
func (h *GPIOHeater) Close() error                                       { return nil }

// GPIOSwitch is not available on non-Linux platforms.
type GPIOSwitch struct{}

func NewGPIOSwitch(chip string, offset int) (*GPIOSwitch, error) {
	return nil, ErrNotSupported
}

func (s *GPIOSwitch) SetOn(ctx context.Context, on bool) error { return ErrNotSupported }
func (s *GPIOSwitch) Close() error                             { return nil }

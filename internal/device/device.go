// Package device provides the sensor and actuator ports of the oven and their
// implementations: Linux drivers, a simulated oven and test fakes.
package device

import (
	"context"
	"errors"
	"io"
)

// Sensor returns an uncalibrated temperature sample.
type Sensor interface {
	ReadRaw(ctx context.Context) (float64, error)
}

// Actuator accepts a duty cycle in [0,100]. Repeating the same value is fine.
type Actuator interface {
	SetDuty(ctx context.Context, percent float64) error
}

// Switch is an on/off output such as the oven light.
type Switch interface {
	SetOn(ctx context.Context, on bool) error
}

// Device bundles the hardware of one oven.
type Device struct {
	ID     string
	Sensor Sensor
	Heater Actuator
	Light  Switch

	closers []io.Closer
}

func New(id string, sensor Sensor, heater Actuator, light Switch, closers ...io.Closer) *Device {
	return &Device{ID: id, Sensor: sensor, Heater: heater, Light: light, closers: closers}
}

// Close releases driver resources in reverse order of acquisition.
func (d *Device) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NopSwitch discards writes. Used when no light output is wired.
type NopSwitch struct{}

func (NopSwitch) SetOn(context.Context, bool) error { return nil }

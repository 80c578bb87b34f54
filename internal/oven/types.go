package oven

import (
	"fmt"
	"math"
	"time"
)

// Gains are the PID coefficients.
type Gains struct {
	Kp float64
	Ki float64
	Kd float64
}

// DefaultGains is what auto-tune falls back to when the experiment cannot
// produce usable numbers.
var DefaultGains = Gains{Kp: 1.0, Ki: 0.1, Kd: 0.05}

func (g Gains) Validate() error {
	for _, v := range []float64{g.Kp, g.Ki, g.Kd} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return ErrInvalidGains
		}
	}
	return nil
}

func (g Gains) String() string {
	return fmt.Sprintf("Kp=%.4f Ki=%.4f Kd=%.4f", g.Kp, g.Ki, g.Kd)
}

// Snapshot is a point-in-time copy of the oven state handed to control
// surfaces.
type Snapshot struct {
	TargetTemperature float64
	SetpointMin       float64
	SetpointMax       float64
	OvenOn            bool
	LightOn           bool
	Tuning            bool

	Gains       Gains
	Calibration Calibration

	Temperature      float64
	TemperatureValid bool
	Duty             float64

	TimerRunning  bool
	TimeRemaining float64 // seconds

	CycleID string // empty when no cycle is open
}

// ControlState is the record shared by the control loop, auto-tune and the
// control surfaces. Guarded by Oven.mu.
type ControlState struct {
	TargetTemperature float64
	OvenOn            bool
	LightOn           bool
	Tuning            bool
	Gains             Gains
	Calibration       Calibration

	Temperature      float64
	TemperatureValid bool
	Duty             float64
}

// PersistedState is the durable mirror of ControlState and TimerState.
type PersistedState struct {
	TargetTemperature float64     `koanf:"target_temperature"`
	OvenOn            bool        `koanf:"oven_on"`
	LightOn           bool        `koanf:"light_on"`
	Gains             GainsRecord `koanf:"pid"`
	Calibration       CalibRecord `koanf:"calibration"`
	TimerRunning      bool        `koanf:"timer_running"`
	TimeRemaining     float64     `koanf:"time_remaining"`
}

type GainsRecord struct {
	Kp float64 `koanf:"kp"`
	Ki float64 `koanf:"ki"`
	Kd float64 `koanf:"kd"`
}

type CalibRecord struct {
	Offset float64 `koanf:"offset"`
	Scale  float64 `koanf:"scale"`
}

// StateMirror persists PersistedState across restarts.
type StateMirror interface {
	Load() (PersistedState, error)
	Save(PersistedState) error
}

// Cycle is one contiguous heating session.
type Cycle struct {
	ID    string     `json:"id"`
	Start time.Time  `json:"start_time"`
	End   *time.Time `json:"end_time,omitempty"`
}

// Reading is one logged control tick.
type Reading struct {
	CycleID   string    `json:"cycle_id"`
	Timestamp time.Time `json:"timestamp"`
	Measured  float64   `json:"measured_temperature"`
	Setpoint  float64   `json:"set_temperature"`
}

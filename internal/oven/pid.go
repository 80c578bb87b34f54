package oven

import (
	"math"
	"time"
)

const (
	DefaultIntegralLimit = 500.0
	DutyMin              = 0.0
	DutyMax              = 100.0
)

// Output is one controller step broken down by term.
type Output struct {
	Duty  float64
	Error float64
	P     float64
	I     float64
	D     float64
}

// PID turns (setpoint, measurement, elapsed time) into a duty cycle.
// The zero value is not usable; use NewPID.
type PID struct {
	gains         Gains
	integralLimit float64

	integral  float64
	lastError float64
	lastTime  time.Time
}

func NewPID(gains Gains, integralLimit float64) *PID {
	if integralLimit <= 0 || math.IsNaN(integralLimit) {
		integralLimit = DefaultIntegralLimit
	}
	return &PID{gains: gains, integralLimit: integralLimit}
}

// Reset clears the controller memory and anchors the clock at now.
func (p *PID) Reset(now time.Time) {
	p.integral = 0
	p.lastError = 0
	p.lastTime = now
}

func (p *PID) SetGains(g Gains) {
	p.gains = g
}

func (p *PID) Gains() Gains {
	return p.gains
}

func (p *PID) Integral() float64 {
	return p.integral
}

// Update runs one step using the wall-clock interval since the previous step.
func (p *PID) Update(setpoint, measurement float64, now time.Time) Output {
	dt := now.Sub(p.lastTime).Seconds()
	if p.lastTime.IsZero() {
		dt = 0
	}
	out := p.Step(setpoint, measurement, dt)
	p.lastTime = now
	return out
}

// Step runs one step with an explicit interval in seconds. A non-positive
// interval is treated as one second.
func (p *PID) Step(setpoint, measurement, dt float64) Output {
	if dt <= 0 || math.IsNaN(dt) || math.IsInf(dt, 0) {
		dt = 1.0
	}
	e := setpoint - measurement
	if math.IsNaN(e) || math.IsInf(e, 0) {
		return Output{}
	}

	p.integral = clamp(p.integral+e*dt, -p.integralLimit, p.integralLimit)
	derivative := (e - p.lastError) / dt
	p.lastError = e

	out := Output{
		Error: e,
		P:     p.gains.Kp * e,
		I:     p.gains.Ki * p.integral,
		D:     p.gains.Kd * derivative,
	}
	out.Duty = clamp(out.P+out.I+out.D, DutyMin, DutyMax)
	if math.IsNaN(out.Duty) {
		out.Duty = DutyMin
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

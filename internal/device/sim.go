package device

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

var ErrNegativeLossCoefficient = errors.New("simulator: loss coefficient must be greater or equal to zero")

// SimParams describe a lumped thermal model:
// dT/dt = HeaterPower*duty/100 - LossCoefficient*(T - AmbientTemperature).
type SimParams struct {
	AmbientTemperature float64
	InitialTemperature float64
	HeaterPower        float64 // degrees per second at 100% duty
	LossCoefficient    float64 // 1/s, 0 for no loss
	TimeScale          float64 // simulated seconds per wall-clock second, 0 means 1
}

func (p *SimParams) Validate() error {
	if p.LossCoefficient < 0 {
		return ErrNegativeLossCoefficient
	}
	return nil
}

// SimOven is a simulated heater and thermocouple sharing one thermal state.
// It implements Sensor, Actuator and Switch (the light).
type SimOven struct {
	mu     sync.Mutex
	params SimParams
	temp   float64
	duty   float64
	light  bool
	last   time.Time
	now    func() time.Time
}

func NewSimOven(params SimParams, now func() time.Time) (*SimOven, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if params.TimeScale <= 0 {
		params.TimeScale = 1
	}
	if now == nil {
		now = time.Now
	}
	return &SimOven{
		params: params,
		temp:   params.InitialTemperature,
		now:    now,
		last:   now(),
	}, nil
}

// DeltaTemperature is the change over dt at the given temperature and duty.
func (s *SimOven) DeltaTemperature(temp, duty float64, dt time.Duration) float64 {
	heat := s.params.HeaterPower * duty / 100
	loss := s.params.LossCoefficient * (temp - s.params.AmbientTemperature)
	return (heat - loss) * dt.Seconds()
}

// Step advances the model by dt of simulated time.
func (s *SimOven) Step(dt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step(dt)
}

func (s *SimOven) step(dt time.Duration) {
	// integrate in 100ms slices to stay stable for large dt
	const slice = 100 * time.Millisecond
	for dt > 0 {
		d := min(dt, slice)
		s.temp += s.DeltaTemperature(s.temp, s.duty, d)
		dt -= d
	}
}

func (s *SimOven) advance() {
	now := s.now()
	elapsed := now.Sub(s.last)
	s.last = now
	if elapsed > 0 {
		s.step(time.Duration(float64(elapsed) * s.params.TimeScale))
	}
}

func (s *SimOven) ReadRaw(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return s.temp, nil
}

func (s *SimOven) SetDuty(ctx context.Context, percent float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	if math.IsNaN(percent) {
		percent = 0
	}
	s.duty = math.Max(0, math.Min(100, percent))
	return nil
}

func (s *SimOven) SetOn(ctx context.Context, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.light = on
	return nil
}

func (s *SimOven) Temperature() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.temp
}

func (s *SimOven) Duty() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duty
}

func (s *SimOven) LightOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.light
}

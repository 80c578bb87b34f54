package device

import (
	"testing"
	"time"
)

func TestSimParamsValidate(t *testing.T) {
	p := SimParams{LossCoefficient: -1}
	if err := p.Validate(); err != ErrNegativeLossCoefficient {
		t.Errorf("got %v, want %v", err, ErrNegativeLossCoefficient)
	}
	p.LossCoefficient = 0.01
	if err := p.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSimDeltaTemperature(t *testing.T) {
	tests := []struct {
		name string
		temp float64
		duty float64
		want func(float64) bool
	}{
		{name: "Cools towards ambient when off", temp: 300, duty: 0, want: func(d float64) bool { return d < 0 }},
		{name: "Heats at full duty", temp: 70, duty: 100, want: func(d float64) bool { return d > 0 }},
		{name: "Stable at ambient when off", temp: 70, duty: 0, want: func(d float64) bool { return d == 0 }},
	}
	sim, err := NewSimOven(SimParams{AmbientTemperature: 70, HeaterPower: 5, LossCoefficient: 0.01}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sim.DeltaTemperature(tt.temp, tt.duty, time.Second)
			if !tt.want(got) {
				t.Errorf("unexpected delta %v", got)
			}
		})
	}
}

func TestSimOvenFollowsClock(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	sim, err := NewSimOven(SimParams{AmbientTemperature: 70, InitialTemperature: 70, HeaterPower: 2}, clock)
	if err != nil {
		t.Fatal(err)
	}

	if err := sim.SetDuty(t.Context(), 150); err != nil {
		t.Fatal(err)
	}
	if sim.Duty() != 100 {
		t.Errorf("duty not clamped: %v", sim.Duty())
	}

	now = now.Add(10 * time.Second)
	got, _ := sim.ReadRaw(t.Context())
	if got < 89.9 || got > 90.1 {
		t.Errorf("temperature = %v, want ~90", got)
	}

	if err := sim.SetOn(t.Context(), true); err != nil || !sim.LightOn() {
		t.Error("light did not switch on")
	}
}

package oven

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/Agrid-Dev/thermoven/internal/device"
)

type AutoTuneParams struct {
	Duration       time.Duration // upper bound of the experiment
	SampleInterval time.Duration
	Hysteresis     float64 // relay band half-width, degrees
	RelayAmplitude float64 // h, half of the actuator swing
}

func DefaultAutoTuneParams() AutoTuneParams {
	return AutoTuneParams{
		Duration:       300 * time.Second,
		SampleInterval: 500 * time.Millisecond,
		Hysteresis:     2.0,
		RelayAmplitude: 50.0,
	}
}

var ErrInvalidAutoTuneParams = errors.New("auto-tune duration, sample interval, hysteresis and relay amplitude must be positive")

func (p *AutoTuneParams) Validate() error {
	if p.Duration <= 0 || p.SampleInterval <= 0 || p.Hysteresis <= 0 || p.RelayAmplitude <= 0 {
		return ErrInvalidAutoTuneParams
	}
	return nil
}

// SwitchEvent is one relay transition.
type SwitchEvent struct {
	At          time.Time
	Temperature float64
	On          bool
}

type AutoTuneResult struct {
	Gains     Gains
	Tu        float64 // seconds
	Amplitude float64
	Ku        float64
	Switches  []SwitchEvent
	// Fallback is set when DefaultGains were returned instead of tuned ones.
	Fallback error
}

// AutoTuner runs a relay-feedback experiment and derives PID gains with the
// Ziegler-Nichols closed-loop rules (Ti = Tu/2, Td = Tu/8).
type AutoTuner struct {
	params AutoTuneParams
	read   func(context.Context) (float64, error)
	heater device.Actuator
	now    func() time.Time
	log    *slog.Logger
}

func NewAutoTuner(params AutoTuneParams, read func(context.Context) (float64, error), heater device.Actuator, log *slog.Logger) (*AutoTuner, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &AutoTuner{
		params: params,
		read:   read,
		heater: heater,
		now:    time.Now,
		log:    log.With("component", "autotune"),
	}, nil
}

// Run drives the heater fully on or off around setpoint until the duration
// elapses or ctx is canceled. The heater is left at 0% on every return path.
// A canceled run returns ctx.Err() and no gains.
func (a *AutoTuner) Run(ctx context.Context, setpoint float64) (AutoTuneResult, error) {
	defer a.heaterOff()

	h := a.params.Hysteresis
	heating := false
	if t, err := a.read(ctx); err == nil && t < setpoint {
		heating = true
	}
	a.drive(ctx, heating)

	start := a.now()
	deadline := start.Add(a.params.Duration)
	a.log.Info("relay experiment started", "setpoint", setpoint, "duration", a.params.Duration, "heating", heating)

	var switches []SwitchEvent
	ticker := time.NewTicker(a.params.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.log.Warn("relay experiment aborted", "switches", len(switches))
			return AutoTuneResult{Switches: switches}, ctx.Err()
		case <-ticker.C:
		}

		now := a.now()
		if !now.Before(deadline) {
			break
		}

		t, err := a.read(ctx)
		if err != nil {
			a.log.Warn("sample skipped", "err", err)
			continue
		}

		switch {
		case heating && t > setpoint+h:
			heating = false
			switches = append(switches, SwitchEvent{At: now, Temperature: t, On: false})
			a.log.Debug("relay off", "temperature", t)
		case !heating && t < setpoint-h:
			heating = true
			switches = append(switches, SwitchEvent{At: now, Temperature: t, On: true})
			a.log.Debug("relay on", "temperature", t)
		}
		a.drive(ctx, heating)
	}

	res := AnalyzeRelay(switches, a.params.RelayAmplitude)
	if res.Fallback != nil {
		a.log.Warn("using default gains", "reason", res.Fallback, "switches", len(switches))
	} else {
		a.log.Info("relay experiment complete", "Tu", res.Tu, "A", res.Amplitude, "Ku", res.Ku, "gains", res.Gains.String())
	}
	return res, nil
}

func (a *AutoTuner) drive(ctx context.Context, on bool) {
	duty := DutyMin
	if on {
		duty = DutyMax
	}
	if err := a.heater.SetDuty(ctx, duty); err != nil {
		a.log.Error("heater write failed", "duty", duty, "err", err)
	}
}

func (a *AutoTuner) heaterOff() {
	// ctx may already be canceled; the zero write must still go out.
	if err := a.heater.SetDuty(context.Background(), DutyMin); err != nil {
		a.log.Error("heater off failed", "err", err)
	}
}

// AnalyzeRelay turns recorded switch events into gains. Too few events or a
// flat response yields DefaultGains with Fallback set.
func AnalyzeRelay(switches []SwitchEvent, relayAmplitude float64) AutoTuneResult {
	res := AutoTuneResult{Gains: DefaultGains, Switches: switches}

	// a like-phase period needs switch i and i-2
	if len(switches) < 3 {
		res.Fallback = ErrInsufficientOscillation
		return res
	}

	var sum float64
	n := 0
	for i := 2; i < len(switches); i += 2 {
		sum += switches[i].At.Sub(switches[i-2].At).Seconds()
		n++
	}
	tu := sum / float64(n)

	lo, hi := switches[0].Temperature, switches[0].Temperature
	for _, s := range switches[1:] {
		lo = math.Min(lo, s.Temperature)
		hi = math.Max(hi, s.Temperature)
	}
	amp := (hi - lo) / 2.0
	res.Tu = tu
	res.Amplitude = amp

	if amp == 0 || math.IsNaN(amp) {
		res.Fallback = ErrDegenerateAmplitude
		return res
	}
	if tu <= 0 {
		res.Fallback = ErrInsufficientOscillation
		return res
	}

	ku := 4 * relayAmplitude / (math.Pi * amp)
	kp := 0.6 * ku
	ti := 0.5 * tu
	td := 0.125 * tu
	g := Gains{Kp: kp, Ki: kp / ti, Kd: kp * td}
	res.Ku = ku

	if err := g.Validate(); err != nil {
		res.Fallback = err
		return res
	}
	res.Gains = g
	return res
}

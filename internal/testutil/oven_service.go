package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/Agrid-Dev/thermoven/internal/oven"
)

var ErrUnknownCycle = errors.New("unknown cycle")

// FakeOvenService is a reusable fake implementing ports.OvenService and
// ports.HistoryService. Put ONLY what multiple test packages need here.
type FakeOvenService struct {
	mu sync.Mutex
	S  oven.Snapshot

	SetTargetCalled bool
	SetTargetArg    float64
	SetTargetErr    error

	ToggleHeatingCalls int
	SetHeatingCalled   bool
	SetHeatingArg      bool

	StartAutoTuneCalled bool
	StartAutoTuneErr    error
	AbortAutoTuneCalled bool
	Report              *oven.AutoTuneReport

	SetTimerCalled bool
	SetTimerArg    float64
	SetTimerErr    error

	ToggleTimerCalls   int
	SetTimerRunningArg *bool
	ToggleLightCalls   int
	SetLightArg        *bool

	SetGainsArg *oven.Gains
	SetGainsErr error

	CalibrateArgs [2]float64
	CalibrateErr  error

	CyclesList []oven.Cycle
	ReadingMap map[string][]oven.Reading
}

func NewFakeOvenService() *FakeOvenService {
	return &FakeOvenService{
		S: oven.Snapshot{
			TargetTemperature: 350,
			SetpointMin:       100,
			SetpointMax:       550,
			Gains:             oven.Gains{Kp: 10, Ki: 5, Kd: 1},
			Calibration:       oven.Identity,
			Temperature:       72.5,
			TemperatureValid:  true,
		},
		ReadingMap: map[string][]oven.Reading{},
	}
}

func (f *FakeOvenService) Get() oven.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.S
}

// Update runs fn under the lock, for tests that change the fake while a
// server goroutine is using it.
func (f *FakeOvenService) Update(fn func(f *FakeOvenService)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// Set replaces the snapshot under the lock.
func (f *FakeOvenService) Set(s oven.Snapshot) {
	f.mu.Lock()
	f.S = s
	f.mu.Unlock()
}

func (f *FakeOvenService) SetTargetTemperature(v float64) (oven.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SetTargetCalled = true
	f.SetTargetArg = v
	if f.SetTargetErr != nil {
		return f.S, f.SetTargetErr
	}
	f.S.TargetTemperature = v
	return f.S, nil
}

func (f *FakeOvenService) ToggleHeating() oven.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ToggleHeatingCalls++
	f.S.OvenOn = !f.S.OvenOn
	return f.S
}

func (f *FakeOvenService) SetHeating(on bool) oven.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SetHeatingCalled = true
	f.SetHeatingArg = on
	f.S.OvenOn = on
	return f.S
}

func (f *FakeOvenService) StartAutoTune() (oven.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StartAutoTuneCalled = true
	if f.StartAutoTuneErr != nil {
		return f.S, f.StartAutoTuneErr
	}
	f.S.Tuning = true
	return f.S, nil
}

func (f *FakeOvenService) AbortAutoTune() oven.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AbortAutoTuneCalled = true
	f.S.Tuning = false
	return f.S
}

func (f *FakeOvenService) LastAutoTune() (oven.AutoTuneReport, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Report == nil {
		return oven.AutoTuneReport{}, false
	}
	return *f.Report, true
}

func (f *FakeOvenService) SetTimer(seconds float64) (oven.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SetTimerCalled = true
	f.SetTimerArg = seconds
	if f.SetTimerErr != nil {
		return f.S, f.SetTimerErr
	}
	f.S.TimeRemaining = seconds
	f.S.TimerRunning = false
	return f.S, nil
}

func (f *FakeOvenService) ToggleTimer() oven.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ToggleTimerCalls++
	f.S.TimerRunning = !f.S.TimerRunning
	return f.S
}

func (f *FakeOvenService) SetTimerRunning(run bool) oven.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SetTimerRunningArg = &run
	f.S.TimerRunning = run
	return f.S
}

func (f *FakeOvenService) ToggleLight() oven.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ToggleLightCalls++
	f.S.LightOn = !f.S.LightOn
	return f.S
}

func (f *FakeOvenService) SetLight(on bool) oven.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SetLightArg = &on
	f.S.LightOn = on
	return f.S
}

func (f *FakeOvenService) SetGains(g oven.Gains) (oven.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SetGainsArg = &g
	if f.SetGainsErr != nil {
		return f.S, f.SetGainsErr
	}
	f.S.Gains = g
	return f.S, nil
}

func (f *FakeOvenService) Calibrate(rawIce, rawBoiling float64) (oven.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CalibrateArgs = [2]float64{rawIce, rawBoiling}
	if f.CalibrateErr != nil {
		return f.S, f.CalibrateErr
	}
	c, err := oven.ComputeCalibration(rawIce, rawBoiling, oven.IcePointF, oven.BoilingPointF)
	if err != nil {
		return f.S, err
	}
	f.S.Calibration = c
	return f.S, nil
}

func (f *FakeOvenService) Cycles(ctx context.Context) ([]oven.Cycle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.CyclesList, nil
}

func (f *FakeOvenService) Readings(ctx context.Context, id string) ([]oven.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rs, ok := f.ReadingMap[id]
	if !ok {
		return nil, ErrUnknownCycle
	}
	return rs, nil
}

// Calls returns a copy of the fake under the lock, for assertions.
func (f *FakeOvenService) Calls() FakeOvenService {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FakeOvenService{
		S:                   f.S,
		SetTargetCalled:     f.SetTargetCalled,
		SetTargetArg:        f.SetTargetArg,
		ToggleHeatingCalls:  f.ToggleHeatingCalls,
		SetHeatingCalled:    f.SetHeatingCalled,
		SetHeatingArg:       f.SetHeatingArg,
		StartAutoTuneCalled: f.StartAutoTuneCalled,
		AbortAutoTuneCalled: f.AbortAutoTuneCalled,
		SetTimerCalled:      f.SetTimerCalled,
		SetTimerArg:         f.SetTimerArg,
		ToggleTimerCalls:    f.ToggleTimerCalls,
		SetTimerRunningArg:  f.SetTimerRunningArg,
		ToggleLightCalls:    f.ToggleLightCalls,
		SetLightArg:         f.SetLightArg,
		SetGainsArg:         f.SetGainsArg,
		CalibrateArgs:       f.CalibrateArgs,
	}
}

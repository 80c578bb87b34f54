package oven

import (
	"context"
	"errors"
	"io/fs"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Agrid-Dev/thermoven/internal/device"
)

type memMirror struct {
	mu      sync.Mutex
	ps      PersistedState
	saves   int
	loadErr error
	saveErr error
}

func (m *memMirror) Load() (PersistedState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ps, m.loadErr
}

func (m *memMirror) Save(ps PersistedState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.ps = ps
	return nil
}

func (m *memMirror) state() PersistedState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ps
}

type ovenFixture struct {
	oven   *Oven
	sensor *device.FakeSensor
	heater *device.FakeActuator
	light  *device.FakeSwitch
	store  *fakeStore
	mirror *memMirror
}

func testParams() Params {
	p := DefaultParams()
	p.TickInterval = 5 * time.Millisecond
	p.TimerInterval = 5 * time.Millisecond
	p.Gains = Gains{Kp: 1}
	p.AutoTune = fastTuneParams()
	return p
}

func newTestOven(t *testing.T, mutate func(*Params, *Deps)) *ovenFixture {
	t.Helper()
	f := &ovenFixture{
		sensor: device.NewFakeSensor(300),
		heater: &device.FakeActuator{},
		light:  &device.FakeSwitch{},
		store:  newFakeStore(),
		mirror: &memMirror{loadErr: fs.ErrNotExist},
	}
	p := testParams()
	d := Deps{Sensor: f.sensor, Heater: f.heater, Light: f.light, Store: f.store, Mirror: f.mirror}
	if mutate != nil {
		mutate(&p, &d)
	}
	o, err := New(p, d)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.oven = o

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := o.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
		want   error
	}{
		{"Min above max", func(p *Params) { p.SetpointMin = 600 }, ErrInvalidSetpointLimits},
		{"Target out of range", func(p *Params) { p.TargetTemperature = 50 }, ErrSetpointOutOfRange},
		{"Negative gains", func(p *Params) { p.Gains.Ki = -1 }, ErrInvalidGains},
		{"Zero scale", func(p *Params) { p.Calibration.Scale = 0 }, ErrInvalidCalibration},
		{"Zero tick", func(p *Params) { p.TickInterval = 0 }, ErrInvalidInterval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testParams()
			tt.mutate(&p)
			_, err := New(p, Deps{Sensor: device.NewFakeSensor(1), Heater: &device.FakeActuator{}, Store: newFakeStore()})
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := New(testParams(), Deps{}); !errors.Is(err, ErrMissingDependency) {
		t.Errorf("got %v, want ErrMissingDependency", err)
	}
}

func TestHeatingCycle(t *testing.T) {
	f := newTestOven(t, nil)
	o := f.oven

	s := o.ToggleHeating()
	if !s.OvenOn || s.CycleID == "" {
		t.Fatalf("after toggle on: %+v", s)
	}
	waitFor(t, "readings", func() bool { return f.store.readingCount() >= 3 })

	// target 350, measured 300, Kp 1
	if d := o.Get().Duty; d != 50 {
		t.Errorf("duty = %v, want 50", d)
	}
	if tmp := o.Get(); !tmp.TemperatureValid || tmp.Temperature != 300 {
		t.Errorf("temperature = %v (valid %v)", tmp.Temperature, tmp.TemperatureValid)
	}

	s = o.ToggleHeating()
	if s.OvenOn || s.CycleID != "" {
		t.Fatalf("after toggle off: %+v", s)
	}
	if f.heater.Last() != 0 {
		t.Errorf("heater left at %v", f.heater.Last())
	}
	if f.store.openCount() != 0 {
		t.Error("cycle left open")
	}
	if o.sched.Running() {
		t.Error("control run still active")
	}
	if f.mirror.state().OvenOn != s.OvenOn {
		t.Error("mirror not updated")
	}
}

func TestHeatingOffObservedWithinTick(t *testing.T) {
	f := newTestOven(t, nil)
	o := f.oven
	o.SetHeating(true)
	waitFor(t, "first tick", func() bool { return f.sensor.Reads() > 0 })

	// flip the flag behind the scheduler's back; the run must notice on its own
	o.mu.Lock()
	o.s.OvenOn = false
	o.mu.Unlock()
	waitFor(t, "run to exit", func() bool { return !o.sched.Running() })
	if f.heater.Last() != 0 {
		t.Errorf("heater left at %v", f.heater.Last())
	}
}

func TestConcurrentToggles(t *testing.T) {
	f := newTestOven(t, nil)
	o := f.oven

	var violations atomic.Int32
	stop := make(chan struct{})
	watcher := make(chan struct{})
	go func() {
		defer close(watcher)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if f.store.openCount() > 1 {
				violations.Add(1)
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				o.ToggleHeating()
			}
		}()
	}
	wg.Wait()
	close(stop)
	<-watcher

	if v := violations.Load(); v > 0 {
		t.Errorf("observed more than one open cycle %d times", v)
	}
	if p := o.sched.PeakActive(); p > 1 {
		t.Errorf("peak concurrent control runs = %d, want <= 1", p)
	}
	// 1000 toggles from off ends off
	s := o.Get()
	if s.OvenOn || f.store.openCount() != 0 {
		t.Errorf("end state on=%v open=%d, want off with no open cycle", s.OvenOn, f.store.openCount())
	}
}

func TestSensorFailureHoldsDuty(t *testing.T) {
	f := newTestOven(t, nil)
	f.sensor.Func = func(n int) (float64, error) {
		if n < 2 {
			return 300, nil
		}
		return 0, errors.New("spi read failed")
	}
	o := f.oven
	o.SetHeating(true)
	waitFor(t, "failing reads", func() bool { return f.sensor.Reads() >= 6 })

	s := o.Get()
	if s.TemperatureValid {
		t.Error("temperature still reported valid")
	}
	if s.Duty != 50 {
		t.Errorf("duty = %v, want last good duty 50", s.Duty)
	}
	for _, d := range f.heater.Duties() {
		if d != 50 && d != 0 {
			t.Errorf("unexpected duty %v written", d)
		}
	}
	if !o.sched.Running() {
		t.Error("control loop exited on a sensor error")
	}
}

func TestActuatorFaultKeepsLoopRunning(t *testing.T) {
	f := newTestOven(t, nil)
	f.heater.SetErr(errors.New("relay stuck"))
	o := f.oven
	o.SetHeating(true)
	waitFor(t, "several ticks", func() bool { return f.sensor.Reads() >= 4 })
	if !o.sched.Running() {
		t.Error("control loop exited on an actuator fault")
	}
	f.heater.SetErr(nil)
	o.SetHeating(false)
	if f.heater.Last() != 0 {
		t.Errorf("heater left at %v", f.heater.Last())
	}
}

func TestAutoTuneThroughOven(t *testing.T) {
	f := newTestOven(t, func(p *Params, d *Deps) {
		p.AutoTune.Duration = 300 * time.Millisecond
	})
	f.sensor.SetSamples(349)
	o := f.oven

	s, err := o.StartAutoTune()
	if err != nil {
		t.Fatal(err)
	}
	if !s.Tuning {
		t.Error("tuning flag not set")
	}
	if _, err := o.StartAutoTune(); !errors.Is(err, ErrAutoTuneRunning) {
		t.Errorf("got %v, want ErrAutoTuneRunning", err)
	}
	if err := o.WaitAutoTune(t.Context()); err != nil {
		t.Fatal(err)
	}

	s = o.Get()
	if s.Tuning || s.Gains != DefaultGains {
		t.Errorf("after tune: tuning=%v gains=%v", s.Tuning, s.Gains)
	}
	if f.heater.Last() != 0 {
		t.Errorf("heater left at %v", f.heater.Last())
	}
	rep, ok := o.LastAutoTune()
	if !ok || !errors.Is(rep.Result.Fallback, ErrInsufficientOscillation) {
		t.Errorf("report = %+v", rep)
	}
	if g := f.mirror.state().Gains; g.Kp != DefaultGains.Kp || g.Ki != DefaultGains.Ki {
		t.Errorf("tuned gains not persisted: %+v", g)
	}
}

func TestAutoTuneExcludesControlRun(t *testing.T) {
	f := newTestOven(t, func(p *Params, d *Deps) {
		p.AutoTune.Duration = 300 * time.Millisecond
	})
	o := f.oven
	o.SetHeating(true)
	waitFor(t, "control run", func() bool { return o.sched.Running() })

	if _, err := o.StartAutoTune(); err != nil {
		t.Fatal(err)
	}
	if o.sched.Running() {
		t.Fatal("control run active during auto-tune")
	}
	// heating-on requests while tuning must not start a run
	o.SetHeating(true)
	if o.sched.Start() || o.sched.Running() {
		t.Fatal("scheduler started while tuning")
	}

	if err := o.WaitAutoTune(t.Context()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "control to resume", func() bool { return o.sched.Running() })
	if p := o.sched.PeakActive(); p > 1 {
		t.Errorf("peak runs %d", p)
	}
}

func TestHeatingOffAbortsAutoTune(t *testing.T) {
	f := newTestOven(t, func(p *Params, d *Deps) {
		p.AutoTune.Duration = time.Hour
	})
	o := f.oven
	o.SetHeating(true)
	before := o.Get().Gains
	if _, err := o.StartAutoTune(); err != nil {
		t.Fatal(err)
	}
	o.SetHeating(false)

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	if err := o.WaitAutoTune(ctx); err != nil {
		t.Fatalf("auto-tune not aborted: %v", err)
	}
	rep, _ := o.LastAutoTune()
	if !errors.Is(rep.Err, context.Canceled) {
		t.Errorf("report err = %v, want context.Canceled", rep.Err)
	}
	if got := o.Get(); got.Gains != before || got.Tuning {
		t.Errorf("aborted tune changed state: %+v", got)
	}
	if f.heater.Last() != 0 {
		t.Errorf("heater left at %v", f.heater.Last())
	}
	if o.sched.Running() {
		t.Error("control resumed with heating off")
	}
}

func TestCalibrationAppliedOnce(t *testing.T) {
	f := newTestOven(t, nil)
	o := f.oven
	if _, err := o.Calibrate(35, 206); err != nil {
		t.Fatal(err)
	}
	f.sensor.SetSamples(206)
	got, err := o.readTemperature(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if !almostEqual(got, 212, 1e-9) {
		t.Errorf("calibrated = %v, want 212", got)
	}
	raw, _ := o.ReadRaw(t.Context())
	if raw != 206 {
		t.Errorf("raw = %v, want 206", raw)
	}
	if c := f.mirror.state().Calibration; c.Scale == 1 {
		t.Error("calibration not persisted")
	}

	if _, err := o.Calibrate(50, 50); !errors.Is(err, ErrInvalidCalibration) {
		t.Errorf("got %v, want ErrInvalidCalibration", err)
	}
}

func TestSetTargetTemperature(t *testing.T) {
	f := newTestOven(t, nil)
	o := f.oven
	s, err := o.SetTargetTemperature(400)
	if err != nil || s.TargetTemperature != 400 {
		t.Fatalf("got %v, %v", s.TargetTemperature, err)
	}
	if f.mirror.state().TargetTemperature != 400 {
		t.Error("target not persisted")
	}
	for _, v := range []float64{10, 1000, math.NaN()} {
		if _, err := o.SetTargetTemperature(v); !errors.Is(err, ErrSetpointOutOfRange) {
			t.Errorf("SetTargetTemperature(%v) = %v, want ErrSetpointOutOfRange", v, err)
		}
	}
	if o.Get().TargetTemperature != 400 {
		t.Error("rejected value was applied")
	}
}

func TestTimerThroughOven(t *testing.T) {
	clock := newFakeClock()
	f := newTestOven(t, func(p *Params, d *Deps) {
		p.TimerInterval = time.Hour
		d.Now = clock.Now
	})
	o := f.oven

	s, err := o.SetTimer(120)
	if err != nil {
		t.Fatal(err)
	}
	if s.TimerRunning || s.TimeRemaining != 120 {
		t.Fatalf("after set: %+v", s)
	}
	s = o.ToggleTimer()
	if !s.TimerRunning {
		t.Fatal("timer not running after toggle")
	}
	clock.Advance(30 * time.Second)
	o.timer.Tick()
	if s := o.Get(); !almostEqual(s.TimeRemaining, 90, 1) {
		t.Errorf("remaining = %v, want ~90", s.TimeRemaining)
	}
	if ps := f.mirror.state(); !ps.TimerRunning || !almostEqual(ps.TimeRemaining, 90, 1) {
		t.Errorf("tick not persisted: %+v", ps)
	}
	if s := o.SetTimerRunning(false); s.TimerRunning {
		t.Error("timer still running")
	}
	if o.Get().OvenOn {
		t.Error("timer changed heating state")
	}
}

func TestLight(t *testing.T) {
	f := newTestOven(t, nil)
	o := f.oven
	if s := o.ToggleLight(); !s.LightOn || !f.light.On() {
		t.Error("light not on")
	}
	if !f.mirror.state().LightOn {
		t.Error("light not persisted")
	}
	if s := o.SetLight(false); s.LightOn || f.light.On() {
		t.Error("light not off")
	}
}

func TestRestoreFromMirror(t *testing.T) {
	persisted := PersistedState{
		TargetTemperature: 425,
		OvenOn:            true,
		LightOn:           true,
		Gains:             GainsRecord{Kp: 3, Ki: 0.2, Kd: 0.1},
		Calibration:       CalibRecord{Offset: 1, Scale: 1.01},
		TimerRunning:      false,
		TimeRemaining:     600,
	}

	for _, resume := range []bool{false, true} {
		f := newTestOven(t, func(p *Params, d *Deps) {
			p.ResumeHeating = resume
			d.Mirror = &memMirror{ps: persisted}
		})
		o := f.oven
		s := o.Get()
		if s.TargetTemperature != 425 || s.Gains != (Gains{Kp: 3, Ki: 0.2, Kd: 0.1}) || s.TimeRemaining != 600 {
			t.Errorf("state not restored: %+v", s)
		}
		waitFor(t, "light restore", func() bool { return f.light.On() })
		if resume {
			waitFor(t, "heating to resume", func() bool { return o.Get().OvenOn && o.Get().CycleID != "" })
		} else if o.Get().OvenOn {
			t.Error("heating resumed without resume_heating")
		}
	}
}

func TestRestoreIgnoresInvalidValues(t *testing.T) {
	f := newTestOven(t, func(p *Params, d *Deps) {
		d.Mirror = &memMirror{ps: PersistedState{
			TargetTemperature: 9000,
			Gains:             GainsRecord{Kp: -1},
			Calibration:       CalibRecord{Scale: 0},
		}}
	})
	s := f.oven.Get()
	def := testParams()
	if s.TargetTemperature != def.TargetTemperature || s.Gains != def.Gains || s.Calibration != def.Calibration {
		t.Errorf("invalid persisted values applied: %+v", s)
	}
}

func TestPersistenceFailureIsNotFatal(t *testing.T) {
	f := newTestOven(t, nil)
	f.mirror.mu.Lock()
	f.mirror.saveErr = errors.New("disk full")
	f.mirror.mu.Unlock()
	s, err := f.oven.SetTargetTemperature(360)
	if err != nil || s.TargetTemperature != 360 {
		t.Errorf("in-memory state should win: %v, %v", s.TargetTemperature, err)
	}
}

func TestCloseStopsEverything(t *testing.T) {
	f := newTestOven(t, nil)
	o := f.oven
	o.SetHeating(true)
	waitFor(t, "first reading", func() bool { return f.store.readingCount() > 0 })

	if err := o.Close(); err != nil {
		t.Fatal(err)
	}
	if f.store.openCount() != 0 {
		t.Error("cycle left open after Close")
	}
	if f.heater.Last() != 0 {
		t.Errorf("heater left at %v", f.heater.Last())
	}
	if o.sched.Running() {
		t.Error("control run survived Close")
	}
	o.ToggleHeating()
	if o.sched.Running() || f.store.openCount() != 0 {
		t.Error("heating restarted after Close")
	}
	if _, err := o.StartAutoTune(); !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
}

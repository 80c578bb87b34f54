// Package oven is the control core of the oven: PID loop, relay auto-tune,
// heating cycles and the countdown timer, all hanging off one Oven value.
package oven

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Agrid-Dev/thermoven/internal/device"
)

type Params struct {
	SetpointMin float64
	SetpointMax float64

	TickInterval  time.Duration // control loop period
	TimerInterval time.Duration // countdown tick period
	IntegralLimit float64
	IOTimeout     time.Duration // bound on every sensor/actuator call

	AutoTune AutoTuneParams
	Cycles   CycleParams

	// ResumeHeating turns heating back on at startup when the persisted
	// state says it was on.
	ResumeHeating bool

	// Used when no persisted state exists.
	TargetTemperature float64
	Gains             Gains
	Calibration       Calibration
}

func DefaultParams() Params {
	return Params{
		SetpointMin:       100,
		SetpointMax:       550,
		TickInterval:      time.Second,
		TimerInterval:     time.Second,
		IntegralLimit:     DefaultIntegralLimit,
		IOTimeout:         device.DefaultTimeout,
		AutoTune:          DefaultAutoTuneParams(),
		Cycles:            DefaultCycleParams(),
		TargetTemperature: 350,
		Gains:             Gains{Kp: 10, Ki: 5, Kd: 1},
		Calibration:       Identity,
	}
}

func (p *Params) Validate() error {
	if p.SetpointMin > p.SetpointMax || !finite(p.SetpointMin) || !finite(p.SetpointMax) {
		return ErrInvalidSetpointLimits
	}
	if !finite(p.TargetTemperature) || p.TargetTemperature < p.SetpointMin || p.TargetTemperature > p.SetpointMax {
		return ErrSetpointOutOfRange
	}
	if p.TickInterval <= 0 || p.TimerInterval <= 0 {
		return ErrInvalidInterval
	}
	if err := p.Gains.Validate(); err != nil {
		return err
	}
	if err := p.Calibration.Validate(); err != nil {
		return err
	}
	return p.AutoTune.Validate()
}

// Deps are the collaborators of an Oven. Light, Mirror, Logger and Now are
// optional.
type Deps struct {
	Sensor device.Sensor
	Heater device.Actuator
	Light  device.Switch
	Store  CycleStore
	Mirror StateMirror
	Logger *slog.Logger
	Now    func() time.Time
}

// AutoTuneReport is the outcome of the most recent auto-tune run.
type AutoTuneReport struct {
	Result   AutoTuneResult
	Err      error // context error when the run was aborted
	Finished time.Time
}

// Oven owns the shared control state and coordinates the control loop,
// auto-tune, cycles and timer. Lock order: transition, persistMu, then mu or
// the timer lock. No lock is held across device or store calls except
// transition.
type Oven struct {
	params Params
	sensor device.Sensor
	heater device.Actuator
	light  device.Switch
	mirror StateMirror
	log    *slog.Logger
	now    func() time.Time

	timer  *Timer
	cycles *CycleCoordinator
	sched  *Scheduler

	mu       sync.Mutex
	s        ControlState
	lastTune *AutoTuneReport

	// transition serializes heating on/off, auto-tune start/finish and Close.
	transition sync.Mutex
	tuneCancel context.CancelFunc
	tuneDone   chan struct{}
	closed     bool
	resume     bool

	persistMu sync.Mutex
	lightMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func New(p Params, d Deps) (*Oven, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if d.Sensor == nil || d.Heater == nil || d.Store == nil {
		return nil, ErrMissingDependency
	}
	if p.Cycles.WriteTimeout <= 0 {
		p.Cycles.WriteTimeout = DefaultCycleParams().WriteTimeout
	}
	if d.Light == nil {
		d.Light = device.NopSwitch{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	o := &Oven{
		params: p,
		sensor: device.NewBoundedSensor(d.Sensor, p.IOTimeout),
		heater: device.NewBoundedActuator(d.Heater, p.IOTimeout),
		light:  device.NewBoundedSwitch(d.Light, p.IOTimeout),
		mirror: d.Mirror,
		log:    d.Logger.With("component", "oven"),
		now:    d.Now,
		s: ControlState{
			TargetTemperature: p.TargetTemperature,
			Gains:             p.Gains,
			Calibration:       p.Calibration,
		},
	}
	o.timer = NewTimer(d.Now)
	o.cycles = NewCycleCoordinator(d.Store, p.Cycles, d.Logger)
	o.sched = NewScheduler(o.control, o.canStartControl)

	if d.Mirror != nil {
		ps, err := d.Mirror.Load()
		switch {
		case errors.Is(err, fs.ErrNotExist):
			o.log.Info("no persisted state, starting from defaults")
		case err != nil:
			o.log.Warn("state mirror unreadable, starting from defaults", "err", err)
		default:
			o.restore(ps)
		}
	}

	o.timer.OnExpire(func() { o.log.Info("timer expired") })
	o.timer.OnChange(o.persist)
	return o, nil
}

func (o *Oven) restore(ps PersistedState) {
	if finite(ps.TargetTemperature) && ps.TargetTemperature >= o.params.SetpointMin && ps.TargetTemperature <= o.params.SetpointMax {
		o.s.TargetTemperature = ps.TargetTemperature
	} else {
		o.log.Warn("ignoring persisted target temperature", "value", ps.TargetTemperature)
	}

	g := Gains{Kp: ps.Gains.Kp, Ki: ps.Gains.Ki, Kd: ps.Gains.Kd}
	if g.Validate() == nil {
		o.s.Gains = g
	} else {
		o.log.Warn("ignoring persisted gains", "gains", g.String())
	}

	c := Calibration{Offset: ps.Calibration.Offset, Scale: ps.Calibration.Scale}
	if c.Validate() == nil {
		o.s.Calibration = c
	} else {
		o.log.Warn("ignoring persisted calibration", "offset", c.Offset, "scale", c.Scale)
	}

	o.s.LightOn = ps.LightOn
	o.resume = ps.OvenOn && o.params.ResumeHeating
	if ps.OvenOn && !o.params.ResumeHeating {
		o.log.Info("heating was on at shutdown, leaving it off")
	}
	o.timer.Restore(TimerState{Running: ps.TimerRunning, Remaining: ps.TimeRemaining})
}

// Run drives the light to its restored state, resumes heating when
// configured, then runs the timer and the reading writer until ctx is done.
// The oven is closed on return.
func (o *Oven) Run(ctx context.Context) error {
	o.mu.Lock()
	light := o.s.LightOn
	o.mu.Unlock()
	if err := o.light.SetOn(ctx, light); err != nil {
		o.log.Error("light write failed", "err", err)
	}

	o.transition.Lock()
	if o.resume && !o.closed {
		o.resume = false
		o.setHeatingLocked(true)
	}
	o.transition.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.timer.Run(gctx, o.params.TimerInterval) })
	g.Go(func() error { return o.cycles.Run(gctx) })
	err := g.Wait()

	if cerr := o.Close(); cerr != nil {
		o.log.Error("close failed", "err", cerr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close aborts auto-tune, stops the control loop, drives the heater to zero
// and closes the open cycle. The persisted on/off flag is left as is.
func (o *Oven) Close() error {
	o.closeOnce.Do(func() {
		o.transition.Lock()
		o.closed = true
		if o.tuneCancel != nil {
			o.tuneCancel()
		}
		done := o.tuneDone
		o.transition.Unlock()
		if done != nil {
			<-done
		}

		o.transition.Lock()
		defer o.transition.Unlock()
		o.sched.Stop()

		ctx, cancel := o.ioContext()
		defer cancel()
		var errs []error
		if err := o.heater.SetDuty(ctx, DutyMin); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrActuatorFault, err))
		}
		if err := o.cycles.HeatingOff(ctx, o.now()); err != nil {
			errs = append(errs, err)
		}
		o.closeErr = errors.Join(errs...)
		o.log.Info("oven closed")
	})
	return o.closeErr
}

func (o *Oven) Get() Snapshot {
	o.mu.Lock()
	s := o.s
	o.mu.Unlock()
	t := o.timer.State()

	return Snapshot{
		TargetTemperature: s.TargetTemperature,
		SetpointMin:       o.params.SetpointMin,
		SetpointMax:       o.params.SetpointMax,
		OvenOn:            s.OvenOn,
		LightOn:           s.LightOn,
		Tuning:            s.Tuning,
		Gains:             s.Gains,
		Calibration:       s.Calibration,
		Temperature:       s.Temperature,
		TemperatureValid:  s.TemperatureValid,
		Duty:              s.Duty,
		TimerRunning:      t.Running,
		TimeRemaining:     t.Remaining,
		CycleID:           o.cycles.OpenID(),
	}
}

func (o *Oven) SetTargetTemperature(sp float64) (Snapshot, error) {
	if !finite(sp) || sp < o.params.SetpointMin || sp > o.params.SetpointMax {
		return o.Get(), ErrSetpointOutOfRange
	}
	o.mu.Lock()
	o.s.TargetTemperature = sp
	o.mu.Unlock()
	o.persist()
	return o.Get(), nil
}

func (o *Oven) ToggleHeating() Snapshot {
	o.transition.Lock()
	defer o.transition.Unlock()

	o.mu.Lock()
	on := !o.s.OvenOn
	o.mu.Unlock()
	o.setHeatingLocked(on)
	return o.Get()
}

func (o *Oven) SetHeating(on bool) Snapshot {
	o.transition.Lock()
	defer o.transition.Unlock()
	o.setHeatingLocked(on)
	return o.Get()
}

// setHeatingLocked must be called with transition held.
func (o *Oven) setHeatingLocked(on bool) {
	if o.closed {
		o.log.Warn("oven closed, ignoring heating change", "on", on)
		return
	}
	o.mu.Lock()
	was := o.s.OvenOn
	o.s.OvenOn = on
	o.mu.Unlock()
	if was == on {
		return
	}

	ctx, cancel := o.ioContext()
	defer cancel()
	now := o.now()

	if on {
		if err := o.cycles.HeatingOn(ctx, now); err != nil {
			if errors.Is(err, ErrDoubleCycleOpen) {
				o.log.Warn("heating on with a cycle already open", "err", err)
			} else {
				o.log.Error("cycle not opened", "err", err)
			}
		}
		// reap a run that saw the flag go off and is still winding down
		o.sched.Stop()
		o.sched.Start()
		o.log.Info("heating on", "target", o.Get().TargetTemperature)
	} else {
		o.abortTuneLocked()
		o.sched.Stop()
		if err := o.heater.SetDuty(ctx, DutyMin); err != nil {
			o.log.Error("heater off failed", "err", fmt.Errorf("%w: %w", ErrActuatorFault, err))
		}
		if err := o.cycles.HeatingOff(ctx, now); err != nil {
			o.log.Error("cycle not closed", "err", err)
		}
		o.log.Info("heating off")
	}
	o.persist()
}

// StartAutoTune runs the relay experiment in the background around the
// current target. The control loop is suspended until it finishes.
func (o *Oven) StartAutoTune() (Snapshot, error) {
	o.transition.Lock()
	defer o.transition.Unlock()

	if o.closed {
		return o.Get(), ErrClosed
	}
	tuner, err := NewAutoTuner(o.params.AutoTune, o.readTemperature, o.heater, o.log)
	if err != nil {
		return o.Get(), err
	}

	o.mu.Lock()
	if o.s.Tuning {
		o.mu.Unlock()
		return o.Get(), ErrAutoTuneRunning
	}
	o.s.Tuning = true
	sp := o.s.TargetTemperature
	o.mu.Unlock()

	o.sched.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	o.tuneCancel = cancel
	o.tuneDone = done
	go o.runAutoTune(ctx, tuner, sp, done)

	return o.Get(), nil
}

func (o *Oven) runAutoTune(ctx context.Context, tuner *AutoTuner, sp float64, done chan struct{}) {
	defer close(done)
	res, err := tuner.Run(ctx, sp)

	o.transition.Lock()
	defer o.transition.Unlock()

	if o.tuneDone == done {
		o.tuneCancel()
		o.tuneCancel = nil
		o.tuneDone = nil
	}

	o.mu.Lock()
	o.s.Tuning = false
	if err == nil {
		o.s.Gains = res.Gains
	}
	o.lastTune = &AutoTuneReport{Result: res, Err: err, Finished: o.now()}
	on := o.s.OvenOn
	o.mu.Unlock()

	if err == nil {
		o.persist()
	}
	if on && !o.closed {
		o.sched.Start()
	}
}

// AbortAutoTune cancels a running experiment. The heater is zeroed by the
// experiment itself as it unwinds.
func (o *Oven) AbortAutoTune() Snapshot {
	o.transition.Lock()
	defer o.transition.Unlock()
	o.abortTuneLocked()
	return o.Get()
}

func (o *Oven) abortTuneLocked() {
	if o.tuneCancel != nil {
		o.log.Info("aborting auto-tune")
		o.tuneCancel()
	}
}

// WaitAutoTune blocks until the running experiment, if any, has finished.
func (o *Oven) WaitAutoTune(ctx context.Context) error {
	o.transition.Lock()
	done := o.tuneDone
	o.transition.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Oven) LastAutoTune() (AutoTuneReport, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastTune == nil {
		return AutoTuneReport{}, false
	}
	return *o.lastTune, true
}

func (o *Oven) SetGains(g Gains) (Snapshot, error) {
	if err := g.Validate(); err != nil {
		return o.Get(), err
	}
	o.mu.Lock()
	o.s.Gains = g
	o.mu.Unlock()
	o.persist()
	return o.Get(), nil
}

// SetTimer arms the countdown with seconds remaining. It does not start it.
func (o *Oven) SetTimer(seconds float64) (Snapshot, error) {
	if err := o.timer.Set(seconds); err != nil {
		return o.Get(), err
	}
	o.persist()
	return o.Get(), nil
}

func (o *Oven) ToggleTimer() Snapshot {
	o.timer.Toggle()
	o.persist()
	return o.Get()
}

func (o *Oven) SetTimerRunning(run bool) Snapshot {
	o.timer.SetRunning(run)
	o.persist()
	return o.Get()
}

func (o *Oven) ToggleLight() Snapshot {
	o.lightMu.Lock()
	defer o.lightMu.Unlock()
	o.mu.Lock()
	on := !o.s.LightOn
	o.mu.Unlock()
	o.setLightLocked(on)
	return o.Get()
}

func (o *Oven) SetLight(on bool) Snapshot {
	o.lightMu.Lock()
	defer o.lightMu.Unlock()
	o.setLightLocked(on)
	return o.Get()
}

func (o *Oven) setLightLocked(on bool) {
	ctx, cancel := o.ioContext()
	defer cancel()
	if err := o.light.SetOn(ctx, on); err != nil {
		o.log.Error("light write failed", "on", on, "err", err)
		return
	}
	o.mu.Lock()
	o.s.LightOn = on
	o.mu.Unlock()
	o.persist()
}

// Calibrate derives the calibration from raw readings taken in ice water and
// in boiling water.
func (o *Oven) Calibrate(rawIce, rawBoiling float64) (Snapshot, error) {
	c, err := ComputeCalibration(rawIce, rawBoiling, IcePointF, BoilingPointF)
	if err != nil {
		return o.Get(), err
	}
	return o.SetCalibration(c)
}

func (o *Oven) SetCalibration(c Calibration) (Snapshot, error) {
	if err := c.Validate(); err != nil {
		return o.Get(), err
	}
	o.mu.Lock()
	o.s.Calibration = c
	o.mu.Unlock()
	o.log.Info("calibration updated", "offset", c.Offset, "scale", c.Scale)
	o.persist()
	return o.Get(), nil
}

// ReadRaw returns an uncalibrated sample, for calibration procedures.
func (o *Oven) ReadRaw(ctx context.Context) (float64, error) {
	v, err := o.sensor.ReadRaw(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSensorUnavailable, err)
	}
	return v, nil
}

func (o *Oven) Cycles(ctx context.Context) ([]Cycle, error) {
	return o.cycles.Cycles(ctx)
}

func (o *Oven) Readings(ctx context.Context, cycleID string) ([]Reading, error) {
	return o.cycles.Readings(ctx, cycleID)
}

// readTemperature is the one place calibration is applied.
func (o *Oven) readTemperature(ctx context.Context) (float64, error) {
	raw, err := o.sensor.ReadRaw(ctx)
	if err == nil && !finite(raw) {
		err = fmt.Errorf("non-finite sample %v", raw)
	}
	if err != nil {
		o.mu.Lock()
		o.s.TemperatureValid = false
		o.mu.Unlock()
		return 0, fmt.Errorf("%w: %w", ErrSensorUnavailable, err)
	}

	o.mu.Lock()
	t := o.s.Calibration.Apply(raw)
	o.s.Temperature = t
	o.s.TemperatureValid = true
	o.mu.Unlock()
	return t, nil
}

func (o *Oven) canStartControl() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.s.OvenOn && !o.s.Tuning
}

// control is the body of one control run. PID memory lives and dies with it.
func (o *Oven) control(ctx context.Context) {
	o.mu.Lock()
	pid := NewPID(o.s.Gains, o.params.IntegralLimit)
	o.mu.Unlock()
	pid.Reset(o.now())

	log := o.log.With("run", o.sched.Starts())
	log.Debug("control run started")

	defer func() {
		wctx, cancel := o.ioContext()
		defer cancel()
		if err := o.heater.SetDuty(wctx, DutyMin); err != nil {
			log.Error("heater off failed", "err", fmt.Errorf("%w: %w", ErrActuatorFault, err))
		}
		o.mu.Lock()
		o.s.Duty = DutyMin
		o.mu.Unlock()
		log.Debug("control run stopped")
	}()

	ticker := time.NewTicker(o.params.TickInterval)
	defer ticker.Stop()

	duty := DutyMin
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !o.tick(ctx, pid, &duty, log) {
			return
		}
	}
}

// tick runs one control step. It reports false when the run should end.
func (o *Oven) tick(ctx context.Context, pid *PID, duty *float64, log *slog.Logger) bool {
	o.mu.Lock()
	on, tuning := o.s.OvenOn, o.s.Tuning
	sp, gains := o.s.TargetTemperature, o.s.Gains
	o.mu.Unlock()
	if !on || tuning {
		return false
	}
	pid.SetGains(gains)

	now := o.now()
	temp, err := o.readTemperature(ctx)
	if err != nil {
		// hold the last duty and keep the controller memory as it was
		log.Warn("sample skipped", "err", err, "duty", *duty)
	} else {
		out := pid.Update(sp, temp, now)
		*duty = out.Duty
		log.Debug("tick", "temperature", temp, "target", sp, "duty", out.Duty, "p", out.P, "i", out.I, "d", out.D)
	}

	if werr := o.heater.SetDuty(ctx, *duty); werr != nil {
		if ctx.Err() != nil {
			return false
		}
		log.Error("heater write failed", "duty", *duty, "err", fmt.Errorf("%w: %w", ErrActuatorFault, werr))
	}
	o.mu.Lock()
	o.s.Duty = *duty
	o.mu.Unlock()

	if err == nil {
		o.cycles.Record(Reading{Timestamp: now, Measured: temp, Setpoint: sp})
	}
	return true
}

// persist mirrors the current state synchronously. Failures are logged; the
// in-memory state stays authoritative.
func (o *Oven) persist() {
	if o.mirror == nil {
		return
	}
	o.persistMu.Lock()
	defer o.persistMu.Unlock()

	o.mu.Lock()
	s := o.s
	o.mu.Unlock()
	t := o.timer.State()

	ps := PersistedState{
		TargetTemperature: s.TargetTemperature,
		OvenOn:            s.OvenOn,
		LightOn:           s.LightOn,
		Gains:             GainsRecord{Kp: s.Gains.Kp, Ki: s.Gains.Ki, Kd: s.Gains.Kd},
		Calibration:       CalibRecord{Offset: s.Calibration.Offset, Scale: s.Calibration.Scale},
		TimerRunning:      t.Running,
		TimeRemaining:     t.Remaining,
	}
	if err := o.mirror.Save(ps); err != nil {
		o.log.Error("persist failed", "err", fmt.Errorf("%w: %w", ErrPersistenceWrite, err))
	}
}

func (o *Oven) ioContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), o.params.Cycles.WriteTimeout)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

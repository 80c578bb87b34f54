package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Agrid-Dev/thermoven/internal/device"
	"github.com/Agrid-Dev/thermoven/internal/history/memory"
	"github.com/Agrid-Dev/thermoven/internal/history/sqlite"
	"github.com/Agrid-Dev/thermoven/internal/oven"
	"github.com/Agrid-Dev/thermoven/internal/persist"
)

// Runtime is an assembled oven with the resources it owns.
type Runtime struct {
	Oven   *oven.Oven
	Device *device.Device
	Sim    *device.SimOven // nil on real hardware

	closers []io.Closer
}

type buildOptions struct {
	noMirror bool
}

// Build opens the device, history and state mirror described by cfg and
// creates the oven. The caller must Close the runtime.
func Build(cfg Config, log *slog.Logger) (*Runtime, error) {
	return build(cfg, log, buildOptions{})
}

func build(cfg Config, log *slog.Logger, opts buildOptions) (_ *Runtime, err error) {
	rt := &Runtime{}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	dev, sim, err := openDevice(cfg, log)
	if err != nil {
		return nil, err
	}
	rt.Device, rt.Sim = dev, sim
	rt.closers = append(rt.closers, dev)

	store, err := openHistory(cfg.History)
	if err != nil {
		return nil, err
	}
	if c, ok := store.(io.Closer); ok {
		rt.closers = append(rt.closers, c)
	}

	var mirror oven.StateMirror
	if cfg.State.Path != "" && !opts.noMirror {
		mirror = persist.NewFile(cfg.State.Path)
	}

	o, err := oven.New(cfg.OvenParams(), oven.Deps{
		Sensor: dev.Sensor,
		Heater: dev.Heater,
		Light:  dev.Light,
		Store:  store,
		Mirror: mirror,
		Logger: log,
	})
	if err != nil {
		return nil, err
	}
	rt.Oven = o
	return rt, nil
}

// Close shuts the oven down, then releases history and device resources.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.Oven != nil {
		if err := rt.Oven.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func openDevice(cfg Config, log *slog.Logger) (*device.Device, *device.SimOven, error) {
	if !cfg.Hardware.Enabled {
		sim, err := device.NewSimOven(cfg.SimParams(), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("simulator: %w", err)
		}
		log.Info("using simulated oven", "ambient", cfg.Simulator.AmbientTemperature, "time_scale", cfg.Simulator.TimeScale)
		return device.New(cfg.DeviceID, sim, sim, sim), sim, nil
	}

	h := cfg.Hardware
	spi, err := device.OpenSPIDev(h.SPIDevice, h.SPISpeedHz)
	if err != nil {
		return nil, nil, fmt.Errorf("thermocouple: %w", err)
	}
	sensor := device.NewMAX31855(spi)

	heater, err := device.NewGPIOHeater(h.GPIOChip, h.HeaterLine, h.PWMPeriod)
	if err != nil {
		sensor.Close()
		return nil, nil, fmt.Errorf("heater: %w", err)
	}

	var light device.Switch = device.NopSwitch{}
	closers := []io.Closer{sensor, heater}
	if h.LightLine >= 0 {
		sw, err := device.NewGPIOSwitch(h.GPIOChip, h.LightLine)
		if err != nil {
			heater.Close()
			sensor.Close()
			return nil, nil, fmt.Errorf("light: %w", err)
		}
		light = sw
		closers = append(closers, sw)
	}
	log.Info("using hardware", "spi", h.SPIDevice, "chip", h.GPIOChip, "heater_line", h.HeaterLine, "light_line", h.LightLine)
	return device.New(cfg.DeviceID, sensor, heater, light, closers...), nil, nil
}

func openHistory(cfg HistoryConfig) (oven.CycleStore, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		s, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownHistory, cfg.Driver)
}

// NewLogger returns a text logger at the configured level.
func NewLogger(level string, w io.Writer) (*slog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stderr
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

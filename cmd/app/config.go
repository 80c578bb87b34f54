package app

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/Agrid-Dev/thermoven/internal/device"
	"github.com/Agrid-Dev/thermoven/internal/oven"
)

// EnvPrefix is stripped from environment variables before envKeyTransform.
const EnvPrefix = "THERMOVEN_"

type Config struct {
	DeviceID    string            `koanf:"device_id" yaml:"device_id"`
	LogLevel    string            `koanf:"log_level" yaml:"log_level"`
	Controllers ControllersConfig `koanf:"controllers" yaml:"controllers"`

	Oven        OvenConfig        `koanf:"oven" yaml:"oven"`
	PID         PIDConfig         `koanf:"pid" yaml:"pid"`
	Calibration CalibrationConfig `koanf:"calibration" yaml:"calibration"`
	AutoTune    AutoTuneConfig    `koanf:"autotune" yaml:"autotune"`
	History     HistoryConfig     `koanf:"history" yaml:"history"`
	State       StateConfig       `koanf:"state" yaml:"state"`
	Hardware    HardwareConfig    `koanf:"hardware" yaml:"hardware"`
	Simulator   SimulatorConfig   `koanf:"simulator" yaml:"simulator"`
}

type ControllersConfig struct {
	HTTP   HTTPConfig   `koanf:"http" yaml:"http"`
	MQTT   MQTTConfig   `koanf:"mqtt" yaml:"mqtt"`
	MODBUS ModbusConfig `koanf:"modbus" yaml:"modbus"`
}

type HTTPConfig struct {
	Enabled      bool          `koanf:"enabled" yaml:"enabled"`
	Addr         string        `koanf:"addr" yaml:"addr"`
	PushInterval time.Duration `koanf:"push_interval" yaml:"push_interval"`
}

type MQTTConfig struct {
	Enabled         bool          `koanf:"enabled" yaml:"enabled"`
	BrokerURL       string        `koanf:"broker_url" yaml:"broker_url"`
	ClientID        string        `koanf:"client_id" yaml:"client_id"`
	BaseTopic       string        `koanf:"base_topic" yaml:"base_topic"`
	QoS             byte          `koanf:"qos" yaml:"qos"`
	RetainSnapshot  bool          `koanf:"retain_snapshot" yaml:"retain_snapshot"`
	PublishInterval time.Duration `koanf:"publish_interval" yaml:"publish_interval"`
	Username        string        `koanf:"username" yaml:"username"`
	Password        string        `koanf:"password" yaml:"password"`
}

type ModbusConfig struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Addr    string `koanf:"addr" yaml:"addr"`
	UnitID  byte   `koanf:"unit_id" yaml:"unit_id"`
}

type OvenConfig struct {
	TargetTemperature float64       `koanf:"target_temperature" yaml:"target_temperature"`
	SetpointMin       float64       `koanf:"target_temperature_min" yaml:"target_temperature_min"`
	SetpointMax       float64       `koanf:"target_temperature_max" yaml:"target_temperature_max"`
	TickInterval      time.Duration `koanf:"tick_interval" yaml:"tick_interval"`
	TimerInterval     time.Duration `koanf:"timer_interval" yaml:"timer_interval"`
	IntegralLimit     float64       `koanf:"integral_limit" yaml:"integral_limit"`
	IOTimeout         time.Duration `koanf:"io_timeout" yaml:"io_timeout"`
	ResumeHeating     bool          `koanf:"resume_heating" yaml:"resume_heating"`
}

type PIDConfig struct {
	Kp float64 `koanf:"kp" yaml:"kp"`
	Ki float64 `koanf:"ki" yaml:"ki"`
	Kd float64 `koanf:"kd" yaml:"kd"`
}

type CalibrationConfig struct {
	Offset float64 `koanf:"offset" yaml:"offset"`
	Scale  float64 `koanf:"scale" yaml:"scale"`
}

type AutoTuneConfig struct {
	Duration       time.Duration `koanf:"duration" yaml:"duration"`
	SampleInterval time.Duration `koanf:"sample_interval" yaml:"sample_interval"`
	Hysteresis     float64       `koanf:"hysteresis" yaml:"hysteresis"`
	RelayAmplitude float64       `koanf:"relay_amplitude" yaml:"relay_amplitude"`
}

type HistoryConfig struct {
	Driver     string `koanf:"driver" yaml:"driver"` // "sqlite" | "memory"
	Path       string `koanf:"path" yaml:"path"`
	KeepCycles int    `koanf:"keep_cycles" yaml:"keep_cycles"`
	QueueSize  int    `koanf:"queue_size" yaml:"queue_size"`
}

type StateConfig struct {
	Path string `koanf:"path" yaml:"path"` // empty disables persistence
}

type HardwareConfig struct {
	Enabled    bool          `koanf:"enabled" yaml:"enabled"`
	GPIOChip   string        `koanf:"gpio_chip" yaml:"gpio_chip"`
	HeaterLine int           `koanf:"heater_line" yaml:"heater_line"`
	LightLine  int           `koanf:"light_line" yaml:"light_line"` // negative when no light is wired
	PWMPeriod  time.Duration `koanf:"pwm_period" yaml:"pwm_period"`
	SPIDevice  string        `koanf:"spi_device" yaml:"spi_device"`
	SPISpeedHz int           `koanf:"spi_speed_hz" yaml:"spi_speed_hz"`
}

type SimulatorConfig struct {
	AmbientTemperature float64 `koanf:"ambient_temperature" yaml:"ambient_temperature"`
	InitialTemperature float64 `koanf:"initial_temperature" yaml:"initial_temperature"`
	HeaterPower        float64 `koanf:"heater_power" yaml:"heater_power"`
	LossCoefficient    float64 `koanf:"loss_coefficient" yaml:"loss_coefficient"`
	TimeScale          float64 `koanf:"time_scale" yaml:"time_scale"`
}

// Default is the configuration used when neither a file nor the environment
// says otherwise.
func Default() Config {
	p := oven.DefaultParams()
	return Config{
		DeviceID: "default",
		LogLevel: "info",
		Controllers: ControllersConfig{
			HTTP: HTTPConfig{Addr: ":8080", PushInterval: time.Second},
			MQTT: MQTTConfig{
				BrokerURL:       "tcp://localhost:1883",
				PublishInterval: time.Second,
			},
			MODBUS: ModbusConfig{Addr: "127.0.0.1:1502", UnitID: 1},
		},
		Oven: OvenConfig{
			TargetTemperature: p.TargetTemperature,
			SetpointMin:       p.SetpointMin,
			SetpointMax:       p.SetpointMax,
			TickInterval:      p.TickInterval,
			TimerInterval:     p.TimerInterval,
			IntegralLimit:     p.IntegralLimit,
			IOTimeout:         p.IOTimeout,
		},
		PID:         PIDConfig{Kp: p.Gains.Kp, Ki: p.Gains.Ki, Kd: p.Gains.Kd},
		Calibration: CalibrationConfig{Offset: p.Calibration.Offset, Scale: p.Calibration.Scale},
		AutoTune: AutoTuneConfig{
			Duration:       p.AutoTune.Duration,
			SampleInterval: p.AutoTune.SampleInterval,
			Hysteresis:     p.AutoTune.Hysteresis,
			RelayAmplitude: p.AutoTune.RelayAmplitude,
		},
		History: HistoryConfig{
			Driver:     "sqlite",
			Path:       "thermoven.db",
			KeepCycles: p.Cycles.KeepCycles,
			QueueSize:  p.Cycles.QueueSize,
		},
		State: StateConfig{Path: "thermoven-state.json"},
		Hardware: HardwareConfig{
			GPIOChip:   "gpiochip0",
			HeaterLine: 17,
			LightLine:  -1,
			PWMPeriod:  device.DefaultPWMPeriod,
			SPIDevice:  "/dev/spidev0.0",
			SPISpeedHz: 1_000_000,
		},
		Simulator: SimulatorConfig{
			AmbientTemperature: 70,
			InitialTemperature: 70,
			HeaterPower:        2.0,
			LossCoefficient:    0.004,
			TimeScale:          1,
		},
	}
}

// LoadConfig layers defaults, the config file at path and THERMOVEN_*
// environment variables. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := loadFile(k, path); err != nil {
			return Config{}, err
		}
	}

	err := k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return envKeyTransform(strings.TrimPrefix(key, EnvPrefix)), value
		},
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(k *koanf.Koanf, path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Config file missing → use defaults
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var parser koanf.Parser
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config extension %q", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.DeviceID == "" {
		cfg.DeviceID = "default"
	}
	// Explicit addr preferred, else support PORT (common in containers).
	if _, ok := os.LookupEnv(EnvPrefix + "CONTROLLERS_HTTP_ADDR"); !ok {
		if v := os.Getenv("PORT"); v != "" {
			cfg.Controllers.HTTP.Addr = ":" + v
		}
	}
	c := &cfg.Controllers
	if !c.HTTP.Enabled && !c.MQTT.Enabled && !c.MODBUS.Enabled {
		c.HTTP.Enabled = true
	}
}

// envKeyTransform maps an environment variable name (prefix removed) to a
// koanf key: CONTROLLERS_HTTP_ADDR → controllers.http.addr,
// PID_KP → pid.kp, DEVICE_ID → device_id.
func envKeyTransform(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	parts := strings.Split(s, "_")

	if parts[0] == "controllers" {
		if len(parts) < 3 {
			return strings.Join(parts, "_")
		}
		return "controllers." + parts[1] + "." + strings.Join(parts[2:], "_")
	}

	for _, section := range configSections {
		if len(parts) > 1 && parts[0] == section {
			return section + "." + strings.Join(parts[1:], "_")
		}
	}
	return s
}

var configSections = []string{
	"oven", "pid", "calibration", "autotune", "history", "state", "hardware", "simulator",
}

var (
	ErrMissingDeviceID    = errors.New("config: device_id is required")
	ErrUnknownLogLevel    = errors.New("config: log_level must be debug, info, warn or error")
	ErrUnknownHistory     = errors.New("config: history.driver must be sqlite or memory")
	ErrInvalidHistory     = errors.New("config: history.keep_cycles and history.queue_size must be positive")
	ErrInvalidModbusUnit  = errors.New("config: controllers.modbus.unit_id must be 1..247")
	ErrInvalidMQTTQoS     = errors.New("config: controllers.mqtt.qos must be 0 or 1")
	ErrIncompleteHardware = errors.New("config: hardware needs gpio_chip, spi_device and a heater_line >= 0")
)

// Validate rejects configurations the oven could not run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DeviceID) == "" {
		return ErrMissingDeviceID
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.History.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownHistory, c.History.Driver)
	}
	if c.History.KeepCycles <= 0 || c.History.QueueSize <= 0 {
		return ErrInvalidHistory
	}
	if c.Controllers.MODBUS.Enabled && (c.Controllers.MODBUS.UnitID == 0 || c.Controllers.MODBUS.UnitID > 247) {
		return ErrInvalidModbusUnit
	}
	if c.Controllers.MQTT.QoS > 1 {
		return ErrInvalidMQTTQoS
	}
	if c.Hardware.Enabled {
		h := c.Hardware
		if h.GPIOChip == "" || h.SPIDevice == "" || h.HeaterLine < 0 {
			return ErrIncompleteHardware
		}
	} else {
		sp := c.SimParams()
		if err := sp.Validate(); err != nil {
			return err
		}
	}
	p := c.OvenParams()
	if err := p.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (c Config) OvenParams() oven.Params {
	p := oven.DefaultParams()
	p.SetpointMin = c.Oven.SetpointMin
	p.SetpointMax = c.Oven.SetpointMax
	p.TargetTemperature = c.Oven.TargetTemperature
	p.TickInterval = c.Oven.TickInterval
	p.TimerInterval = c.Oven.TimerInterval
	p.IntegralLimit = c.Oven.IntegralLimit
	p.IOTimeout = c.Oven.IOTimeout
	p.ResumeHeating = c.Oven.ResumeHeating
	p.Gains = oven.Gains{Kp: c.PID.Kp, Ki: c.PID.Ki, Kd: c.PID.Kd}
	p.Calibration = oven.Calibration{Offset: c.Calibration.Offset, Scale: c.Calibration.Scale}
	p.AutoTune = oven.AutoTuneParams{
		Duration:       c.AutoTune.Duration,
		SampleInterval: c.AutoTune.SampleInterval,
		Hysteresis:     c.AutoTune.Hysteresis,
		RelayAmplitude: c.AutoTune.RelayAmplitude,
	}
	p.Cycles.KeepCycles = c.History.KeepCycles
	p.Cycles.QueueSize = c.History.QueueSize
	return p
}

func (c Config) SimParams() device.SimParams {
	return device.SimParams{
		AmbientTemperature: c.Simulator.AmbientTemperature,
		InitialTemperature: c.Simulator.InitialTemperature,
		HeaterPower:        c.Simulator.HeaterPower,
		LossCoefficient:    c.Simulator.LossCoefficient,
		TimeScale:          c.Simulator.TimeScale,
	}
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("%w: %q", ErrUnknownLogLevel, s)
}

package mqttctrl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Agrid-Dev/thermoven/internal/oven"
	"github.com/Agrid-Dev/thermoven/internal/ports"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type Config struct {
	// Identity
	DeviceID string

	// MQTT connection
	BrokerURL string
	ClientID  string

	// Topics
	BaseTopic string

	// Behavior
	QoS             byte
	RetainSnapshot  bool
	PublishInterval time.Duration

	Username string
	Password string

	Logger *slog.Logger
}

type Controller struct {
	svc ports.OvenService
	cfg Config
	log *slog.Logger

	client mqtt.Client
}

func New(svc ports.OvenService, cfg Config) (*Controller, error) {
	// ---- defaults ----

	if cfg.BrokerURL == "" {
		cfg.BrokerURL = "tcp://localhost:1883"
	}

	if cfg.DeviceID == "" {
		return nil, errors.New("mqtt: DeviceID is required")
	}
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "thermoven/" + cfg.DeviceID
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "thermoven-" + cfg.DeviceID
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = 1 * time.Second
	}
	if cfg.QoS > 1 {
		return nil, errors.New("mqtt: QoS must be 0 or 1")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		svc: svc,
		cfg: cfg,
		log: log.With("component", "mqtt"),
	}, nil
}

func (c *Controller) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(c.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	// Subscribe when connected/reconnected.
	opts.OnConnect = func(cl mqtt.Client) {
		token := cl.SubscribeMultiple(map[string]byte{
			c.topic("set/+"):    c.cfg.QoS,
			c.topic("toggle/+"): c.cfg.QoS,
		}, c.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			c.log.Error("subscribe failed", "err", err)
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.log.Warn("connection lost", "err", err)
	}

	c.client = mqtt.NewClient(opts)
	tok := c.client.Connect()
	tok.Wait()
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.log.Info("connected", "broker", c.cfg.BrokerURL, "base_topic", c.cfg.BaseTopic)

	// Publish loop: publish snapshot on interval, and only when changed.
	ticker := time.NewTicker(c.cfg.PublishInterval)
	defer ticker.Stop()

	last := c.publishSnapshot()

	for {
		select {
		case <-ctx.Done():
			c.client.Disconnect(250)
			return ctx.Err()

		case <-ticker.C:
			if cur := c.svc.Get(); cur != last {
				last = c.publishSnapshot()
			}
		}
	}
}

func (c *Controller) publishSnapshot() oven.Snapshot {
	s := c.svc.Get()
	dto := snapshotDTO{
		OvenOn:            s.OvenOn,
		TargetTemperature: s.TargetTemperature,
		SetpointMin:       s.SetpointMin,
		SetpointMax:       s.SetpointMax,
		Duty:              s.Duty,
		LightOn:           s.LightOn,
		AutoTuneRunning:   s.Tuning,
		TimerRunning:      s.TimerRunning,
		TimeRemaining:     s.TimeRemaining,
		Gains:             gainsDTO{Kp: s.Gains.Kp, Ki: s.Gains.Ki, Kd: s.Gains.Kd},
		CycleID:           s.CycleID,
	}
	if s.TemperatureValid {
		t := s.Temperature
		dto.CurrentTemperature = &t
	}
	b, _ := json.Marshal(dto)
	c.client.Publish(c.topic("snapshot"), c.cfg.QoS, c.cfg.RetainSnapshot, b)
	return s
}

type gainsDTO struct {
	Kp float64 `json:"kp"`
	Ki float64 `json:"ki"`
	Kd float64 `json:"kd"`
}

type snapshotDTO struct {
	OvenOn             bool     `json:"oven_on"`
	TargetTemperature  float64  `json:"target_temperature"`
	SetpointMin        float64  `json:"target_temperature_min"`
	SetpointMax        float64  `json:"target_temperature_max"`
	CurrentTemperature *float64 `json:"current_temperature"`
	Duty               float64  `json:"duty"`
	LightOn            bool     `json:"light_on"`
	AutoTuneRunning    bool     `json:"autotune_running"`
	TimerRunning       bool     `json:"timer_running"`
	TimeRemaining      float64  `json:"time_remaining"`
	Gains              gainsDTO `json:"pid"`
	CycleID            string   `json:"cycle_id,omitempty"`
}

type calibrationReq struct {
	RawIce     float64 `json:"raw_ice"`
	RawBoiling float64 `json:"raw_boiling"`
}

// Command payload format: {"value": ...}
type valueReq[T any] struct {
	Value *T `json:"value"`
}

func (c *Controller) onMessage(_ mqtt.Client, msg mqtt.Message) {
	// topic format: <base>/set/<field> or <base>/toggle/<field>
	t := msg.Topic()
	base := strings.TrimRight(c.cfg.BaseTopic, "/")
	switch {
	case strings.HasPrefix(t, base+"/set/"):
		c.handleSet(strings.TrimPrefix(t, base+"/set/"), msg.Payload())
	case strings.HasPrefix(t, base+"/toggle/"):
		c.handleToggle(strings.TrimPrefix(t, base+"/toggle/"))
	default:
		return
	}
	if c.client != nil {
		c.publishSnapshot()
	}
}

func (c *Controller) handleSet(field string, payload []byte) {
	var err error
	switch field {
	case "target_temperature":
		var v float64
		if v, err = decodeValueStrict[float64](payload); err == nil {
			_, err = c.svc.SetTargetTemperature(v)
		}

	case "power":
		var v bool
		if v, err = decodeValueStrict[bool](payload); err == nil {
			c.svc.SetHeating(v)
		}

	case "autotune":
		var v bool
		if v, err = decodeValueStrict[bool](payload); err == nil {
			if v {
				_, err = c.svc.StartAutoTune()
			} else {
				c.svc.AbortAutoTune()
			}
		}

	case "timer":
		var v float64
		if v, err = decodeValueStrict[float64](payload); err == nil {
			_, err = c.svc.SetTimer(v)
		}

	case "timer_running":
		var v bool
		if v, err = decodeValueStrict[bool](payload); err == nil {
			c.svc.SetTimerRunning(v)
		}

	case "light":
		var v bool
		if v, err = decodeValueStrict[bool](payload); err == nil {
			c.svc.SetLight(v)
		}

	case "gains":
		var v gainsDTO
		if v, err = decodeValueStrict[gainsDTO](payload); err == nil {
			_, err = c.svc.SetGains(oven.Gains{Kp: v.Kp, Ki: v.Ki, Kd: v.Kd})
		}

	case "calibration":
		var v calibrationReq
		if v, err = decodeValueStrict[calibrationReq](payload); err == nil {
			_, err = c.svc.Calibrate(v.RawIce, v.RawBoiling)
		}

	default:
		err = fmt.Errorf("unknown field %q", field)
	}
	if err != nil {
		c.log.Warn("command rejected", "field", field, "err", err)
	}
}

func (c *Controller) handleToggle(field string) {
	switch field {
	case "power":
		c.svc.ToggleHeating()
	case "timer":
		c.svc.ToggleTimer()
	case "light":
		c.svc.ToggleLight()
	default:
		c.log.Warn("unknown toggle", "field", field)
	}
}

func (c *Controller) topic(suffix string) string {
	return strings.TrimRight(c.cfg.BaseTopic, "/") + "/" + suffix
}

func decodeValueStrict[T any](b []byte) (T, error) {
	var zero T
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var req valueReq[T]
	if err := dec.Decode(&req); err != nil {
		return zero, err
	}
	if req.Value == nil {
		return zero, errors.New("missing field 'value'")
	}
	return *req.Value, nil
}

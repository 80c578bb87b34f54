package mqttctrl

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Agrid-Dev/thermoven/internal/oven"
	"github.com/Agrid-Dev/thermoven/internal/testutil"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type fakeToken struct {
	err  error
	done chan struct{}
}

func (t fakeToken) Done() <-chan struct{} {
	if t.done == nil {
		t.done = make(chan struct{})
		close(t.done)
	}
	return t.done
}

func (t fakeToken) Wait() bool                       { return true }
func (t fakeToken) WaitTimeout(_ time.Duration) bool { return true }
func (t fakeToken) Error() error                     { return t.err }

type publishCall struct {
	topic   string
	qos     byte
	retain  bool
	payload []byte
}

type fakeClient struct {
	publishes []publishCall
}

func (c *fakeClient) last(t *testing.T) map[string]any {
	t.Helper()
	if len(c.publishes) == 0 {
		t.Fatal("expected at least one publish")
	}
	var got map[string]any
	p := c.publishes[len(c.publishes)-1]
	if err := json.Unmarshal(p.payload, &got); err != nil {
		t.Fatalf("invalid published json: %v payload=%s", err, string(p.payload))
	}
	return got
}

func (c *fakeClient) IsConnected() bool      { return true }
func (c *fakeClient) IsConnectionOpen() bool { return true }
func (c *fakeClient) Connect() mqtt.Token    { return fakeToken{} }
func (c *fakeClient) Disconnect(_ uint)      {}
func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var b []byte
	switch v := payload.(type) {
	case []byte:
		b = append([]byte(nil), v...)
	case string:
		b = []byte(v)
	default:
		// shouldn't happen in our controller, but keep it safe
		tmp, _ := json.Marshal(v)
		b = tmp
	}
	c.publishes = append(c.publishes, publishCall{
		topic: topic, qos: qos, retain: retained, payload: b,
	})
	return fakeToken{}
}
func (c *fakeClient) Subscribe(_ string, _ byte, _ mqtt.MessageHandler) mqtt.Token {
	return fakeToken{}
}
func (c *fakeClient) SubscribeMultiple(_ map[string]byte, _ mqtt.MessageHandler) mqtt.Token {
	return fakeToken{}
}
func (c *fakeClient) Unsubscribe(_ ...string) mqtt.Token       { return fakeToken{} }
func (c *fakeClient) AddRoute(_ string, _ mqtt.MessageHandler) {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader  { return mqtt.ClientOptionsReader{} }

// ---- tests ----
func newDefaultSvc() *testutil.FakeOvenService {
	return testutil.NewFakeOvenService()
}

func newTestController(t *testing.T, svc *testutil.FakeOvenService) (*Controller, *fakeClient) {
	t.Helper()
	c, err := New(svc, Config{DeviceID: "kitchen"})
	if err != nil {
		t.Fatal(err)
	}
	fc := &fakeClient{}
	c.client = fc
	return c, fc
}

func send(c *Controller, topic, payload string) {
	c.onMessage(nil, fakeMessage{topic: topic, payload: []byte(payload)})
}

func TestNewDefaults(t *testing.T) {
	svc := newDefaultSvc()
	c, err := New(svc, Config{DeviceID: "kitchen"})
	if err != nil {
		t.Fatal(err)
	}

	if c.cfg.BrokerURL != "tcp://localhost:1883" {
		t.Fatalf("expected default BrokerURL, got %q", c.cfg.BrokerURL)
	}
	if c.cfg.BaseTopic != "thermoven/kitchen" {
		t.Fatalf("expected default BaseTopic, got %q", c.cfg.BaseTopic)
	}
	if c.cfg.ClientID != "thermoven-kitchen" {
		t.Fatalf("expected default ClientID, got %q", c.cfg.ClientID)
	}
	if c.cfg.PublishInterval != 1*time.Second {
		t.Fatalf("expected default PublishInterval, got %v", c.cfg.PublishInterval)
	}
}

func TestNewValidation(t *testing.T) {
	svc := newDefaultSvc()

	if _, err := New(svc, Config{}); err == nil {
		t.Fatal("expected error when DeviceID missing")
	}

	if _, err := New(svc, Config{DeviceID: "x", QoS: 2}); err == nil {
		t.Fatal("expected error when QoS > 1")
	}
}

func TestTopicJoin(t *testing.T) {
	svc := newDefaultSvc()
	c, err := New(svc, Config{DeviceID: "kitchen", BaseTopic: "thermoven/kitchen/"})
	if err != nil {
		t.Fatal(err)
	}
	if got := c.topic("snapshot"); got != "thermoven/kitchen/snapshot" {
		t.Fatalf("expected topic without double slashes, got %q", got)
	}
}

func TestDecodeValueStrict(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		v, err := decodeValueStrict[float64]([]byte(`{"value": 375.5}`))
		if err != nil {
			t.Fatal(err)
		}
		if v != 375.5 {
			t.Fatalf("expected 375.5, got %v", v)
		}
	})

	t.Run("missing value", func(t *testing.T) {
		_, err := decodeValueStrict[bool]([]byte(`{}`))
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		_, err := decodeValueStrict[bool]([]byte(`{"value":true,"extra":1}`))
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := decodeValueStrict[float64]([]byte(`{"value":`))
		if err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestOnMessage_IgnoresWrongPrefix(t *testing.T) {
	svc := newDefaultSvc()
	c, fc := newTestController(t, svc)

	send(c, "otherprefix/set/power", `{"value":true}`)

	if svc.SetHeatingCalled {
		t.Fatal("expected SetHeating not called")
	}
	if len(fc.publishes) != 0 {
		t.Fatalf("expected no publish for foreign topic, got %d", len(fc.publishes))
	}
}

func TestOnMessage_Power(t *testing.T) {
	svc := newDefaultSvc()
	c, fc := newTestController(t, svc)

	send(c, "thermoven/kitchen/set/power", `{"value":true}`)

	if !svc.SetHeatingCalled || !svc.SetHeatingArg {
		t.Fatalf("expected SetHeating(true), got called=%v arg=%v", svc.SetHeatingCalled, svc.SetHeatingArg)
	}
	if got := fc.last(t); got["oven_on"] != true {
		t.Fatalf("expected published oven_on=true, got %v", got["oven_on"])
	}
}

func TestOnMessage_TargetTemperature(t *testing.T) {
	svc := newDefaultSvc()
	c, _ := newTestController(t, svc)

	send(c, "thermoven/kitchen/set/target_temperature", `{"value":425}`)

	if !svc.SetTargetCalled || svc.SetTargetArg != 425 {
		t.Fatalf("expected SetTargetTemperature(425), got called=%v arg=%v", svc.SetTargetCalled, svc.SetTargetArg)
	}
}

func TestOnMessage_AutoTune(t *testing.T) {
	svc := newDefaultSvc()
	c, _ := newTestController(t, svc)

	send(c, "thermoven/kitchen/set/autotune", `{"value":true}`)
	if !svc.StartAutoTuneCalled {
		t.Fatal("expected StartAutoTune called")
	}

	send(c, "thermoven/kitchen/set/autotune", `{"value":false}`)
	if !svc.AbortAutoTuneCalled {
		t.Fatal("expected AbortAutoTune called")
	}
}

func TestOnMessage_Timer(t *testing.T) {
	svc := newDefaultSvc()
	c, fc := newTestController(t, svc)

	send(c, "thermoven/kitchen/set/timer", `{"value":900}`)
	if !svc.SetTimerCalled || svc.SetTimerArg != 900 {
		t.Fatalf("expected SetTimer(900), got called=%v arg=%v", svc.SetTimerCalled, svc.SetTimerArg)
	}

	send(c, "thermoven/kitchen/set/timer_running", `{"value":true}`)
	if svc.SetTimerRunningArg == nil || !*svc.SetTimerRunningArg {
		t.Fatalf("expected SetTimerRunning(true), got %v", svc.SetTimerRunningArg)
	}
	if got := fc.last(t); got["timer_running"] != true || got["time_remaining"] != 900.0 {
		t.Fatalf("unexpected published timer state %v", got)
	}
}

func TestOnMessage_Toggles(t *testing.T) {
	svc := newDefaultSvc()
	c, _ := newTestController(t, svc)

	send(c, "thermoven/kitchen/toggle/power", ``)
	send(c, "thermoven/kitchen/toggle/timer", ``)
	send(c, "thermoven/kitchen/toggle/light", ``)
	send(c, "thermoven/kitchen/toggle/light", ``)
	send(c, "thermoven/kitchen/toggle/fan", ``)

	if svc.ToggleHeatingCalls != 1 || svc.ToggleTimerCalls != 1 || svc.ToggleLightCalls != 2 {
		t.Fatalf("unexpected toggle counts heating=%d timer=%d light=%d",
			svc.ToggleHeatingCalls, svc.ToggleTimerCalls, svc.ToggleLightCalls)
	}
	if svc.S.LightOn {
		t.Fatal("expected light off after two toggles")
	}
}

func TestOnMessage_Gains(t *testing.T) {
	svc := newDefaultSvc()
	c, _ := newTestController(t, svc)

	send(c, "thermoven/kitchen/set/gains", `{"value":{"kp":3,"ki":0.2,"kd":0.1}}`)

	want := oven.Gains{Kp: 3, Ki: 0.2, Kd: 0.1}
	if svc.SetGainsArg == nil || *svc.SetGainsArg != want {
		t.Fatalf("expected SetGains(%v), got %v", want, svc.SetGainsArg)
	}
}

func TestOnMessage_Calibration(t *testing.T) {
	svc := newDefaultSvc()
	c, _ := newTestController(t, svc)

	send(c, "thermoven/kitchen/set/calibration", `{"value":{"raw_ice":30,"raw_boiling":215}}`)

	if svc.CalibrateArgs != [2]float64{30, 215} {
		t.Fatalf("expected Calibrate(30, 215), got %v", svc.CalibrateArgs)
	}
}

func TestOnMessage_InvalidPayload_DoesNotCallService(t *testing.T) {
	svc := newDefaultSvc()
	c, _ := newTestController(t, svc)

	send(c, "thermoven/kitchen/set/power", `{"value":"on"}`)
	send(c, "thermoven/kitchen/set/target_temperature", `{"target":300}`)

	if svc.SetHeatingCalled {
		t.Fatal("expected SetHeating not called")
	}
	if svc.SetTargetCalled {
		t.Fatal("expected SetTargetTemperature not called")
	}
}

func TestPublishSnapshot_PublishesJSON(t *testing.T) {
	svc := newDefaultSvc()
	c, _ := New(svc, Config{DeviceID: "kitchen", QoS: 1, RetainSnapshot: true})

	fc := &fakeClient{}
	c.client = fc

	c.publishSnapshot()

	if len(fc.publishes) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(fc.publishes))
	}

	p := fc.publishes[0]
	if p.topic != "thermoven/kitchen/snapshot" {
		t.Fatalf("expected snapshot topic, got %q", p.topic)
	}
	if p.qos != 1 || p.retain != true {
		t.Fatalf("expected qos=1 retain=true, got qos=%d retain=%v", p.qos, p.retain)
	}

	got := fc.last(t)
	if got["target_temperature"] != 350.0 {
		t.Fatalf("expected target_temperature=350, got %v", got["target_temperature"])
	}
	if got["current_temperature"] != 72.5 {
		t.Fatalf("expected current_temperature=72.5, got %v", got["current_temperature"])
	}
}

func TestPublishSnapshot_InvalidTemperatureIsNull(t *testing.T) {
	svc := newDefaultSvc()
	svc.S.TemperatureValid = false
	c, fc := newTestController(t, svc)

	c.publishSnapshot()

	got := fc.last(t)
	if v, present := got["current_temperature"]; !present || v != nil {
		t.Fatalf("expected current_temperature=null, got %v (present=%v)", v, present)
	}
}

// Service errors are logged and swallowed.
func TestOnMessage_ServiceError_IsIgnored(t *testing.T) {
	svc := newDefaultSvc()
	svc.SetTargetErr = errors.New("boom")
	c, fc := newTestController(t, svc)

	send(c, "thermoven/kitchen/set/target_temperature", `{"value":999}`)

	if !svc.SetTargetCalled {
		t.Fatal("expected SetTargetTemperature called")
	}
	if len(fc.publishes) != 1 {
		t.Fatalf("expected snapshot republished after command, got %d", len(fc.publishes))
	}
}

package modbusctrl

import (
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/goburrow/modbus"

	"github.com/Agrid-Dev/thermoven/internal/oven"
	"github.com/Agrid-Dev/thermoven/internal/testutil"
)

func findFreeTCPAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	a := l.Addr().String()
	_ = l.Close()
	return a
}

// startController runs a controller on a free port and returns a connected
// client.
func startController(t *testing.T, fs *testutil.FakeOvenService) modbus.Client {
	t.Helper()
	addr := findFreeTCPAddr(t)

	ctrl, err := New(fs, Config{
		DeviceID: "dev",
		Addr:     addr,
		UnitID:   1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := t.Context()
	go func() {
		_ = ctrl.Run(ctx)
	}()

	handler := modbus.NewTCPClientHandler(addr)
	handler.Timeout = time.Second
	handler.SlaveId = 1
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := handler.Connect()
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("client connect: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Cleanup(func() { _ = handler.Close() })
	return modbus.NewClient(handler)
}

func reg(b []byte, i int) uint16 { return binary.BigEndian.Uint16(b[i*2 : i*2+2]) }

func TestNewValidation(t *testing.T) {
	if _, err := New(testutil.NewFakeOvenService(), Config{}); err == nil {
		t.Fatal("expected error when UnitID missing")
	}
	c, err := New(testutil.NewFakeOvenService(), Config{UnitID: 3})
	if err != nil {
		t.Fatal(err)
	}
	if c.cfg.Addr != "127.0.0.1:1502" {
		t.Fatalf("expected default addr, got %q", c.cfg.Addr)
	}
}

func TestEncodeTemp(t *testing.T) {
	cases := []struct {
		in   float64
		want float64
	}{
		{350, 350},
		{72.46, 72.5},
		{-40, -40},
		{1e9, 3276.7},
		{-1e9, -3276.7},
	}
	for _, tc := range cases {
		if got := decodeTemp(encodeTemp(tc.in)); got != tc.want {
			t.Errorf("encodeTemp(%v) round trip = %v, want %v", tc.in, got, tc.want)
		}
	}
	if encodeTemp(-1e9) == InvalidTemperature {
		t.Fatal("a real reading must never encode to InvalidTemperature")
	}
	if got := encodeGain(-1); got != 0 {
		t.Fatalf("negative gain must clamp to 0, got %d", got)
	}
	if got := decodeGain(encodeGain(12.34)); got != 12.34 {
		t.Fatalf("gain round trip = %v", got)
	}
}

func TestModbusReads(t *testing.T) {
	fs := testutil.NewFakeOvenService()
	s := fs.Get()
	s.OvenOn = true
	s.TimerRunning = true
	s.TimeRemaining = 600.4
	s.Duty = 42.5
	fs.Set(s)

	client := startController(t, fs)

	coils, err := client.ReadCoils(0, 4)
	if err != nil {
		t.Fatalf("read coils: %v", err)
	}
	// heating=1 light=0 timer=1 tune=0
	if len(coils) != 1 || coils[0] != 0b0101 {
		t.Fatalf("unexpected coils %08b", coils)
	}

	res, err := client.ReadHoldingRegisters(0, holdingCount)
	if err != nil {
		t.Fatalf("read holding: %v", err)
	}
	if len(res) != holdingCount*2 {
		t.Fatalf("expected %d bytes got %d", holdingCount*2, len(res))
	}
	if decodeTemp(reg(res, HoldingTarget)) != 350 {
		t.Fatalf("target mismatch: %v", decodeTemp(reg(res, HoldingTarget)))
	}
	if reg(res, HoldingTimer) != 600 {
		t.Fatalf("timer mismatch: %d", reg(res, HoldingTimer))
	}
	if decodeGain(reg(res, HoldingKp)) != 10 || decodeGain(reg(res, HoldingKi)) != 5 || decodeGain(reg(res, HoldingKd)) != 1 {
		t.Fatalf("gains mismatch: %v", res[4:])
	}

	in, err := client.ReadInputRegisters(0, inputCount)
	if err != nil {
		t.Fatalf("read input: %v", err)
	}
	if decodeTemp(reg(in, InputTemperature)) != 72.5 {
		t.Fatalf("temperature mismatch: %v", decodeTemp(reg(in, InputTemperature)))
	}
	if reg(in, InputDuty) != 425 {
		t.Fatalf("duty mismatch: %d", reg(in, InputDuty))
	}
	if decodeTemp(reg(in, InputSetpointMin)) != 100 || decodeTemp(reg(in, InputSetpointMax)) != 550 {
		t.Fatal("setpoint limits mismatch")
	}

	// Out of range
	if _, err := client.ReadHoldingRegisters(3, holdingCount); err == nil {
		t.Fatal("expected exception for out-of-range holding read")
	}

	s.TemperatureValid = false
	fs.Set(s)
	in, err = client.ReadInputRegisters(InputTemperature, 1)
	if err != nil {
		t.Fatalf("read input: %v", err)
	}
	if reg(in, 0) != InvalidTemperature {
		t.Fatalf("expected InvalidTemperature, got %#x", reg(in, 0))
	}
}

func TestModbusWrites(t *testing.T) {
	fs := testutil.NewFakeOvenService()
	client := startController(t, fs)

	// Target temperature
	if _, err := client.WriteSingleRegister(HoldingTarget, encodeTemp(425.5)); err != nil {
		t.Fatalf("write register: %v", err)
	}
	if c := fs.Calls(); !c.SetTargetCalled || c.SetTargetArg != 425.5 {
		t.Fatalf("SetTargetTemperature not called with 425.5: %+v", c.SetTargetArg)
	}

	// Service rejection surfaces as an exception.
	fs.Update(func(f *testutil.FakeOvenService) { f.SetTargetErr = oven.ErrSetpointOutOfRange })
	if _, err := client.WriteSingleRegister(HoldingTarget, encodeTemp(900)); err == nil {
		t.Fatal("expected exception for rejected setpoint")
	}

	// Gains via write multiple: Kp, Ki
	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], encodeGain(2.5))
	binary.BigEndian.PutUint16(payload[2:4], encodeGain(0.25))
	if _, err := client.WriteMultipleRegisters(HoldingKp, 2, payload); err != nil {
		t.Fatalf("write multiple: %v", err)
	}
	c := fs.Calls()
	if c.SetGainsArg == nil || *c.SetGainsArg != (oven.Gains{Kp: 2.5, Ki: 0.25, Kd: 1}) {
		t.Fatalf("unexpected gains %v", c.SetGainsArg)
	}

	// Timer
	if _, err := client.WriteSingleRegister(HoldingTimer, 1200); err != nil {
		t.Fatalf("write timer: %v", err)
	}
	if c := fs.Calls(); !c.SetTimerCalled || c.SetTimerArg != 1200 {
		t.Fatalf("SetTimer not called with 1200: %v", c.SetTimerArg)
	}

	// Coils
	if _, err := client.WriteSingleCoil(CoilHeating, 0xFF00); err != nil {
		t.Fatalf("write coil: %v", err)
	}
	if _, err := client.WriteSingleCoil(CoilLight, 0xFF00); err != nil {
		t.Fatalf("write coil: %v", err)
	}
	if _, err := client.WriteSingleCoil(CoilTimerRunning, 0xFF00); err != nil {
		t.Fatalf("write coil: %v", err)
	}
	c = fs.Calls()
	if !c.SetHeatingCalled || !c.SetHeatingArg {
		t.Fatal("SetHeating(true) not called")
	}
	if c.SetLightArg == nil || !*c.SetLightArg {
		t.Fatal("SetLight(true) not called")
	}
	if c.SetTimerRunningArg == nil || !*c.SetTimerRunningArg {
		t.Fatal("SetTimerRunning(true) not called")
	}

	if _, err := client.WriteSingleCoil(CoilAutoTune, 0xFF00); err != nil {
		t.Fatalf("start auto-tune: %v", err)
	}
	if _, err := client.WriteSingleCoil(CoilAutoTune, 0x0000); err != nil {
		t.Fatalf("abort auto-tune: %v", err)
	}
	c = fs.Calls()
	if !c.StartAutoTuneCalled || !c.AbortAutoTuneCalled {
		t.Fatal("expected auto-tune start and abort")
	}

	fs.Update(func(f *testutil.FakeOvenService) { f.StartAutoTuneErr = errors.New("busy") })
	if _, err := client.WriteSingleCoil(CoilAutoTune, 0xFF00); err == nil {
		t.Fatal("expected exception when auto-tune refuses to start")
	}

	if _, err := client.WriteSingleCoil(7, 0xFF00); err == nil {
		t.Fatal("expected exception for unknown coil")
	}
}

package modbusctrl

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"

	mbserver "github.com/tbrandon/mbserver"

	"github.com/Agrid-Dev/thermoven/internal/oven"
	"github.com/Agrid-Dev/thermoven/internal/ports"
)

// Register map.
//
// Coils (1 = read, 5 = write):
//
//	0 heating on
//	1 light on
//	2 timer running
//	3 auto-tune running (write 1 starts a run, 0 aborts it)
//
// Holding registers (3 = read, 6/16 = write):
//
//	0 target temperature, °F x TemperatureScale (int16)
//	1 timer remaining, seconds (uint16)
//	2 Kp x GainScale
//	3 Ki x GainScale
//	4 Kd x GainScale
//
// Input registers (4 = read):
//
//	0 measured temperature, °F x TemperatureScale (InvalidTemperature when unknown)
//	1 heater duty, percent x 10
//	2 minimum setpoint, °F x TemperatureScale
//	3 maximum setpoint, °F x TemperatureScale
const (
	CoilHeating = iota
	CoilLight
	CoilTimerRunning
	CoilAutoTune
	coilCount
)

const (
	HoldingTarget = iota
	HoldingTimer
	HoldingKp
	HoldingKi
	HoldingKd
	holdingCount
)

const (
	InputTemperature = iota
	InputDuty
	InputSetpointMin
	InputSetpointMax
	inputCount
)

const (
	TemperatureScale int = 10
	GainScale        int = 100
)

// InvalidTemperature is reported in InputTemperature while the sensor has no
// valid reading.
const InvalidTemperature uint16 = 0x8000

// Config for the Modbus controller.
type Config struct {
	DeviceID string
	Addr     string
	UnitID   byte // UnitID (Modbus slave/unit ID). Use an integer 1..247.
	Logger   *slog.Logger
}

type Controller struct {
	svc ports.OvenService
	cfg Config
	log *slog.Logger

	serv *mbserver.Server
}

func New(svc ports.OvenService, cfg Config) (*Controller, error) {
	if cfg.UnitID == 0 {
		return nil, errors.New("modbus: UnitID is required (non-zero)")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:1502"
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Controller{svc: svc, cfg: cfg, log: log.With("component", "modbus")}, nil
}

var errBadAddress = errors.New("illegal data address")

// Run starts the Modbus server and registers handlers that apply writes immediately and
// provide reads directly from the oven service. It blocks until ctx is canceled.
func (c *Controller) Run(ctx context.Context) error {
	serv := mbserver.NewServer()
	c.serv = serv

	// Register handlers BEFORE starting the TCP listener to avoid races inside mbserver
	// between handler registration and the server's goroutines.
	serv.RegisterFunctionHandler(1, c.handleReadCoils)
	serv.RegisterFunctionHandler(3, func(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		return c.readRegisters(frame, holdingCount, c.holdingRegister)
	})
	serv.RegisterFunctionHandler(4, func(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		return c.readRegisters(frame, inputCount, c.inputRegister)
	})
	serv.RegisterFunctionHandler(5, c.handleWriteCoil)
	serv.RegisterFunctionHandler(6, c.handleWriteRegister)
	serv.RegisterFunctionHandler(16, c.handleWriteRegisters)

	// Now start listening after all handlers are registered.
	if err := serv.ListenTCP(c.cfg.Addr); err != nil {
		return fmt.Errorf("mbserver listen tcp %s: %w", c.cfg.Addr, err)
	}
	c.log.Info("listening", "addr", c.cfg.Addr, "unit_id", c.cfg.UnitID)

	// Block until ctx.Done()
	<-ctx.Done()
	serv.Close()
	return ctx.Err()
}

func (c *Controller) handleReadCoils(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	start := int(binary.BigEndian.Uint16(data[0:2]))
	qty := int(binary.BigEndian.Uint16(data[2:4]))
	if qty == 0 || qty > 2000 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	if start+qty > coilCount {
		return []byte{}, &mbserver.IllegalDataAddress
	}
	snap := c.svc.Get()
	coils := [coilCount]bool{
		CoilHeating:      snap.OvenOn,
		CoilLight:        snap.LightOn,
		CoilTimerRunning: snap.TimerRunning,
		CoilAutoTune:     snap.Tuning,
	}
	// response: byte count + packed coil bits, LSB first
	byteCount := (qty + 7) / 8
	resp := make([]byte, 1+byteCount)
	resp[0] = byte(byteCount)
	for i := 0; i < qty; i++ {
		if coils[start+i] {
			resp[1+i/8] |= 1 << (i % 8)
		}
	}
	return resp, &mbserver.Success
}

func (c *Controller) handleWriteCoil(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	value := binary.BigEndian.Uint16(data[2:4])

	var on bool
	switch value {
	case 0x0000:
		on = false
	case 0xFF00:
		on = true
	default:
		return []byte{}, &mbserver.IllegalDataValue
	}

	switch int(addr) {
	case CoilHeating:
		c.svc.SetHeating(on)
	case CoilLight:
		c.svc.SetLight(on)
	case CoilTimerRunning:
		c.svc.SetTimerRunning(on)
	case CoilAutoTune:
		if on {
			if _, err := c.svc.StartAutoTune(); err != nil {
				c.log.Warn("auto-tune not started", "err", err)
				return []byte{}, &mbserver.IllegalDataValue
			}
		} else {
			c.svc.AbortAutoTune()
		}
	default:
		return []byte{}, &mbserver.IllegalDataAddress
	}

	// echo request (address + value)
	resp := make([]byte, 4)
	copy(resp, data[0:4])
	return resp, &mbserver.Success
}

func (c *Controller) handleWriteRegister(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	value := binary.BigEndian.Uint16(data[2:4])

	if ex := c.writeHolding(int(addr), value); ex != nil {
		return []byte{}, ex
	}

	resp := make([]byte, 4)
	copy(resp, data[0:4])
	return resp, &mbserver.Success
}

func (c *Controller) handleWriteRegisters(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	d := frame.GetData()
	if len(d) < 5 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	start := binary.BigEndian.Uint16(d[0:2])
	quantity := binary.BigEndian.Uint16(d[2:4])
	byteCount := int(d[4])
	if byteCount != int(quantity)*2 || len(d) < 5+byteCount {
		return []byte{}, &mbserver.IllegalDataValue
	}
	for i := 0; i < int(quantity); i++ {
		val := binary.BigEndian.Uint16(d[5+i*2 : 5+i*2+2])
		if ex := c.writeHolding(int(start)+i, val); ex != nil {
			return []byte{}, ex
		}
	}

	resp := make([]byte, 4)
	binary.BigEndian.PutUint16(resp[0:2], start)
	binary.BigEndian.PutUint16(resp[2:4], quantity)
	return resp, &mbserver.Success
}

func (c *Controller) writeHolding(addr int, value uint16) *mbserver.Exception {
	var err error
	switch addr {
	case HoldingTarget:
		_, err = c.svc.SetTargetTemperature(decodeTemp(value))
	case HoldingTimer:
		_, err = c.svc.SetTimer(float64(value))
	case HoldingKp, HoldingKi, HoldingKd:
		g := c.svc.Get().Gains
		v := decodeGain(value)
		switch addr {
		case HoldingKp:
			g.Kp = v
		case HoldingKi:
			g.Ki = v
		case HoldingKd:
			g.Kd = v
		}
		_, err = c.svc.SetGains(g)
	default:
		return &mbserver.IllegalDataAddress
	}
	if err != nil {
		c.log.Warn("register write rejected", "addr", addr, "value", value, "err", err)
		return &mbserver.IllegalDataValue
	}
	return nil
}

func (c *Controller) readRegisters(frame mbserver.Framer, count int, get func(oven.Snapshot, int) (uint16, error)) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	start := int(binary.BigEndian.Uint16(data[0:2]))
	qty := int(binary.BigEndian.Uint16(data[2:4]))
	if qty == 0 || qty > 125 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	if start+qty > count {
		return []byte{}, &mbserver.IllegalDataAddress
	}
	snap := c.svc.Get()
	// Build response: byte count + register bytes
	resp := make([]byte, 1+qty*2)
	resp[0] = byte(qty * 2)
	for i := 0; i < qty; i++ {
		r, err := get(snap, start+i)
		if err != nil {
			return []byte{}, &mbserver.IllegalDataAddress
		}
		binary.BigEndian.PutUint16(resp[1+i*2:1+i*2+2], r)
	}
	return resp, &mbserver.Success
}

func (c *Controller) holdingRegister(snap oven.Snapshot, addr int) (uint16, error) {
	switch addr {
	case HoldingTarget:
		return encodeTemp(snap.TargetTemperature), nil
	case HoldingTimer:
		return encodeUnsigned(snap.TimeRemaining, 1), nil
	case HoldingKp:
		return encodeGain(snap.Gains.Kp), nil
	case HoldingKi:
		return encodeGain(snap.Gains.Ki), nil
	case HoldingKd:
		return encodeGain(snap.Gains.Kd), nil
	}
	return 0, errBadAddress
}

func (c *Controller) inputRegister(snap oven.Snapshot, addr int) (uint16, error) {
	switch addr {
	case InputTemperature:
		if !snap.TemperatureValid {
			return InvalidTemperature, nil
		}
		return encodeTemp(snap.Temperature), nil
	case InputDuty:
		return encodeUnsigned(snap.Duty, 10), nil
	case InputSetpointMin:
		return encodeTemp(snap.SetpointMin), nil
	case InputSetpointMax:
		return encodeTemp(snap.SetpointMax), nil
	}
	return 0, errBadAddress
}

// encodeTemp clamps to int16 so InvalidTemperature (math.MinInt16) is never
// produced by a real reading.
func encodeTemp(v float64) uint16 {
	r := min(max(int(math.Round(v*float64(TemperatureScale))), math.MinInt16+1), math.MaxInt16)
	return uint16(int16(r))
}

func decodeTemp(u uint16) float64 {
	i := int16(u)
	return float64(i) / float64(TemperatureScale)
}

func encodeUnsigned(v float64, scale int) uint16 {
	r := min(max(int(math.Round(v*float64(scale))), 0), math.MaxUint16)
	return uint16(r)
}

func encodeGain(v float64) uint16 { return encodeUnsigned(v, GainScale) }

func decodeGain(u uint16) float64 { return float64(u) / float64(GainScale) }

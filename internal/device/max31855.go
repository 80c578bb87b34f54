package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	ErrThermocoupleFault = errors.New("max31855: thermocouple fault")
	ErrNotSupported      = errors.New("device: not supported on this platform (requires Linux)")
)

const (
	max31855Fault       = 1 << 16
	max31855OpenCircuit = 1 << 0
	max31855ShortGround = 1 << 1
	max31855ShortSupply = 1 << 2
	max31855ResolutionC = 0.25
)

// DecodeMAX31855 converts one 32-bit MAX31855 frame to degrees Fahrenheit.
// Bits 31..18 carry the signed thermocouple temperature in 0.25 °C steps.
func DecodeMAX31855(frame [4]byte) (float64, error) {
	raw := binary.BigEndian.Uint32(frame[:])
	if raw&max31855Fault != 0 {
		var reason string
		switch {
		case raw&max31855OpenCircuit != 0:
			reason = "open circuit"
		case raw&max31855ShortGround != 0:
			reason = "short to GND"
		case raw&max31855ShortSupply != 0:
			reason = "short to VCC"
		default:
			reason = "unknown"
		}
		return 0, fmt.Errorf("%w: %s", ErrThermocoupleFault, reason)
	}
	celsius := float64(int32(raw)>>18) * max31855ResolutionC
	return celsius*9/5 + 32, nil
}

// MAX31855 reads frames from an SPI device handle.
type MAX31855 struct {
	mu  sync.Mutex
	dev io.ReadCloser
}

func NewMAX31855(dev io.ReadCloser) *MAX31855 {
	return &MAX31855{dev: dev}
}

func (m *MAX31855) ReadRaw(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var frame [4]byte
	if _, err := io.ReadFull(m.dev, frame[:]); err != nil {
		return 0, fmt.Errorf("max31855: read frame: %w", err)
	}
	return DecodeMAX31855(frame)
}

func (m *MAX31855) Close() error {
	return m.dev.Close()
}

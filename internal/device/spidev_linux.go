//go:build linux

package device

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// SPI_IOC_WR_MAX_SPEED_HZ
const spiIOCWrMaxSpeedHz = 0x40046b04

// OpenSPIDev opens a spidev node for half-duplex reads at the given clock.
func OpenSPIDev(path string, speedHz int) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open spi device %s: %w", path, err)
	}
	if speedHz > 0 {
		if err := unix.IoctlSetPointerInt(int(f.Fd()), spiIOCWrMaxSpeedHz, speedHz); err != nil {
			f.Close()
			return nil, fmt.Errorf("set spi speed %d: %w", speedHz, err)
		}
	}
	return f, nil
}

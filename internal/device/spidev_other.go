//go:build !linux

package device

import "os"

// OpenSPIDev returns an error on non-Linux platforms.
func OpenSPIDev(path string, speedHz int) (*os.File, error) {
	return nil, ErrNotSupported
}

package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// NewRealSerialMux opens the IMU's serial port at path and wraps it in a
// SerialMux.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open IMU serial port %s at %d baud: %w", path, mode.BaudRate, err)
	}
	return NewSerialMux[serial.Port](port), nil
}

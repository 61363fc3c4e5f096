package serialmux

import (
	"fmt"
	"strings"

	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the IMU's factory default.
	DefaultBaudRate = 115200
	// DefaultFraming is eight data bits, no parity and one stop bit.
	DefaultFraming = "8N1"
)

// PortOptions are the line settings for an IMU serial port.
type PortOptions struct {
	BaudRate int
	// Framing is data bits, parity and stop bits in the usual shorthand,
	// e.g. "8N1" or "7E2". Empty means DefaultFraming.
	Framing string
}

// SerialMode validates o and converts it for go.bug.st/serial.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	mode := &serial.Mode{BaudRate: o.BaudRate}
	if mode.BaudRate <= 0 {
		mode.BaudRate = DefaultBaudRate
	}

	framing := strings.ToUpper(strings.TrimSpace(o.Framing))
	if framing == "" {
		framing = DefaultFraming
	}
	if len(framing) != 3 {
		return nil, fmt.Errorf("invalid serial framing %q: want data bits, parity and stop bits like 8N1", o.Framing)
	}

	mode.DataBits = int(framing[0]) - '0'
	if mode.DataBits < 5 || mode.DataBits > 8 {
		return nil, fmt.Errorf("invalid serial framing %q: data bits must be 5 to 8", o.Framing)
	}

	switch framing[1] {
	case 'N':
		mode.Parity = serial.NoParity
	case 'E':
		mode.Parity = serial.EvenParity
	case 'O':
		mode.Parity = serial.OddParity
	case 'M':
		mode.Parity = serial.MarkParity
	case 'S':
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("invalid serial framing %q: parity must be one of N, E, O, M, S", o.Framing)
	}

	switch framing[2] {
	case '1':
		mode.StopBits = serial.OneStopBit
	case '2':
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("invalid serial framing %q: stop bits must be 1 or 2", o.Framing)
	}
	return mode, nil
}

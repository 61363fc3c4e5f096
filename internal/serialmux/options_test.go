package serialmux

import (
	"testing"

	"go.bug.st/serial"
)

func TestPortOptionsSerialMode_Defaults(t *testing.T) {
	mode, err := PortOptions{}.SerialMode()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mode.BaudRate != DefaultBaudRate || mode.DataBits != 8 || mode.Parity != serial.NoParity || mode.StopBits != serial.OneStopBit {
		t.Errorf("unexpected defaults: %+v", mode)
	}
}

func TestPortOptionsSerialMode_Framing(t *testing.T) {
	tests := []struct {
		framing  string
		dataBits int
		parity   serial.Parity
		stopBits serial.StopBits
	}{
		{"8N1", 8, serial.NoParity, serial.OneStopBit},
		{"7e2", 7, serial.EvenParity, serial.TwoStopBits},
		{" 8O1 ", 8, serial.OddParity, serial.OneStopBit},
		{"5S1", 5, serial.SpaceParity, serial.OneStopBit},
	}
	for _, tt := range tests {
		mode, err := PortOptions{BaudRate: 921600, Framing: tt.framing}.SerialMode()
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tt.framing, err)
			continue
		}
		if mode.BaudRate != 921600 || mode.DataBits != tt.dataBits || mode.Parity != tt.parity || mode.StopBits != tt.stopBits {
			t.Errorf("%q: unexpected mode %+v", tt.framing, mode)
		}
	}
}

func TestPortOptionsSerialMode_InvalidFraming(t *testing.T) {
	for _, bad := range []string{"8N", "9N1", "4N1", "8X1", "8N3", "8N1.5"} {
		if _, err := (PortOptions{Framing: bad}).SerialMode(); err == nil {
			t.Errorf("expected error for framing %q", bad)
		}
	}
}

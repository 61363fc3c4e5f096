//go:build !pcap
// +build !pcap

package network

import (
	"context"
	"fmt"
)

// CaptureInterface is a stub when live capture support is disabled.
// Build with -tags=pcap to enable it.
func CaptureInterface(ctx context.Context, iface string, port int, h PacketHandler) error {
	return fmt.Errorf("live capture not enabled: rebuild with -tags=pcap")
}

//go:build pcap
// +build pcap

package network

import (
	"context"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/lericson/oblam-deskew/internal/monitoring"
)

// CaptureInterface sniffs UDP traffic to port on a live interface and feeds
// the payloads to h. It needs libpcap and is only built with the 'pcap' tag.
func CaptureInterface(ctx context.Context, iface string, port int, h PacketHandler) error {
	handle, err := pcap.OpenLive(iface, 65535, true, pcap.BlockForever)
	if err != nil {
		return fmt.Errorf("failed to open interface %s: %w", iface, err)
	}
	defer handle.Close()

	filter := fmt.Sprintf("udp dst port %d", port)
	if err := handle.SetBPFFilter(filter); err != nil {
		return fmt.Errorf("failed to set BPF filter '%s': %w", filter, err)
	}
	monitoring.Logf("[PCAP] capturing on %s (%s)", iface, filter)

	go func() {
		<-ctx.Done()
		handle.Close()
	}()
	return replay(ctx, PCAPConfig{UDPPort: port}, gopacket.NewPacketSource(handle, handle.LinkType()), h)
}

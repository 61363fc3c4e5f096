package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/lericson/oblam-deskew/internal/monitoring"
	"github.com/lericson/oblam-deskew/internal/timeutil"
)

// PacketHandler consumes one UDP payload. *Listener satisfies it.
type PacketHandler interface {
	HandlePacket(packet []byte) error
}

// PCAPConfig configures ReplayPCAP.
type PCAPConfig struct {
	Path    string
	UDPPort int // destination port to replay; 0 accepts every UDP packet
	// Speed scales capture time: 1 replays in real time, 2 twice as fast.
	// Zero replays as fast as possible.
	Speed float64
	Clock timeutil.Clock
}

// ReplayPCAP feeds the UDP payloads of a capture file to h.
func ReplayPCAP(ctx context.Context, cfg PCAPConfig, h PacketHandler) error {
	f, err := os.Open(cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", cfg.Path, err)
	}
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read PCAP header of %s: %w", cfg.Path, err)
	}
	return replay(ctx, cfg, gopacket.NewPacketSource(r, r.LinkType()), h)
}

func replay(ctx context.Context, cfg PCAPConfig, src *gopacket.PacketSource, h PacketHandler) error {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	var firstCapture, wallStart time.Time
	packetCount, handled, failed := 0, 0, 0
	started := clock.Now()

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("[PCAP] stopping due to context cancellation (processed %d packets)", packetCount)
			return ctx.Err()
		default:
		}

		packet, err := src.NextPacket()
		if errors.Is(err, io.EOF) {
			monitoring.Logf("[PCAP] replay complete: %d packets, %d handled, %d failed in %v",
				packetCount, handled, failed, clock.Since(started))
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("pcap packet %d: %w", packetCount+1, err)
		}
		packetCount++

		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if cfg.UDPPort != 0 && int(udp.DstPort) != cfg.UDPPort {
			continue
		}

		if cfg.Speed > 0 {
			ts := packet.Metadata().Timestamp
			if firstCapture.IsZero() {
				firstCapture, wallStart = ts, clock.Now()
			}
			due := time.Duration(float64(ts.Sub(firstCapture)) / cfg.Speed)
			if wait := due - clock.Since(wallStart); wait > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-clock.After(wait):
				}
			}
		}

		if err := h.HandlePacket(udp.Payload); err != nil {
			failed++
			if failed <= 10 {
				monitoring.Logf("[PCAP] packet %d: %v", packetCount, err)
			}
			continue
		}
		handled++
	}
}

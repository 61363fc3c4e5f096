// Package network moves pipeline records over UDP: a listener that feeds the
// ingest buffers, a forwarder that publishes deskewed sweeps, and pcap
// replay of recorded input.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lericson/oblam-deskew/internal/monitoring"
	"github.com/lericson/oblam-deskew/internal/sensor"
	"github.com/lericson/oblam-deskew/internal/wire"
	gometrics "github.com/rcrowley/go-metrics"
)

// Ingest receives decoded samples. *ingest.Buffers satisfies it.
type Ingest interface {
	AddInertial(sensor.InertialSample) error
	AddPose(sensor.PoseSample) error
}

// ChunkSink receives sweep chunks. *frames.Assembler satisfies it.
type ChunkSink interface {
	AddChunk(wire.SweepChunk) error
}

// ListenerConfig contains configuration options for the UDP listener.
type ListenerConfig struct {
	Address     string
	RcvBuf      int
	LogInterval time.Duration
	Stats       PacketStatsInterface
	Ingest      Ingest
	Chunks      ChunkSink
	Registry    gometrics.Registry
}

// Listener receives envelopes over UDP and routes each record to the ingest
// buffers or the sweep assembler.
type Listener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	stats       PacketStatsInterface
	ingest      Ingest
	chunks      ChunkSink
	malformed   gometrics.Counter
	throttle    *monitoring.Throttle
}

// NewListener creates a listener with the provided configuration.
func NewListener(config ListenerConfig) *Listener {
	stats := config.Stats
	if stats == nil {
		stats = noopStats{}
	}
	logInterval := config.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}
	return &Listener{
		address:     config.Address,
		rcvBuf:      config.RcvBuf,
		logInterval: logInterval,
		stats:       stats,
		ingest:      config.Ingest,
		chunks:      config.Chunks,
		malformed:   monitoring.Counter(config.Registry, monitoring.MetricWireMalformed),
		throttle:    monitoring.NewThrottle(5 * time.Second),
	}
}

// Start listens on the configured address until ctx is cancelled.
func (l *Listener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	defer conn.Close()
	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			monitoring.Logf("[Listener] failed to set receive buffer to %d: %v", l.rcvBuf, err)
		}
	}
	monitoring.Logf("[Listener] started on %s with receive buffer %d bytes", conn.LocalAddr(), l.rcvBuf)
	return l.Serve(ctx, conn)
}

// Serve reads datagrams from conn until ctx is cancelled. It does not close
// conn.
func (l *Listener) Serve(ctx context.Context, conn *net.UDPConn) error {
	go l.startStatsLogging(ctx)

	buffer := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("[Listener] stopping due to context cancellation")
			return ctx.Err()
		default:
		}

		// The deadline bounds how long a cancellation goes unnoticed.
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			monitoring.Logf("[Listener] read error: %v", err)
			continue
		}
		if err := l.HandlePacket(buffer[:n]); err != nil {
			l.throttle.Logf("handle:"+addr.IP.String(), "[Listener] packet from %v: %v", addr, err)
		}
	}
}

func (l *Listener) startStatsLogging(ctx context.Context) {
	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats()
		}
	}
}

// HandlePacket decodes one datagram and dispatches its record. The packet
// buffer is not retained.
func (l *Listener) HandlePacket(packet []byte) error {
	l.stats.AddPacket(len(packet))
	msg, err := wire.Decode(packet)
	if err != nil {
		l.stats.AddMalformed()
		l.malformed.Inc(1)
		return err
	}
	l.stats.AddRecord(msg.Kind)

	switch msg.Kind {
	case wire.KindInertial:
		if l.ingest != nil {
			return l.ingest.AddInertial(*msg.Inertial)
		}
	case wire.KindPose:
		if l.ingest != nil {
			return l.ingest.AddPose(*msg.Pose)
		}
	case wire.KindSweepChunk:
		if l.chunks != nil {
			return l.chunks.AddChunk(*msg.Chunk)
		}
	default:
		return fmt.Errorf("unexpected %s record on input", msg.Kind)
	}
	return nil
}

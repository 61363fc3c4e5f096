package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lericson/oblam-deskew/internal/monitoring"
	"github.com/lericson/oblam-deskew/internal/pipeline"
	"github.com/lericson/oblam-deskew/internal/sensor"
	"github.com/lericson/oblam-deskew/internal/wire"
	gometrics "github.com/rcrowley/go-metrics"
)

// ErrForwarderClosed is returned by Publish after Close.
var ErrForwarderClosed = errors.New("forwarder closed")

// Forwarder publishes output sweeps as chunked datagrams. Publish never
// blocks on the network: datagrams are queued and written by the goroutine
// started with Start, and dropped when the queue is full.
type Forwarder struct {
	conn        *net.UDPConn
	channel     chan []byte
	logInterval time.Duration
	address     string
	perChunk    int
	dropped     gometrics.Counter

	mu     sync.RWMutex
	closed bool
}

// ForwarderConfig configures a Forwarder.
type ForwarderConfig struct {
	Address     string
	QueueLen    int           // default: 1000 datagrams
	LogInterval time.Duration // default: 1 minute
	PerChunk    int           // points per datagram, default wire.MaxPointsPerChunk
	Registry    gometrics.Registry
}

// NewForwarder dials the destination address.
func NewForwarder(cfg ForwarderConfig) (*Forwarder, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve forward address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create forward connection: %w", err)
	}
	if cfg.QueueLen <= 0 {
		cfg.QueueLen = 1000
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = time.Minute
	}
	return &Forwarder{
		conn:        conn,
		channel:     make(chan []byte, cfg.QueueLen),
		logInterval: cfg.LogInterval,
		address:     cfg.Address,
		perChunk:    cfg.PerChunk,
		dropped:     monitoring.Counter(cfg.Registry, monitoring.MetricForwardDropped),
	}, nil
}

// Start runs the writer goroutine until ctx is cancelled.
func (f *Forwarder) Start(ctx context.Context) {
	go func() {
		failed := 0
		var lastError error
		ticker := time.NewTicker(f.logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case packet, ok := <-f.channel:
				if !ok {
					return
				}
				if _, err := f.conn.Write(packet); err != nil {
					failed++
					lastError = err
				}
			case <-ticker.C:
				if failed > 0 && lastError != nil {
					monitoring.Logf("[Forwarder] %d datagrams to %s failed (latest: %v)", failed, f.address, lastError)
					failed = 0
					lastError = nil
				}
			}
		}
	}()
	monitoring.Logf("[Forwarder] forwarding output sweeps to %s", f.address)
}

// Publish queues the deskewed sweep and, when present, the distorted sweep.
func (f *Forwarder) Publish(_ context.Context, out *pipeline.Output) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrForwarderClosed
	}
	f.enqueue(wire.TopicDeskewed, out.Deskewed)
	if out.Distorted != nil {
		f.enqueue(wire.TopicDistorted, *out.Distorted)
	}
	return nil
}

func (f *Forwarder) enqueue(topic string, sw sensor.Sweep) {
	for _, c := range wire.SplitSweep(sw, f.perChunk) {
		select {
		case f.channel <- wire.EncodeOutputChunk(wire.OutputChunk{Topic: topic, Chunk: c}):
		default:
			f.dropped.Inc(1)
		}
	}
}

// Close stops accepting sweeps and closes the connection.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.channel)
	return f.conn.Close()
}

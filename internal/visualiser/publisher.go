// Package visualiser streams output sweeps to viewers over gRPC. Each
// connected client receives the same chunked envelopes the UDP forwarder
// emits, filtered by topic.
package visualiser

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	gometrics "github.com/rcrowley/go-metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/lericson/oblam-deskew/internal/monitoring"
	"github.com/lericson/oblam-deskew/internal/pipeline"
	"github.com/lericson/oblam-deskew/internal/sensor"
	"github.com/lericson/oblam-deskew/internal/wire"
)

// Config holds configuration for the gRPC publisher.
type Config struct {
	// ListenAddr is the address to listen on (e.g. "localhost:50051").
	ListenAddr string
	// MaxClients is the maximum number of concurrent streams.
	MaxClients int
	// ClientBuffer is how many chunks may queue per client before drops.
	ClientBuffer int
	// PerChunk is points per streamed chunk; 0 uses wire.MaxPointsPerChunk.
	PerChunk int
	Registry gometrics.Registry
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50051",
		MaxClients:   5,
		ClientBuffer: defaultClientBuf,
	}
}

type clientStream struct {
	id     uint64
	topic  string
	chunks chan []byte
}

// Publisher serves CloudStream and fans output sweeps out to its clients.
// It implements pipeline.Sink.
type Publisher struct {
	cfg      Config
	server   *grpc.Server
	listener net.Listener

	mu      sync.RWMutex
	clients map[uint64]*clientStream
	nextID  uint64

	chunkCount atomic.Uint64
	dropped    gometrics.Counter

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPublisher creates a Publisher with the service registered.
func NewPublisher(cfg Config) *Publisher {
	def := DefaultConfig()
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}
	p := &Publisher{
		cfg:     cfg,
		clients: make(map[uint64]*clientStream),
		dropped: monitoring.Counter(cfg.Registry, monitoring.MetricStreamDropped),
		stopCh:  make(chan struct{}),
	}
	p.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxGRPCMsgSize),
		grpc.MaxSendMsgSize(maxGRPCMsgSize),
	)
	p.server.RegisterService(&cloudStreamDesc, p)
	return p
}

// Start listens on cfg.ListenAddr and serves in the background.
func (p *Publisher) Start() error {
	lis, err := net.Listen("tcp", p.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	monitoring.Logf("[Visualiser] gRPC server listening on %s", lis.Addr())
	return p.ServeListener(lis)
}

// ServeListener serves on lis in the background.
func (p *Publisher) ServeListener(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("publisher already running")
	}
	p.listener = lis
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			monitoring.Logf("[Visualiser] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Stop ends every stream and stops the server.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	p.server.GracefulStop()
	p.wg.Wait()
	monitoring.Logf("[Visualiser] gRPC server stopped")
}

// Subscribe implements CloudStreamServer.
func (p *Publisher) Subscribe(req *wrapperspb.StringValue, stream grpc.ServerStream) error {
	client, err := p.addClient(req.GetValue())
	if err != nil {
		return err
	}
	defer p.removeClient(client.id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case b := <-client.chunks:
			if err := stream.SendMsg(wrapperspb.Bytes(b)); err != nil {
				return err
			}
		}
	}
}

func (p *Publisher) addClient(topic string) (*clientStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.clients) >= p.cfg.MaxClients {
		return nil, status.Errorf(codes.ResourceExhausted, "at most %d clients", p.cfg.MaxClients)
	}
	p.nextID++
	c := &clientStream{
		id:     p.nextID,
		topic:  topic,
		chunks: make(chan []byte, p.cfg.ClientBuffer),
	}
	p.clients[c.id] = c
	monitoring.Logf("[Visualiser] client %d connected (topic=%q, total: %d)", c.id, topic, len(p.clients))
	return c, nil
}

func (p *Publisher) removeClient(id uint64) {
	p.mu.Lock()
	delete(p.clients, id)
	n := len(p.clients)
	p.mu.Unlock()
	monitoring.Logf("[Visualiser] client %d disconnected (remaining: %d)", id, n)
}

// Publish implements pipeline.Sink. A slow client drops chunks rather than
// stalling the worker.
func (p *Publisher) Publish(_ context.Context, out *pipeline.Output) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.clients) == 0 {
		return nil
	}
	p.broadcast(wire.TopicDeskewed, out.Deskewed)
	if out.Distorted != nil {
		p.broadcast(wire.TopicDistorted, *out.Distorted)
	}
	return nil
}

// broadcast must be called with p.mu held.
func (p *Publisher) broadcast(topic string, sw sensor.Sweep) {
	var encoded [][]byte
	for _, c := range p.clients {
		if c.topic != "" && c.topic != topic {
			continue
		}
		if encoded == nil {
			for _, ch := range wire.SplitSweep(sw, p.cfg.PerChunk) {
				encoded = append(encoded, wire.EncodeOutputChunk(wire.OutputChunk{Topic: topic, Chunk: ch}))
			}
		}
		for _, b := range encoded {
			select {
			case c.chunks <- b:
				p.chunkCount.Add(1)
			default:
				p.dropped.Inc(1)
			}
		}
	}
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	Chunks  uint64
	Dropped int64
	Clients int
	Running bool
}

func (p *Publisher) Stats() PublisherStats {
	p.mu.RLock()
	n := len(p.clients)
	p.mu.RUnlock()
	return PublisherStats{
		Chunks:  p.chunkCount.Load(),
		Dropped: p.dropped.Count(),
		Clients: n,
		Running: p.running.Load(),
	}
}

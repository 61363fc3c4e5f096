// Package frames reassembles sweeps that arrive as datagram-sized chunks.
package frames

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lericson/oblam-deskew/internal/monitoring"
	"github.com/lericson/oblam-deskew/internal/sensor"
	"github.com/lericson/oblam-deskew/internal/timeutil"
	"github.com/lericson/oblam-deskew/internal/wire"
	gometrics "github.com/rcrowley/go-metrics"
)

// AssemblerConfig configures an Assembler.
type AssemblerConfig struct {
	SweepCallback func(sensor.Sweep) // called for every completed sweep
	Timeout       time.Duration      // evict partial sweeps older than this (default: 500ms)
	MaxPending    int                // max partial sweeps held at once (default: 8)
	Clock         timeutil.Clock
	Registry      gometrics.Registry
}

// partial is a sweep with some chunks still missing.
type partial struct {
	chunks   []wire.SweepChunk
	have     []bool
	received int
	firstAt  time.Time // clock time of the first chunk
}

// Assembler collects chunks per sequence number and hands complete sweeps to
// the callback in increasing sequence order. When a sweep completes, any
// partial sweep with a lower sequence is discarded: it could only be
// delivered out of order.
type Assembler struct {
	cfg AssemblerConfig

	mu        sync.Mutex
	pending   map[uint64]*partial
	lastSeq   uint64
	delivered bool
	closed    bool

	sweepCh   chan sensor.Sweep
	sweepDone chan struct{}

	completed gometrics.Counter
	evicted   gometrics.Counter
}

// NewAssembler returns an Assembler. Close must be called to stop its
// callback goroutine.
func NewAssembler(cfg AssemblerConfig) *Assembler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 8
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	a := &Assembler{
		cfg:       cfg,
		pending:   make(map[uint64]*partial),
		completed: monitoring.Counter(cfg.Registry, monitoring.MetricAssemblyCompleted),
		evicted:   monitoring.Counter(cfg.Registry, monitoring.MetricAssemblyEvicted),
	}
	if cfg.SweepCallback != nil {
		a.sweepCh = make(chan sensor.Sweep, 8)
		a.sweepDone = make(chan struct{})
		go a.callbackWorker()
	}
	return a
}

// callbackWorker runs the callback for one sweep at a time.
func (a *Assembler) callbackWorker() {
	defer close(a.sweepDone)
	for sw := range a.sweepCh {
		a.cfg.SweepCallback(sw)
	}
}

// Close stops accepting chunks and waits for queued callbacks to finish.
func (a *Assembler) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()
	if a.sweepCh != nil {
		close(a.sweepCh)
		<-a.sweepDone
	}
}

// AddChunk stores c and delivers its sweep once every chunk has arrived.
// Chunks for a sequence at or below the last delivered one are rejected
// with sensor.ErrStaleInput; duplicate chunks are ignored.
func (a *Assembler) AddChunk(c wire.SweepChunk) error {
	if c.Count < 1 || c.Count > wire.MaxChunksPerSweep || c.Index < 0 || c.Index >= c.Count {
		return fmt.Errorf("sweep %d chunk %d of %d: %w", c.Sequence, c.Index, c.Count, wire.ErrMalformed)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("assembler closed")
	}
	if a.delivered && c.Sequence <= a.lastSeq {
		return fmt.Errorf("sweep %d chunk %d after sweep %d: %w", c.Sequence, c.Index, a.lastSeq, sensor.ErrStaleInput)
	}

	p, ok := a.pending[c.Sequence]
	if !ok {
		if len(a.pending) >= a.cfg.MaxPending {
			a.evictOldest()
		}
		p = &partial{
			chunks:  make([]wire.SweepChunk, c.Count),
			have:    make([]bool, c.Count),
			firstAt: a.cfg.Clock.Now(),
		}
		a.pending[c.Sequence] = p
	}
	if len(p.chunks) != c.Count {
		return fmt.Errorf("sweep %d chunk count changed from %d to %d: %w", c.Sequence, len(p.chunks), c.Count, wire.ErrMalformed)
	}
	if p.have[c.Index] {
		debugf("[Assembler] duplicate chunk %d of sweep %d", c.Index, c.Sequence)
		return nil
	}
	p.chunks[c.Index] = c
	p.have[c.Index] = true
	p.received++
	if p.received < len(p.chunks) {
		return nil
	}

	delete(a.pending, c.Sequence)
	sw, err := wire.JoinChunks(p.chunks)
	if err != nil {
		a.evicted.Inc(1)
		return err
	}
	for seq := range a.pending {
		if seq < c.Sequence {
			debugf("[Assembler] dropping partial sweep %d behind completed sweep %d", seq, c.Sequence)
			delete(a.pending, seq)
			a.evicted.Inc(1)
		}
	}
	a.lastSeq = c.Sequence
	a.delivered = true
	a.completed.Inc(1)
	debugf("[Assembler] sweep %d complete: %d chunks, %d points", sw.Sequence, len(p.chunks), len(sw.Points))
	if a.sweepCh != nil {
		a.sweepCh <- sw
	}
	return nil
}

// evictOldest drops the lowest pending sequence. Caller holds mu.
func (a *Assembler) evictOldest() {
	first := true
	var oldest uint64
	for seq := range a.pending {
		if first || seq < oldest {
			oldest, first = seq, false
		}
	}
	if !first {
		p := a.pending[oldest]
		debugf("[Assembler] evicting sweep %d at capacity (%d/%d chunks)", oldest, p.received, len(p.chunks))
		delete(a.pending, oldest)
		a.evicted.Inc(1)
	}
}

// Expire evicts partial sweeps whose first chunk arrived more than Timeout
// ago and returns their sequence numbers.
func (a *Assembler) Expire() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.cfg.Clock.Now()
	var expired []uint64
	for seq, p := range a.pending {
		if now.Sub(p.firstAt) >= a.cfg.Timeout {
			expired = append(expired, seq)
			delete(a.pending, seq)
			a.evicted.Inc(1)
			debugf("[Assembler] sweep %d timed out with %d/%d chunks", seq, p.received, len(p.chunks))
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	return expired
}

// Run calls Expire every half Timeout until ctx is cancelled.
func (a *Assembler) Run(ctx context.Context) {
	ticker := a.cfg.Clock.NewTicker(a.cfg.Timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if expired := a.Expire(); len(expired) > 0 {
				monitoring.Logf("[Assembler] evicted %d incomplete sweeps (first %d)", len(expired), expired[0])
			}
		}
	}
}

// Pending returns the number of partial sweeps held.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Reset discards every partial sweep and forgets the last delivered
// sequence, for when the input source changes.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = make(map[uint64]*partial)
	a.lastSeq = 0
	a.delivered = false
}

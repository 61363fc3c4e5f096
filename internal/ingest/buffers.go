package ingest

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/lericson/oblam-deskew/internal/monitoring"
	"github.com/lericson/oblam-deskew/internal/sensor"
	gometrics "github.com/rcrowley/go-metrics"
	"gonum.org/v1/gonum/num/quat"
)

// InertialBuffer is the inertial queue. Timestamps must strictly increase.
type InertialBuffer struct {
	q *Queue[sensor.InertialSample]
}

// Add appends s, rejecting it with ErrOrderingViolation if its timestamp does
// not advance past the newest queued sample.
func (b *InertialBuffer) Add(s sensor.InertialSample) error {
	return b.q.PushChecked(s, func(last sensor.InertialSample, ok bool) error {
		if ok && !s.Timestamp.After(last.Timestamp) {
			return fmt.Errorf("inertial sample at %s after %s: %w",
				s.Timestamp.Format(time.RFC3339Nano), last.Timestamp.Format(time.RFC3339Nano), sensor.ErrOrderingViolation)
		}
		return nil
	})
}

// Prune drops leading samples that can no longer bracket t: the front sample
// is removed while the one behind it is at or before t. Every removed sample
// is strictly older than t.
func (b *InertialBuffer) Prune(t time.Time) int {
	return b.q.DropFrontWhileNext(func(next sensor.InertialSample) bool {
		return !next.Timestamp.After(t)
	})
}

// Collect returns a copy of the samples from the front up to and including the
// first sample after end.
func (b *InertialBuffer) Collect(end time.Time) []sensor.InertialSample {
	return b.q.CollectUntil(func(s sensor.InertialSample) bool {
		return s.Timestamp.After(end)
	})
}

// Covers reports whether the newest sample is at or after t.
func (b *InertialBuffer) Covers(t time.Time) bool {
	back, ok := b.q.Back()
	return ok && !back.Timestamp.Before(t)
}

// Oldest returns the front sample timestamp.
func (b *InertialBuffer) Oldest() (time.Time, bool) {
	front, ok := b.q.Front()
	return front.Timestamp, ok
}

// Len returns the queue length.
func (b *InertialBuffer) Len() int { return b.q.Len() }

// Snapshot copies the queued samples.
func (b *InertialBuffer) Snapshot() []sensor.InertialSample { return b.q.Snapshot() }

// PoseBuffer is the pose queue. Timestamps must strictly increase.
type PoseBuffer struct {
	q *Queue[sensor.PoseSample]
}

// Add appends p with its orientation scaled to unit length. It rejects p with
// ErrInvalidPose if the orientation is zero or not finite, and with
// ErrOrderingViolation if its timestamp does not advance.
func (b *PoseBuffer) Add(p sensor.PoseSample) error {
	n := quat.Abs(p.Orientation)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return fmt.Errorf("pose at %s: orientation norm %g: %w",
			p.Timestamp.Format(time.RFC3339Nano), n, sensor.ErrInvalidPose)
	}
	p.Orientation = quat.Scale(1/n, p.Orientation)
	return b.q.PushChecked(p, func(last sensor.PoseSample, ok bool) error {
		if ok && !p.Timestamp.After(last.Timestamp) {
			return fmt.Errorf("pose at %s after %s: %w",
				p.Timestamp.Format(time.RFC3339Nano), last.Timestamp.Format(time.RFC3339Nano), sensor.ErrOrderingViolation)
		}
		return nil
	})
}

// Len returns the queue length.
func (b *PoseBuffer) Len() int { return b.q.Len() }

// Config configures Buffers.
type Config struct {
	// WarmupSkip is the number of matched pairs discarded at startup.
	WarmupSkip int
	// BufferWarnLen triggers a throttled warning when any queue grows past it.
	// Zero disables the warning.
	BufferWarnLen int
	// Registry receives the ingest and match counters. Nil uses
	// monitoring.Registry.
	Registry gometrics.Registry
	// OnOrderingViolation, if set, is called with every rejected out-of-order
	// sample error after it is counted.
	OnOrderingViolation func(error)
}

// Buffers is the ingest facade: the three input queues, the matcher and the
// matched-pair queue consumed by the worker.
type Buffers struct {
	Inertial *InertialBuffer
	Poses    *PoseBuffer
	Sweeps   *Queue[sensor.Sweep]
	Pairs    *Queue[Pair]
	Matcher  *Matcher

	cfg                Config
	inertialCount      gometrics.Counter
	poseCount          gometrics.Counter
	sweepCount         gometrics.Counter
	orderingViolations gometrics.Counter
	invalidPoses       gometrics.Counter
	throttle           *monitoring.Throttle
}

// NewBuffers builds empty buffers and their matcher.
func NewBuffers(cfg Config) *Buffers {
	th := monitoring.NewThrottle(5 * time.Second)
	b := &Buffers{
		Inertial: &InertialBuffer{q: NewQueue[sensor.InertialSample]("inertial", cfg.BufferWarnLen, th)},
		Poses:    &PoseBuffer{q: NewQueue[sensor.PoseSample]("pose", cfg.BufferWarnLen, th)},
		Sweeps:   NewQueue[sensor.Sweep]("sweep", cfg.BufferWarnLen, th),
		Pairs:    NewQueue[Pair]("pair", cfg.BufferWarnLen, th),
		cfg:      cfg,

		inertialCount:      monitoring.Counter(cfg.Registry, monitoring.MetricInertialIngested),
		poseCount:          monitoring.Counter(cfg.Registry, monitoring.MetricPosesIngested),
		sweepCount:         monitoring.Counter(cfg.Registry, monitoring.MetricSweepsIngested),
		orderingViolations: monitoring.Counter(cfg.Registry, monitoring.MetricOrderingViolations),
		invalidPoses:       monitoring.Counter(cfg.Registry, monitoring.MetricInvalidPoses),
		throttle:           th,
	}
	b.Matcher = newMatcher(b.Poses, b.Sweeps, b.Pairs, cfg.WarmupSkip, cfg.Registry, th)
	return b
}

func (b *Buffers) violation(err error) error {
	b.orderingViolations.Inc(1)
	monitoring.Logf("[Ingest] rejected sample: %v", err)
	if b.cfg.OnOrderingViolation != nil {
		b.cfg.OnOrderingViolation(err)
	}
	return err
}

// AddInertial appends an inertial sample. An out-of-order sample is rejected,
// counted and returned as ErrOrderingViolation.
func (b *Buffers) AddInertial(s sensor.InertialSample) error {
	if err := b.Inertial.Add(s); err != nil {
		return b.violation(err)
	}
	b.inertialCount.Inc(1)
	return nil
}

// AddPose appends a pose sample and re-runs matching.
func (b *Buffers) AddPose(p sensor.PoseSample) error {
	if err := b.Poses.Add(p); err != nil {
		if errors.Is(err, sensor.ErrOrderingViolation) {
			return b.violation(err)
		}
		b.invalidPoses.Inc(1)
		b.throttle.Logf("invalid-pose", "[Ingest] rejected pose: %v", err)
		return err
	}
	b.poseCount.Inc(1)
	b.Matcher.Match()
	return nil
}

// AddSweep takes ownership of s, queues it and re-runs matching.
func (b *Buffers) AddSweep(s sensor.Sweep) {
	b.Sweeps.Push(s)
	b.sweepCount.Inc(1)
	b.Matcher.Match()
}

// NextPair returns the oldest matched pair without removing it.
func (b *Buffers) NextPair() (Pair, bool) {
	return b.Pairs.Front()
}

// ConsumePair removes the oldest matched pair. Only the worker calls it.
func (b *Buffers) ConsumePair() (Pair, bool) {
	return b.Pairs.PopFront()
}

// Lengths is a point-in-time view of queue depths.
type Lengths struct {
	Inertial      int  `json:"inertial"`
	Poses         int  `json:"poses"`
	Sweeps        int  `json:"sweeps"`
	Pairs         int  `json:"pairs"`
	PendingSweep  bool `json:"pending_sweep"`
	WarmupLeft    int  `json:"warmup_left"`
	InertialPeak  int  `json:"inertial_peak"`
	PairQueuePeak int  `json:"pair_peak"`
}

// Lengths reports the current queue depths.
func (b *Buffers) Lengths() Lengths {
	pending, warmup := b.Matcher.State()
	return Lengths{
		Inertial:      b.Inertial.Len(),
		Poses:         b.Poses.Len(),
		Sweeps:        b.Sweeps.Len(),
		Pairs:         b.Pairs.Len(),
		PendingSweep:  pending,
		WarmupLeft:    warmup,
		InertialPeak:  b.Inertial.q.HighWater(),
		PairQueuePeak: b.Pairs.HighWater(),
	}
}

// Reset empties every queue and restarts the warm-up skip.
func (b *Buffers) Reset() {
	b.Inertial.q.Clear()
	b.Poses.q.Clear()
	b.Sweeps.Clear()
	b.Pairs.Clear()
	b.Matcher.Reset()
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lericson/oblam-deskew/internal/deskew"
	"github.com/lericson/oblam-deskew/internal/geom"
	"github.com/lericson/oblam-deskew/internal/imu"
	"github.com/lericson/oblam-deskew/internal/ingest"
	"github.com/lericson/oblam-deskew/internal/monitoring"
	"github.com/lericson/oblam-deskew/internal/sensor"
	"github.com/lericson/oblam-deskew/internal/timeutil"
	gometrics "github.com/rcrowley/go-metrics"
	"gonum.org/v1/gonum/spatial/r3"
)

// recentReports bounds the in-memory report history served by Recent.
const recentReports = 256

// WorkerConfig holds the worker's dependencies and tuning.
type WorkerConfig struct {
	Propagator imu.Propagator
	Deskewer   *deskew.Deskewer

	// MinInertialSamples is the smallest window, boundaries included, that
	// is deskewed. Shorter windows drop the sweep.
	MinInertialSamples int
	// CoverageMargin is how far past the sweep end the inertial buffer must
	// reach before the sweep is processed.
	CoverageMargin time.Duration
	// MaxCoverageRetries is how many iterations a sweep may wait for
	// coverage before it is dropped.
	MaxCoverageRetries int
	// PollInterval is the idle sleep between iterations.
	PollInterval time.Duration

	TargetFrame      string
	DistortedFrame   string
	PublishDistorted bool

	Sink     Sink     // optional
	Recorder Recorder // optional
	Clock    timeutil.Clock
	Registry gometrics.Registry
}

// Worker drains matched pairs and emits deskewed sweeps. It is the only
// consumer of the pair queue. Step and Reset are serialized so a reset never
// lands between peeking a pair and consuming it.
type Worker struct {
	cfg     WorkerConfig
	buffers *ingest.Buffers

	stepMu sync.Mutex

	retries   atomic.Int64
	processed atomic.Uint64

	mu     sync.Mutex
	recent []SweepReport

	deferred         gometrics.Counter
	shortWindow      gometrics.Counter
	coverageTimeouts gometrics.Counter
	deskewed         gometrics.Counter
	flaggedPoints    gometrics.Counter
	propagateTimer   gometrics.Timer
	deskewTimer      gometrics.Timer
}

// NewWorker returns a Worker reading from buffers.
func NewWorker(buffers *ingest.Buffers, cfg WorkerConfig) *Worker {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.Deskewer == nil {
		cfg.Deskewer = &deskew.Deskewer{Extrinsic: geom.IdentityTransform()}
	}
	r := cfg.Registry
	return &Worker{
		cfg:              cfg,
		buffers:          buffers,
		deferred:         monitoring.Counter(r, monitoring.MetricDeferred),
		shortWindow:      monitoring.Counter(r, monitoring.MetricShortWindow),
		coverageTimeouts: monitoring.Counter(r, monitoring.MetricCoverageTimeouts),
		deskewed:         monitoring.Counter(r, monitoring.MetricDeskewed),
		flaggedPoints:    monitoring.Counter(r, monitoring.MetricFlaggedPoints),
		propagateTimer:   monitoring.Timer(r, monitoring.MetricPropagateDuration),
		deskewTimer:      monitoring.Timer(r, monitoring.MetricDeskewDuration),
	}
}

// Run polls until ctx is cancelled. The context is checked once per
// iteration; a sweep in flight always completes.
func (w *Worker) Run(ctx context.Context) error {
	monitoring.Logf("[Worker] started (poll=%s, min_samples=%d, margin=%s)",
		w.cfg.PollInterval, w.cfg.MinInertialSamples, w.cfg.CoverageMargin)
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("[Worker] stopping after %d sweeps", w.Processed())
			return nil
		default:
		}

		outcome, err := w.Step(ctx)
		if err != nil {
			opsf("sweep outcome %s: %v", outcome, err)
		}
		if outcome != OutcomeIdle && outcome != OutcomeDeferred {
			continue
		}
		select {
		case <-ctx.Done():
		case <-w.cfg.Clock.After(w.cfg.PollInterval):
		}
	}
}

// Step processes at most one pair and reports what happened to it.
func (w *Worker) Step(ctx context.Context) (Outcome, error) {
	w.stepMu.Lock()
	defer w.stepMu.Unlock()
	pair, ok := w.buffers.NextPair()
	if !ok {
		return OutcomeIdle, nil
	}
	sweep := pair.Sweep
	start := pair.Pose.Timestamp
	end := sweep.End()

	report := SweepReport{
		Sequence: sweep.Sequence,
		Start:    sweep.Start,
		End:      end,
		PoseTime: start,
		Points:   len(sweep.Points),
	}

	if !w.buffers.Inertial.Covers(end.Add(w.cfg.CoverageMargin)) {
		if w.retries.Add(1) <= int64(w.cfg.MaxCoverageRetries) {
			w.deferred.Inc(1)
			return OutcomeDeferred, nil
		}
		w.buffers.ConsumePair()
		w.retries.Store(0)
		w.coverageTimeouts.Inc(1)
		err := fmt.Errorf("sweep %d not covered after %d retries: %w", sweep.Sequence, w.cfg.MaxCoverageRetries, sensor.ErrInsufficientCoverage)
		return w.finish(ctx, report, OutcomeCoverageTimeout, err)
	}
	w.retries.Store(0)
	w.buffers.ConsumePair()

	w.buffers.Inertial.Prune(start)
	window, err := imu.ExtractWindow(w.buffers.Inertial.Collect(end), start, end)
	if err != nil {
		// Coverage of the end was checked above, so the buffer starts after
		// the anchor pose: the inertial stream began after this sweep.
		if errors.Is(err, sensor.ErrInsufficientCoverage) {
			err = fmt.Errorf("sweep %d: %w: %w", sweep.Sequence, sensor.ErrStaleInput, err)
			return w.finish(ctx, report, OutcomeStale, err)
		}
		return w.finish(ctx, report, OutcomeFailed, err)
	}
	report.InertialSamples = len(window)
	if len(window) < w.cfg.MinInertialSamples {
		w.shortWindow.Inc(1)
		err := fmt.Errorf("sweep %d: %d samples, need %d: %w", sweep.Sequence, len(window), w.cfg.MinInertialSamples, sensor.ErrShortInertialWindow)
		return w.finish(ctx, report, OutcomeShortWindow, err)
	}

	t0 := w.cfg.Clock.Now()
	traj, err := w.cfg.Propagator.Propagate(pair.Pose, window)
	report.PropagateDuration = w.cfg.Clock.Since(t0)
	w.propagateTimer.Update(report.PropagateDuration)
	if err != nil {
		return w.finish(ctx, report, OutcomeFailed, err)
	}
	if tw := traceWriter(); tw != nil {
		_ = traj.WriteReport(tw)
	}
	first, last := traj.Samples[0], traj.Samples[len(traj.Samples)-1]
	report.RotationRad = geom.AngleBetween(first.Orientation, last.Orientation)
	report.TranslationM = r3.Norm(r3.Sub(last.Position, first.Position))

	t1 := w.cfg.Clock.Now()
	out, stats, deskewErr := w.cfg.Deskewer.Deskew(sweep, traj)
	report.DeskewDuration = w.cfg.Clock.Since(t1)
	w.deskewTimer.Update(report.DeskewDuration)
	out.FrameID = w.cfg.TargetFrame
	report.Flagged = stats.Flagged

	outcome := OutcomeDeskewed
	if deskewErr != nil {
		outcome = OutcomeFlagged
		w.flaggedPoints.Inc(int64(stats.Flagged))
		opsf("internal consistency error: %v", deskewErr)
	}
	w.deskewed.Inc(1)

	result := &Output{Deskewed: out, Pose: pair.Pose}
	if w.cfg.PublishDistorted {
		distorted := w.cfg.Deskewer.Distort(sweep, pair.Pose)
		distorted.FrameID = w.cfg.DistortedFrame
		result.Distorted = &distorted
	}

	report.Outcome = outcome
	result.Report = report
	var sinkErr error
	if !isNilInterface(w.cfg.Sink) {
		if err := w.cfg.Sink.Publish(ctx, result); err != nil {
			sinkErr = fmt.Errorf("publish sweep %d: %w", sweep.Sequence, err)
		}
	}
	diagf("sweep %d: %d points, %d inertial, rot=%.4f rad, trans=%.3f m, deskew=%s",
		sweep.Sequence, report.Points, report.InertialSamples, report.RotationRad, report.TranslationM, report.DeskewDuration)
	_, err = w.finish(ctx, report, outcome, errors.Join(deskewErr, sinkErr))
	return outcome, err
}

// finish records the report and bumps the processed count.
func (w *Worker) finish(ctx context.Context, report SweepReport, outcome Outcome, err error) (Outcome, error) {
	report.Outcome = outcome
	if err != nil {
		report.Error = err.Error()
	}
	w.processed.Add(1)

	w.mu.Lock()
	w.recent = append(w.recent, report)
	if len(w.recent) > recentReports {
		w.recent = w.recent[len(w.recent)-recentReports:]
	}
	w.mu.Unlock()

	if !isNilInterface(w.cfg.Recorder) {
		if rerr := w.cfg.Recorder.RecordSweep(ctx, report); rerr != nil {
			opsf("record sweep %d: %v", report.Sequence, rerr)
		}
	}
	return outcome, err
}

// Processed returns the number of pairs that have left the queue.
func (w *Worker) Processed() uint64 { return w.processed.Load() }

// Recent returns up to n of the most recent reports, oldest first.
func (w *Worker) Recent(n int) []SweepReport {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n <= 0 || n > len(w.recent) {
		n = len(w.recent)
	}
	return append([]SweepReport(nil), w.recent[len(w.recent)-n:]...)
}

// Reset clears the retry counter, the report history and the ingest buffers.
// It may be called while Run is active and waits for an in-flight Step.
func (w *Worker) Reset() {
	w.stepMu.Lock()
	defer w.stepMu.Unlock()
	w.retries.Store(0)
	w.processed.Store(0)
	w.mu.Lock()
	w.recent = nil
	w.mu.Unlock()
	w.buffers.Reset()
}

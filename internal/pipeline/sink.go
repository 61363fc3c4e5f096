package pipeline

import (
	"context"
	"errors"
	"reflect"
	"time"

	"github.com/lericson/oblam-deskew/internal/sensor"
)

// Outcome classifies what the worker did with the head of the pair queue.
type Outcome string

const (
	OutcomeIdle            Outcome = "idle"
	OutcomeDeferred        Outcome = "deferred"
	OutcomeDeskewed        Outcome = "deskewed"
	OutcomeFlagged         Outcome = "flagged"
	OutcomeStale           Outcome = "stale"
	OutcomeShortWindow     Outcome = "short_window"
	OutcomeCoverageTimeout Outcome = "coverage_timeout"
	OutcomeFailed          Outcome = "failed"
)

// SweepReport describes one sweep that left the pair queue.
type SweepReport struct {
	Sequence          uint64        `json:"sequence"`
	Start             time.Time     `json:"start"`
	End               time.Time     `json:"end"`
	PoseTime          time.Time     `json:"pose_time"`
	InertialSamples   int           `json:"inertial_samples"`
	Points            int           `json:"points"`
	Flagged           int           `json:"flagged"`
	Outcome           Outcome       `json:"outcome"`
	RotationRad       float64       `json:"rotation_rad"`
	TranslationM      float64       `json:"translation_m"`
	PropagateDuration time.Duration `json:"propagate_ns"`
	DeskewDuration    time.Duration `json:"deskew_ns"`
	Error             string        `json:"error,omitempty"`
}

// Output is everything produced for one accepted sweep.
type Output struct {
	Deskewed sensor.Sweep
	// Distorted is the anchor-only transform of the same sweep, or nil when
	// diagnostic output is disabled.
	Distorted *sensor.Sweep
	Pose      sensor.PoseSample
	Report    SweepReport
}

// Sink receives deskewed sweeps. Publish is called from the worker goroutine.
type Sink interface {
	Publish(ctx context.Context, out *Output) error
}

// Recorder persists a report for every sweep that leaves the pair queue,
// accepted or not.
type Recorder interface {
	RecordSweep(ctx context.Context, r SweepReport) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, out *Output) error

func (f SinkFunc) Publish(ctx context.Context, out *Output) error { return f(ctx, out) }

// MultiSink publishes to every sink in order and joins their errors.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, out *Output) error {
	var errs []error
	for _, s := range m {
		if isNilInterface(s) {
			continue
		}
		if err := s.Publish(ctx, out); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MultiRecorder records to every recorder in order and joins their errors.
type MultiRecorder []Recorder

func (m MultiRecorder) RecordSweep(ctx context.Context, r SweepReport) error {
	var errs []error
	for _, rec := range m {
		if isNilInterface(rec) {
			continue
		}
		if err := rec.RecordSweep(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// isNilInterface reports whether i is nil or wraps a nil pointer.
func isNilInterface(i interface{}) bool {
	if i == nil {
		return true
	}
	v := reflect.ValueOf(i)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return v.IsNil()
	}
	return false
}

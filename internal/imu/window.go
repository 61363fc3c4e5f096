package imu

import (
	"fmt"
	"sort"
	"time"

	"github.com/lericson/oblam-deskew/internal/geom"
	"github.com/lericson/oblam-deskew/internal/sensor"
)

// ExtractWindow returns the samples covering [tstart, tend]: a synthetic
// sample interpolated at tstart, every real sample strictly inside the
// interval, and a synthetic sample interpolated at tend. samples must be in
// increasing timestamp order.
//
// It fails with ErrInsufficientCoverage when fewer than two samples are given
// or the samples do not bracket the interval.
func ExtractWindow(samples []sensor.InertialSample, tstart, tend time.Time) ([]sensor.InertialSample, error) {
	if tend.Before(tstart) {
		return nil, fmt.Errorf("window end %s before start %s", tend.Format(time.RFC3339Nano), tstart.Format(time.RFC3339Nano))
	}
	if len(samples) < 2 {
		return nil, fmt.Errorf("%d inertial samples: %w", len(samples), sensor.ErrInsufficientCoverage)
	}
	first, last := samples[0].Timestamp, samples[len(samples)-1].Timestamp
	if first.After(tstart) || last.Before(tend) {
		return nil, fmt.Errorf("samples span [%s, %s], need [%s, %s]: %w",
			first.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano),
			tstart.Format(time.RFC3339Nano), tend.Format(time.RFC3339Nano), sensor.ErrInsufficientCoverage)
	}

	out := make([]sensor.InertialSample, 0, len(samples)+2)
	out = append(out, interpolateAt(samples, tstart))
	for _, s := range samples {
		if s.Timestamp.After(tstart) && s.Timestamp.Before(tend) {
			out = append(out, s)
		}
	}
	out = append(out, interpolateAt(samples, tend))
	return out, nil
}

// interpolateAt linearly interpolates the bracketing pair around t. t must lie
// within the span of samples.
func interpolateAt(samples []sensor.InertialSample, t time.Time) sensor.InertialSample {
	k := sort.Search(len(samples), func(i int) bool { return !samples[i].Timestamp.Before(t) })
	if samples[k].Timestamp.Equal(t) {
		return samples[k]
	}
	return Interpolate(samples[k-1], samples[k], t)
}

// Interpolate blends a and b at t: x = (1-s)·a + s·b with
// s = (t - a.t)/(b.t - a.t). s=0 and s=1 reproduce a and b exactly.
func Interpolate(a, b sensor.InertialSample, t time.Time) sensor.InertialSample {
	s := fraction(a.Timestamp, b.Timestamp, t)
	return sensor.InertialSample{
		Timestamp:          t,
		AngularVelocity:    geom.Lerp(a.AngularVelocity, b.AngularVelocity, s),
		LinearAcceleration: geom.Lerp(a.LinearAcceleration, b.LinearAcceleration, s),
	}
}

func fraction(a, b, t time.Time) float64 {
	span := b.Sub(a)
	if span <= 0 {
		return 0
	}
	return float64(t.Sub(a)) / float64(span)
}

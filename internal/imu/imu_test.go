package imu

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/lericson/oblam-deskew/internal/geom"
	"github.com/lericson/oblam-deskew/internal/sensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

func ramp(from, to, step int) []sensor.InertialSample {
	var out []sensor.InertialSample
	for ms := from; ms <= to; ms += step {
		out = append(out, sensor.InertialSample{
			Timestamp:          at(ms),
			AngularVelocity:    r3.Vec{X: float64(ms), Y: 1, Z: -float64(ms) / 10},
			LinearAcceleration: r3.Vec{Z: float64(ms) * 2},
		})
	}
	return out
}

func TestExtractWindow_BracketsInterval(t *testing.T) {
	samples := ramp(0, 100, 10)
	got, err := ExtractWindow(samples, at(15), at(72))
	require.NoError(t, err)

	require.Len(t, got, 2+6) // boundaries plus 20,30,40,50,60,70
	assert.Equal(t, at(15), got[0].Timestamp)
	assert.Equal(t, at(72), got[len(got)-1].Timestamp)
	assert.Equal(t, samples[2], got[1], "interior samples are unchanged")
	assert.Equal(t, samples[7], got[len(got)-2])

	assert.InDelta(t, 15.0, got[0].AngularVelocity.X, 1e-9)
	assert.InDelta(t, 30.0, got[0].LinearAcceleration.Z, 1e-9)
	assert.InDelta(t, 72.0, got[len(got)-1].AngularVelocity.X, 1e-9)

	for i := 1; i < len(got); i++ {
		assert.True(t, got[i].Timestamp.After(got[i-1].Timestamp))
	}
}

func TestExtractWindow_ExactBoundariesReproduceSamples(t *testing.T) {
	samples := ramp(0, 100, 10)
	got, err := ExtractWindow(samples, at(20), at(80))
	require.NoError(t, err)
	assert.Equal(t, samples[2], got[0])
	assert.Equal(t, samples[8], got[len(got)-1])
	assert.Len(t, got, 7)
}

func TestExtractWindow_TwoSamples(t *testing.T) {
	samples := ramp(0, 10, 10)
	got, err := ExtractWindow(samples, at(2), at(8))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDelta(t, 2.0, got[0].AngularVelocity.X, 1e-9)
	assert.InDelta(t, 8.0, got[1].AngularVelocity.X, 1e-9)
}

func TestExtractWindow_InsufficientCoverage(t *testing.T) {
	samples := ramp(0, 100, 10)
	tests := []struct {
		name       string
		samples    []sensor.InertialSample
		start, end time.Time
	}{
		{"empty", nil, at(0), at(10)},
		{"single", samples[:1], at(0), at(0)},
		{"starts late", samples, at(-1), at(50)},
		{"ends early", samples, at(10), at(101)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ExtractWindow(tt.samples, tt.start, tt.end)
			assert.True(t, errors.Is(err, sensor.ErrInsufficientCoverage), "got %v", err)
		})
	}

	_, err := ExtractWindow(samples, at(50), at(40))
	assert.Error(t, err)
}

func TestInterpolate_Endpoints(t *testing.T) {
	a := sensor.InertialSample{Timestamp: at(0), AngularVelocity: r3.Vec{X: 0.1, Y: 0.2, Z: 0.3}, LinearAcceleration: r3.Vec{X: 1.1}}
	b := sensor.InertialSample{Timestamp: at(3), AngularVelocity: r3.Vec{X: -7.3, Y: 1e-7, Z: 5}, LinearAcceleration: r3.Vec{Y: 9.7}}
	assert.Equal(t, a, Interpolate(a, b, at(0)))
	assert.Equal(t, b, Interpolate(a, b, at(3)))
}

func identityAnchor(ms int) sensor.PoseSample {
	return sensor.PoseSample{Timestamp: at(ms), Orientation: geom.Identity}
}

func TestPropagate_FirstSampleIsAnchor(t *testing.T) {
	anchor := sensor.PoseSample{
		Timestamp:      at(0),
		Orientation:    geom.FromYawPitchRoll(0.3, 0.1, -0.2),
		Position:       r3.Vec{X: 1, Y: 2, Z: 3},
		LinearVelocity: r3.Vec{X: 1},
	}
	p := Propagator{Gravity: r3.Vec{Z: 9.81}, GyroBias: r3.Vec{X: 0.01}, AccelBias: r3.Vec{Z: 0.1}}
	traj, err := p.Propagate(anchor, ramp(0, 100, 10))
	require.NoError(t, err)
	require.Len(t, traj.Samples, 11)

	first := traj.Samples[0]
	assert.Equal(t, anchor.Timestamp, first.Timestamp)
	assert.Equal(t, anchor.Orientation, first.Orientation)
	assert.Equal(t, anchor.Position, first.Position)
	if diff := cmp.Diff(geom.Rotate(anchor.Orientation, r3.Vec{X: 1}), first.Velocity, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("velocity not rotated into world frame (-want +got):\n%s", diff)
	}
}

func TestPropagate_RejectsMisalignedWindow(t *testing.T) {
	_, err := Propagator{}.Propagate(identityAnchor(5), ramp(0, 100, 10))
	assert.Error(t, err)
	_, err = Propagator{}.Propagate(identityAnchor(0), nil)
	assert.True(t, errors.Is(err, sensor.ErrShortInertialWindow))
}

// Constant yaw rate of 1 rad/s for 1 s with gravity removed.
func TestPropagate_ConstantYawRate(t *testing.T) {
	var raw []sensor.InertialSample
	for i := 0; i <= 10; i++ {
		raw = append(raw, sensor.InertialSample{
			Timestamp:       t0.Add(time.Duration(i) * 100 * time.Millisecond),
			AngularVelocity: r3.Vec{Z: 1},
		})
	}
	window, err := ExtractWindow(raw, t0, t0.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, window, 11)

	traj, err := Propagator{}.Propagate(sensor.PoseSample{Timestamp: t0, Orientation: geom.Identity}, window)
	require.NoError(t, err)

	final := traj.Samples[len(traj.Samples)-1]
	yaw, pitch, roll := YawPitchRollDeg(final.Orientation)
	dt := 0.1
	assert.InDelta(t, 1.0, yaw*math.Pi/180, dt, "within O(dt) of the true rotation")
	assert.InDelta(t, 1.0, geom.Angle(final.Orientation), 1e-9, "rotations about one axis compose exactly")
	assert.InDelta(t, 0.0, pitch, 1e-9)
	assert.InDelta(t, 0.0, roll, 1e-9)
	assert.Equal(t, r3.Vec{}, final.Position)

	for i, s := range traj.Samples {
		assert.InDelta(t, 0.1*float64(i), geom.Angle(s.Orientation), 1e-9)
	}
}

func TestPropagate_ConstantAcceleration(t *testing.T) {
	g := r3.Vec{Z: 9.81}
	var raw []sensor.InertialSample
	for i := 0; i <= 10; i++ {
		raw = append(raw, sensor.InertialSample{
			Timestamp:          t0.Add(time.Duration(i) * 100 * time.Millisecond),
			LinearAcceleration: r3.Vec{X: 2, Z: 9.81},
		})
	}
	traj, err := Propagator{Gravity: g}.Propagate(
		sensor.PoseSample{Timestamp: t0, Orientation: geom.Identity, LinearVelocity: r3.Vec{Y: 1}}, raw)
	require.NoError(t, err)

	final := traj.Samples[len(traj.Samples)-1]
	// Constant acceleration is integrated exactly by p += v dt + ½ a dt².
	want := r3.Vec{X: 0.5 * 2 * 1 * 1, Y: 1}
	if diff := cmp.Diff(want, final.Position, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("position mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(r3.Vec{X: 2, Y: 1}, final.Velocity, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("velocity mismatch (-want +got):\n%s", diff)
	}
}

func TestPropagate_BiasesSubtracted(t *testing.T) {
	bias := r3.Vec{X: 0.1, Y: -0.2, Z: 0.05}
	var raw []sensor.InertialSample
	for i := 0; i <= 4; i++ {
		raw = append(raw, sensor.InertialSample{
			Timestamp:          t0.Add(time.Duration(i) * 10 * time.Millisecond),
			AngularVelocity:    bias,
			LinearAcceleration: r3.Vec{Z: 9.82 + 0.1},
		})
	}
	p := Propagator{Gravity: r3.Vec{Z: 9.82}, GyroBias: bias, AccelBias: r3.Vec{Z: 0.1}}
	traj, err := p.Propagate(identityAnchor(0), raw)
	require.NoError(t, err)
	for _, s := range traj.Samples {
		assert.InDelta(t, 0.0, geom.Angle(s.Orientation), 1e-12)
		assert.InDelta(t, 0.0, r3.Norm(s.Position), 1e-12)
	}
}

func yawTrajectory() *Trajectory {
	var samples []sensor.TrajectorySample
	for i := 0; i <= 4; i++ {
		samples = append(samples, sensor.TrajectorySample{
			Timestamp:   at(i * 100),
			Orientation: geom.ExpMap(r3.Vec{Z: 0.1 * float64(i)}),
			Position:    r3.Vec{X: float64(i)},
		})
	}
	return &Trajectory{Samples: samples}
}

func TestTrajectory_Bracket(t *testing.T) {
	traj := yawTrajectory()
	tests := []struct {
		ms    int
		wantJ int
		wantS float64
		ok    bool
	}{
		{0, 0, 0, true},
		{50, 0, 0.5, true},
		{100, 1, 0, true},
		{399, 3, 0.99, true},
		{400, 3, 1, true},
		{-1, 0, 0, false},
		{401, 0, 0, false},
	}
	for _, tt := range tests {
		j, s, ok := traj.Bracket(at(tt.ms))
		assert.Equal(t, tt.ok, ok, "ms=%d", tt.ms)
		if tt.ok {
			assert.Equal(t, tt.wantJ, j, "ms=%d", tt.ms)
			assert.InDelta(t, tt.wantS, s, 1e-12, "ms=%d", tt.ms)
		}
	}
}

func TestTrajectory_AtEndpointsExact(t *testing.T) {
	traj := yawTrajectory()
	for _, s := range traj.Samples {
		q, p, ok := traj.At(s.Timestamp)
		require.True(t, ok)
		assert.Equal(t, s.Position, p)
		assert.InDelta(t, 0.0, geom.AngleBetween(s.Orientation, q), 1e-12)
	}
	q, p, ok := traj.At(at(250))
	require.True(t, ok)
	assert.InDelta(t, 2.5, p.X, 1e-12)
	assert.InDelta(t, 0.25, geom.Angle(q), 1e-9)
}

func TestTrajectory_SingleSample(t *testing.T) {
	traj := &Trajectory{Samples: []sensor.TrajectorySample{{Timestamp: at(0), Orientation: geom.Identity, Position: r3.Vec{X: 7}}}}
	q, p, ok := traj.At(at(0))
	require.True(t, ok)
	assert.Equal(t, quat.Number(geom.Identity), q)
	assert.Equal(t, r3.Vec{X: 7}, p)
	_, _, ok = traj.At(at(1))
	assert.False(t, ok)
}

func TestCursor_MatchesBracket(t *testing.T) {
	traj := yawTrajectory()
	c := traj.NewCursor(at(0))
	for ms := 0; ms <= 400; ms += 7 {
		cj, cs, cok := c.Seek(at(ms))
		bj, bs, bok := traj.Bracket(at(ms))
		require.Equal(t, bok, cok)
		assert.Equal(t, bj, cj, "ms=%d", ms)
		assert.InDelta(t, bs, cs, 1e-12)
	}
	// Going backwards falls back to a search.
	j, _, ok := c.Seek(at(120))
	assert.True(t, ok)
	assert.Equal(t, 1, j)

	_, _, ok = c.Seek(at(500))
	assert.False(t, ok)
}

func TestWriteReport(t *testing.T) {
	var sb strings.Builder
	require.NoError(t, yawTrajectory().WriteReport(&sb))
	lines := strings.Split(strings.TrimSpace(sb.String()), "\n")
	require.Len(t, lines, 5)
	assert.True(t, strings.HasPrefix(lines[0], "IMU prop   0 t= +0.0000s"))
	assert.Contains(t, lines[4], "ypr=(  22.918")
	assert.Equal(t, 400*time.Millisecond, yawTrajectory().Span())
}

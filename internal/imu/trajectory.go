package imu

import (
	"sort"
	"time"

	"github.com/lericson/oblam-deskew/internal/geom"
	"github.com/lericson/oblam-deskew/internal/sensor"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Trajectory is a time-ordered run of propagated states. It is immutable once
// built and safe for concurrent readers.
type Trajectory struct {
	Samples []sensor.TrajectorySample
}

// Start returns the first sample time.
func (t *Trajectory) Start() time.Time { return t.Samples[0].Timestamp }

// End returns the last sample time.
func (t *Trajectory) End() time.Time { return t.Samples[len(t.Samples)-1].Timestamp }

// Contains reports whether ts lies within [Start, End].
func (t *Trajectory) Contains(ts time.Time) bool {
	return len(t.Samples) > 0 && !ts.Before(t.Start()) && !ts.After(t.End())
}

// Bracket finds j and s such that ts lies between samples j and j+1 at
// fraction s. ok is false if ts is outside the trajectory.
func (t *Trajectory) Bracket(ts time.Time) (j int, s float64, ok bool) {
	if !t.Contains(ts) {
		return 0, 0, false
	}
	n := len(t.Samples)
	k := sort.Search(n, func(i int) bool { return t.Samples[i].Timestamp.After(ts) })
	j = clampIndex(k-1, n)
	return j, t.fraction(j, ts), true
}

func clampIndex(j, n int) int {
	if j > n-2 {
		j = n - 2
	}
	if j < 0 {
		j = 0
	}
	return j
}

func (t *Trajectory) fraction(j int, ts time.Time) float64 {
	if j+1 >= len(t.Samples) {
		return 0
	}
	return fraction(t.Samples[j].Timestamp, t.Samples[j+1].Timestamp, ts)
}

// Interpolate returns the orientation (slerp) and position (lerp) between
// samples j and j+1 at fraction s.
func (t *Trajectory) Interpolate(j int, s float64) (quat.Number, r3.Vec) {
	a := t.Samples[j]
	if j+1 >= len(t.Samples) {
		return a.Orientation, a.Position
	}
	b := t.Samples[j+1]
	return geom.Slerp(a.Orientation, b.Orientation, s), geom.Lerp(a.Position, b.Position, s)
}

// At returns the interpolated pose at ts.
func (t *Trajectory) At(ts time.Time) (quat.Number, r3.Vec, bool) {
	j, s, ok := t.Bracket(ts)
	if !ok {
		return quat.Number{}, r3.Vec{}, false
	}
	q, p := t.Interpolate(j, s)
	return q, p, true
}

// Cursor walks a Trajectory forward for non-decreasing query times, so a
// sweep of N points costs O(N + len(Samples)) rather than O(N log M).
type Cursor struct {
	traj *Trajectory
	j    int
}

// NewCursor returns a cursor positioned at the bracket containing ts, or at
// the start if ts is outside the trajectory.
func (t *Trajectory) NewCursor(ts time.Time) *Cursor {
	j, _, _ := t.Bracket(ts)
	return &Cursor{traj: t, j: j}
}

// Seek positions the cursor for ts and returns the bracket. A query earlier
// than the current bracket falls back to a binary search.
func (c *Cursor) Seek(ts time.Time) (j int, s float64, ok bool) {
	t := c.traj
	if !t.Contains(ts) {
		return c.j, 0, false
	}
	if ts.Before(t.Samples[c.j].Timestamp) {
		c.j, _, _ = t.Bracket(ts)
	}
	n := len(t.Samples)
	for c.j+2 < n && !t.Samples[c.j+1].Timestamp.After(ts) {
		c.j++
	}
	return c.j, t.fraction(c.j, ts), true
}

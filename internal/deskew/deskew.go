// Package deskew re-projects every point of a sweep into the target frame
// using the body pose interpolated at the point's own capture time.
package deskew

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/lericson/oblam-deskew/internal/geom"
	"github.com/lericson/oblam-deskew/internal/imu"
	"github.com/lericson/oblam-deskew/internal/sensor"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"
)

// minChunk keeps tiny sweeps on one goroutine.
const minChunk = 1024

// Deskewer holds the static sensor mounting and the fan-out width.
type Deskewer struct {
	// Extrinsic maps sensor-frame points into the body frame.
	Extrinsic geom.RigidTransform
	// Workers bounds the number of goroutines per sweep. Zero uses GOMAXPROCS.
	Workers int
}

// Stats summarizes one Deskew call.
type Stats struct {
	Points  int
	Flagged int
}

// Deskew returns a new sweep whose points are p = R(q_t)(R_ext·p + t_ext) + p_t,
// where (q_t, p_t) is the trajectory pose at the point's capture time. Point
// order, RelativeTime, Intensity and Reflectivity are preserved.
//
// Points whose capture time lies outside the trajectory are copied unchanged
// and counted in Stats.Flagged; the returned error then wraps
// ErrOutsideTrajectory.
func (d *Deskewer) Deskew(sweep sensor.Sweep, traj *imu.Trajectory) (sensor.Sweep, Stats, error) {
	out := sensor.Sweep{
		Sequence: sweep.Sequence,
		FrameID:  sweep.FrameID,
		Start:    sweep.Start,
		Points:   make([]sensor.PointSample, len(sweep.Points)),
	}
	stats := Stats{Points: len(sweep.Points)}
	if len(sweep.Points) == 0 {
		return out, stats, nil
	}

	var flagged atomic.Int64
	var g errgroup.Group
	for _, c := range d.chunks(len(sweep.Points)) {
		lo, hi := c[0], c[1]
		g.Go(func() error {
			n := d.deskewRange(sweep, traj, out.Points, lo, hi)
			flagged.Add(int64(n))
			return nil
		})
	}
	_ = g.Wait()

	stats.Flagged = int(flagged.Load())
	if stats.Flagged > 0 {
		return out, stats, fmt.Errorf("sweep %d: %d of %d points: %w", sweep.Sequence, stats.Flagged, stats.Points, sensor.ErrOutsideTrajectory)
	}
	return out, stats, nil
}

// deskewRange transforms points[lo:hi] into dst and returns the number of
// points left untransformed.
func (d *Deskewer) deskewRange(sweep sensor.Sweep, traj *imu.Trajectory, dst []sensor.PointSample, lo, hi int) int {
	src := sweep.Points
	cursor := traj.NewCursor(sweep.Start.Add(src[lo].RelativeTime))
	flagged := 0
	for i := lo; i < hi; i++ {
		pt := src[i]
		j, s, ok := cursor.Seek(sweep.Start.Add(pt.RelativeTime))
		if !ok {
			dst[i] = pt
			flagged++
			continue
		}
		q, p := traj.Interpolate(j, s)
		body := d.Extrinsic.Apply(pt.Position)
		pt.Position = r3.Add(geom.Rotate(q, body), p)
		dst[i] = pt
	}
	return flagged
}

func (d *Deskewer) chunks(n int) [][2]int {
	workers := d.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if limit := (n + minChunk - 1) / minChunk; workers > limit {
		workers = limit
	}
	size := (n + workers - 1) / workers
	out := make([][2]int, 0, workers)
	for lo := 0; lo < n; lo += size {
		hi := lo + size
		if hi > n {
			hi = n
		}
		out = append(out, [2]int{lo, hi})
	}
	return out
}

// Distort transforms every point by the single anchor pose composed with the
// extrinsic, ignoring motion during the sweep. The result shows how far the
// uncorrected cloud is from the deskewed one.
func (d *Deskewer) Distort(sweep sensor.Sweep, anchor sensor.PoseSample) sensor.Sweep {
	T := geom.RigidTransform{Rotation: anchor.Orientation, Translation: anchor.Position}.Compose(d.Extrinsic)
	out := sensor.Sweep{
		Sequence: sweep.Sequence,
		FrameID:  sweep.FrameID,
		Start:    sweep.Start,
		Points:   make([]sensor.PointSample, len(sweep.Points)),
	}
	for i, pt := range sweep.Points {
		pt.Position = T.Apply(pt.Position)
		out.Points[i] = pt
	}
	return out
}

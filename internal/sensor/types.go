// Package sensor defines the records exchanged between pipeline stages and
// the error taxonomy shared by them.
package sensor

import (
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// InertialSample is one gyroscope and accelerometer reading in the body frame.
type InertialSample struct {
	Timestamp          time.Time
	AngularVelocity    r3.Vec // rad/s
	LinearAcceleration r3.Vec // m/s², gravity included
}

// PoseSample is one odometry estimate. LinearVelocity is expressed in the body
// frame; consumers rotate it into the world frame with Orientation.
type PoseSample struct {
	Timestamp      time.Time
	Orientation    quat.Number
	Position       r3.Vec
	LinearVelocity r3.Vec
}

// PointSample is one lidar return. RelativeTime is the offset from the sweep
// start and is non-decreasing within a sweep.
type PointSample struct {
	RelativeTime time.Duration
	Position     r3.Vec
	Intensity    float32
	Reflectivity uint16
}

// Sweep is one full acquisition cycle of the lidar. A Sweep is owned by
// exactly one stage at a time; stages hand it on rather than sharing it.
type Sweep struct {
	Sequence uint64
	FrameID  string
	Start    time.Time
	Points   []PointSample
}

// End returns the capture time of the last point, or Start for an empty sweep.
func (s *Sweep) End() time.Time {
	if len(s.Points) == 0 {
		return s.Start
	}
	return s.Start.Add(s.Points[len(s.Points)-1].RelativeTime)
}

// Duration returns End minus Start.
func (s *Sweep) Duration() time.Duration {
	return s.End().Sub(s.Start)
}

// TrajectorySample is one propagated state.
type TrajectorySample struct {
	Timestamp   time.Time
	Orientation quat.Number
	Position    r3.Vec
	Velocity    r3.Vec
}

// Package sim generates mutually consistent inertial, pose and sweep streams
// for a platform yawing at a constant rate while translating at a constant
// world velocity past a static cylindrical scene. Because the ground truth is
// known, a correct deskew recovers the scene points exactly.
package sim

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/lericson/oblam-deskew/internal/geom"
	"github.com/lericson/oblam-deskew/internal/sensor"
	"github.com/lericson/oblam-deskew/internal/timeutil"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Scenario describes the simulated motion and sensors. Zero fields take the
// defaults applied by WithDefaults.
type Scenario struct {
	Start time.Time

	YawRate       float64 // rad/s
	WorldVelocity r3.Vec  // m/s

	IMURate        float64       // Hz
	PoseRate       float64       // Hz
	SweepPeriod    time.Duration // time for one lidar revolution
	SweepOffset    time.Duration // first sweep start after Start
	PointsPerSweep int
	SceneRadius    float64 // m

	Gravity   r3.Vec
	GyroBias  r3.Vec
	AccelBias r3.Vec
	Extrinsic geom.RigidTransform
}

// WithDefaults fills unset fields.
func (s Scenario) WithDefaults() Scenario {
	if s.Start.IsZero() {
		s.Start = time.Unix(1700000000, 0).UTC()
	}
	if s.IMURate == 0 {
		s.IMURate = 200
	}
	if s.PoseRate == 0 {
		s.PoseRate = 20
	}
	if s.SweepPeriod == 0 {
		s.SweepPeriod = 100 * time.Millisecond
	}
	if s.SweepOffset == 0 {
		s.SweepOffset = 7 * time.Millisecond
	}
	if s.PointsPerSweep == 0 {
		s.PointsPerSweep = 1024
	}
	if s.SceneRadius == 0 {
		s.SceneRadius = 10
	}
	if s.Extrinsic == (geom.RigidTransform{}) {
		s.Extrinsic = geom.IdentityTransform()
	}
	return s
}

// BodyPose returns the true world-from-body transform at t.
func (s Scenario) BodyPose(t time.Time) geom.RigidTransform {
	dt := t.Sub(s.Start).Seconds()
	return geom.RigidTransform{
		Rotation:    geom.ExpMap(r3.Vec{Z: s.YawRate * dt}),
		Translation: r3.Scale(dt, s.WorldVelocity),
	}
}

// Inertial returns the reading an ideal IMU with the scenario biases would
// report at t. World acceleration is zero, so the specific force is gravity
// seen from the body.
func (s Scenario) Inertial(t time.Time) sensor.InertialSample {
	q := s.BodyPose(t).Rotation
	return sensor.InertialSample{
		Timestamp:          t,
		AngularVelocity:    r3.Add(r3.Vec{Z: s.YawRate}, s.GyroBias),
		LinearAcceleration: r3.Add(geom.Rotate(quat.Conj(q), s.Gravity), s.AccelBias),
	}
}

// Pose returns the odometry estimate at t with body-frame velocity.
func (s Scenario) Pose(t time.Time) sensor.PoseSample {
	T := s.BodyPose(t)
	return sensor.PoseSample{
		Timestamp:      t,
		Orientation:    T.Rotation,
		Position:       T.Translation,
		LinearVelocity: geom.Rotate(quat.Conj(T.Rotation), s.WorldVelocity),
	}
}

// Sweep returns sweep seq starting at start, along with the world-frame scene
// point behind every return. Point i is captured at start + i·period/N while
// the beam sweeps azimuth 2πi/N in the sensor frame.
func (s Scenario) Sweep(seq uint64, start time.Time) (sensor.Sweep, []r3.Vec) {
	n := s.PointsPerSweep
	sw := sensor.Sweep{Sequence: seq, FrameID: "os_sensor", Start: start, Points: make([]sensor.PointSample, n)}
	world := make([]r3.Vec, n)
	sensorFromWorld := func(t time.Time) geom.RigidTransform {
		return s.BodyPose(t).Compose(s.Extrinsic).Inverse()
	}
	for i := 0; i < n; i++ {
		rel := s.SweepPeriod * time.Duration(i) / time.Duration(n)
		t := start.Add(rel)
		az := 2 * math.Pi * float64(i) / float64(n)
		elev := float64(i%16-8) * 0.02

		// Cast the beam from the sensor origin and intersect the scene
		// cylinder centred on the world origin.
		wFromS := s.BodyPose(t).Compose(s.Extrinsic)
		origin := wFromS.Translation
		dir := geom.Rotate(wFromS.Rotation, r3.Vec{X: math.Cos(az), Y: math.Sin(az), Z: elev})
		w := r3.Add(origin, r3.Scale(cylinderHit(origin, dir, s.SceneRadius), dir))

		world[i] = w
		sw.Points[i] = sensor.PointSample{
			RelativeTime: rel,
			Position:     sensorFromWorld(t).Apply(w),
			Intensity:    float32(i % 255),
			Reflectivity: uint16(i % 1024),
		}
	}
	return sw, world
}

// cylinderHit returns the ray parameter where origin + k·dir meets the
// vertical cylinder x²+y²=r². origin must be inside the cylinder.
func cylinderHit(origin, dir r3.Vec, r float64) float64 {
	a := dir.X*dir.X + dir.Y*dir.Y
	b := 2 * (origin.X*dir.X + origin.Y*dir.Y)
	c := origin.X*origin.X + origin.Y*origin.Y - r*r
	return (-b + math.Sqrt(b*b-4*a*c)) / (2 * a)
}

// Feeder receives generated records.
type Feeder interface {
	AddInertial(sensor.InertialSample) error
	AddPose(sensor.PoseSample) error
	AddSweep(sensor.Sweep)
}

// Event is one generated record, stamped with the time it becomes available.
type Event struct {
	At       time.Time
	Inertial *sensor.InertialSample
	Pose     *sensor.PoseSample
	Sweep    *sensor.Sweep
}

// Events returns every record available within [Start, Start+d] in arrival
// order. Sweeps become available at their end time, after their last point.
func (s Scenario) Events(d time.Duration) []Event {
	end := s.Start.Add(d)
	var ev []Event

	imuStep := time.Duration(float64(time.Second) / s.IMURate)
	for t := s.Start; !t.After(end); t = t.Add(imuStep) {
		smp := s.Inertial(t)
		ev = append(ev, Event{At: t, Inertial: &smp})
	}
	poseStep := time.Duration(float64(time.Second) / s.PoseRate)
	for t := s.Start; !t.After(end); t = t.Add(poseStep) {
		p := s.Pose(t)
		ev = append(ev, Event{At: t, Pose: &p})
	}
	seq := uint64(0)
	for t := s.Start.Add(s.SweepOffset); !t.Add(s.SweepPeriod).After(end); t = t.Add(s.SweepPeriod) {
		seq++
		sw, _ := s.Sweep(seq, t)
		ev = append(ev, Event{At: sw.End(), Sweep: &sw})
	}
	sort.SliceStable(ev, func(i, j int) bool { return ev[i].At.Before(ev[j].At) })
	return ev
}

// Play delivers the events of a d-long run to f. With a clock it paces them
// in real time relative to the first event; with a nil clock it delivers
// them as fast as possible. Play returns early when ctx is cancelled.
func (s Scenario) Play(ctx context.Context, f Feeder, d time.Duration, clock timeutil.Clock) error {
	events := s.Events(d)
	var wallStart time.Time
	if clock != nil {
		wallStart = clock.Now()
	}
	for _, e := range events {
		if clock != nil {
			if wait := e.At.Sub(s.Start) - clock.Since(wallStart); wait > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-clock.After(wait):
				}
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		switch {
		case e.Inertial != nil:
			_ = f.AddInertial(*e.Inertial)
		case e.Pose != nil:
			_ = f.AddPose(*e.Pose)
		case e.Sweep != nil:
			f.AddSweep(*e.Sweep)
		}
	}
	return nil
}

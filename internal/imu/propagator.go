package imu

import (
	"fmt"
	"time"

	"github.com/lericson/oblam-deskew/internal/geom"
	"github.com/lericson/oblam-deskew/internal/sensor"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Propagator integrates inertial windows with first-order Euler steps.
type Propagator struct {
	// Gravity is the world-frame gravity vector subtracted from the rotated
	// specific force.
	Gravity   r3.Vec
	GyroBias  r3.Vec
	AccelBias r3.Vec
}

// Propagate integrates window starting from anchor. window[0] must be at the
// anchor time. The result has one sample per window entry and its first
// sample carries the anchor orientation and position unchanged, with the
// anchor's body-frame velocity rotated into the world frame.
//
// Each step from t_i to t_{i+1} applies:
//
//	q_{i+1} = q_i ⊗ exp(½(ω_i - b_g)·dt)
//	a_i     = q_i·(α_i - b_a) - g
//	v_{i+1} = v_i + a_i·dt
//	p_{i+1} = p_i + v_i·dt + ½·a_i·dt²
func (p Propagator) Propagate(anchor sensor.PoseSample, window []sensor.InertialSample) (*Trajectory, error) {
	if len(window) == 0 {
		return nil, fmt.Errorf("empty inertial window: %w", sensor.ErrShortInertialWindow)
	}
	if !window[0].Timestamp.Equal(anchor.Timestamp) {
		return nil, fmt.Errorf("window starts at %s, anchor at %s",
			window[0].Timestamp.Format(time.RFC3339Nano), anchor.Timestamp.Format(time.RFC3339Nano))
	}

	out := make([]sensor.TrajectorySample, len(window))
	q := anchor.Orientation
	pos := anchor.Position
	vel := geom.Rotate(q, anchor.LinearVelocity)
	out[0] = sensor.TrajectorySample{Timestamp: anchor.Timestamp, Orientation: q, Position: pos, Velocity: vel}

	for i := 0; i+1 < len(window); i++ {
		dt := window[i+1].Timestamp.Sub(window[i].Timestamp).Seconds()
		omega := r3.Sub(window[i].AngularVelocity, p.GyroBias)
		acc := r3.Sub(geom.Rotate(q, r3.Sub(window[i].LinearAcceleration, p.AccelBias)), p.Gravity)

		pos = r3.Add(pos, r3.Add(r3.Scale(dt, vel), r3.Scale(0.5*dt*dt, acc)))
		vel = r3.Add(vel, r3.Scale(dt, acc))
		q = geom.Normalize(quat.Mul(q, geom.ExpMap(r3.Scale(dt, omega))))

		out[i+1] = sensor.TrajectorySample{
			Timestamp:   window[i+1].Timestamp,
			Orientation: q,
			Position:    pos,
			Velocity:    vel,
		}
	}
	return &Trajectory{Samples: out}, nil
}

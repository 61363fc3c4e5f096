package geom

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Identity is the no-rotation quaternion.
var Identity = quat.Number{Real: 1}

// slerpLinearThreshold is the |cos θ| above which slerp degrades to
// normalized linear interpolation.
const slerpLinearThreshold = 0.9995

// Rotate applies the unit quaternion q to v.
func Rotate(q quat.Number, v r3.Vec) r3.Vec {
	return r3.Rotation(q).Rotate(v)
}

// Normalize returns q scaled to unit length. The zero quaternion maps to
// Identity.
func Normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return Identity
	}
	return quat.Scale(1/n, q)
}

// ExpMap returns the unit quaternion for the rotation vector phi (axis times
// angle in radians): exp(½ phi) as a pure quaternion.
func ExpMap(phi r3.Vec) quat.Number {
	if phi == (r3.Vec{}) {
		return Identity
	}
	return quat.Exp(quat.Number{Imag: 0.5 * phi.X, Jmag: 0.5 * phi.Y, Kmag: 0.5 * phi.Z})
}

// LogMap is the inverse of ExpMap for unit q, returning a rotation vector whose
// norm is in [0, π].
func LogMap(q quat.Number) r3.Vec {
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	v := r3.Vec{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	n := r3.Norm(v)
	if n == 0 {
		return r3.Vec{}
	}
	angle := 2 * math.Atan2(n, q.Real)
	return r3.Scale(angle/n, v)
}

// Angle returns the rotation angle of unit q in [0, π].
func Angle(q quat.Number) float64 {
	return r3.Norm(LogMap(q))
}

// AngleBetween returns the angle of the relative rotation from a to b.
func AngleBetween(a, b quat.Number) float64 {
	return Angle(quat.Mul(quat.Conj(a), b))
}

// Slerp interpolates between unit quaternions a and b along the shorter arc.
// s=0 returns a and s=1 returns b unchanged.
func Slerp(a, b quat.Number, s float64) quat.Number {
	if s <= 0 {
		return a
	}
	if s >= 1 {
		return b
	}
	dot := a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
	if dot < 0 {
		b = quat.Scale(-1, b)
		dot = -dot
	}
	if dot > slerpLinearThreshold {
		return Normalize(quat.Add(quat.Scale(1-s, a), quat.Scale(s, b)))
	}
	theta := math.Acos(dot)
	sinTheta := math.Sin(theta)
	wa := math.Sin((1-s)*theta) / sinTheta
	wb := math.Sin(s*theta) / sinTheta
	return quat.Add(quat.Scale(wa, a), quat.Scale(wb, b))
}

// Lerp linearly interpolates between a and b. s=0 and s=1 reproduce the
// endpoints exactly.
func Lerp(a, b r3.Vec, s float64) r3.Vec {
	if s <= 0 {
		return a
	}
	if s >= 1 {
		return b
	}
	return r3.Add(r3.Scale(1-s, a), r3.Scale(s, b))
}

// YawPitchRoll decomposes unit q into intrinsic Z-Y-X Euler angles in radians.
func YawPitchRoll(q quat.Number) (yaw, pitch, roll float64) {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	yaw = math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z))
	sp := 2 * (w*y - z*x)
	if sp > 1 {
		sp = 1
	} else if sp < -1 {
		sp = -1
	}
	pitch = math.Asin(sp)
	roll = math.Atan2(2*(w*x+y*z), 1-2*(x*x+y*y))
	return yaw, pitch, roll
}

// FromYawPitchRoll builds the unit quaternion for Z-Y-X Euler angles.
func FromYawPitchRoll(yaw, pitch, roll float64) quat.Number {
	qz := r3.NewRotation(yaw, r3.Vec{Z: 1})
	qy := r3.NewRotation(pitch, r3.Vec{Y: 1})
	qx := r3.NewRotation(roll, r3.Vec{X: 1})
	return quat.Mul(quat.Mul(quat.Number(qz), quat.Number(qy)), quat.Number(qx))
}

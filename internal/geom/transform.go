package geom

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// MatrixValidationTolerance bounds the determinant and orthogonality error
// accepted by IsValidTransformMatrix.
const MatrixValidationTolerance = 0.01

// RigidTransform is a rotation followed by a translation: x' = R x + t.
type RigidTransform struct {
	Rotation    quat.Number
	Translation r3.Vec
}

// IdentityTransform leaves points unchanged.
func IdentityTransform() RigidTransform {
	return RigidTransform{Rotation: Identity}
}

// Apply maps p through the transform.
func (t RigidTransform) Apply(p r3.Vec) r3.Vec {
	return r3.Add(Rotate(t.Rotation, p), t.Translation)
}

// Compose returns t∘u, the transform that applies u first and then t.
func (t RigidTransform) Compose(u RigidTransform) RigidTransform {
	return RigidTransform{
		Rotation:    Normalize(quat.Mul(t.Rotation, u.Rotation)),
		Translation: t.Apply(u.Translation),
	}
}

// Inverse returns the transform undoing t.
func (t RigidTransform) Inverse() RigidTransform {
	inv := quat.Conj(t.Rotation)
	return RigidTransform{
		Rotation:    inv,
		Translation: r3.Scale(-1, Rotate(inv, t.Translation)),
	}
}

// Matrix returns t as a 4x4 row-major homogeneous matrix.
func (t RigidTransform) Matrix() [16]float64 {
	ex := Rotate(t.Rotation, r3.Vec{X: 1})
	ey := Rotate(t.Rotation, r3.Vec{Y: 1})
	ez := Rotate(t.Rotation, r3.Vec{Z: 1})
	return [16]float64{
		ex.X, ey.X, ez.X, t.Translation.X,
		ex.Y, ey.Y, ez.Y, t.Translation.Y,
		ex.Z, ey.Z, ez.Z, t.Translation.Z,
		0, 0, 0, 1,
	}
}

// ApplyMatrix applies a 4x4 row-major transform T to p.
func ApplyMatrix(T [16]float64, p r3.Vec) r3.Vec {
	return r3.Vec{
		X: T[0]*p.X + T[1]*p.Y + T[2]*p.Z + T[3],
		Y: T[4]*p.X + T[5]*p.Y + T[6]*p.Z + T[7],
		Z: T[8]*p.X + T[9]*p.Y + T[10]*p.Z + T[11],
	}
}

// FromMatrix converts a 4x4 row-major homogeneous matrix into a
// RigidTransform. The rotation block is assumed orthonormal; see
// IsValidTransformMatrix.
func FromMatrix(T [16]float64) RigidTransform {
	m00, m01, m02 := T[0], T[1], T[2]
	m10, m11, m12 := T[4], T[5], T[6]
	m20, m21, m22 := T[8], T[9], T[10]

	var q quat.Number
	switch tr := m00 + m11 + m22; {
	case tr > 0:
		s := 2 * math.Sqrt(tr+1)
		q = quat.Number{Real: 0.25 * s, Imag: (m21 - m12) / s, Jmag: (m02 - m20) / s, Kmag: (m10 - m01) / s}
	case m00 > m11 && m00 > m22:
		s := 2 * math.Sqrt(1+m00-m11-m22)
		q = quat.Number{Real: (m21 - m12) / s, Imag: 0.25 * s, Jmag: (m01 + m10) / s, Kmag: (m02 + m20) / s}
	case m11 > m22:
		s := 2 * math.Sqrt(1+m11-m00-m22)
		q = quat.Number{Real: (m02 - m20) / s, Imag: (m01 + m10) / s, Jmag: 0.25 * s, Kmag: (m12 + m21) / s}
	default:
		s := 2 * math.Sqrt(1+m22-m00-m11)
		q = quat.Number{Real: (m10 - m01) / s, Imag: (m02 + m20) / s, Jmag: (m12 + m21) / s, Kmag: 0.25 * s}
	}
	return RigidTransform{
		Rotation:    Normalize(q),
		Translation: r3.Vec{X: T[3], Y: T[7], Z: T[11]},
	}
}

// IsValidTransformMatrix reports whether T is a proper rigid transform: an
// orthonormal rotation block with determinant +1 and a [0 0 0 1] last row.
func IsValidTransformMatrix(T [16]float64) bool {
	r0 := r3.Vec{X: T[0], Y: T[1], Z: T[2]}
	r1 := r3.Vec{X: T[4], Y: T[5], Z: T[6]}
	r2 := r3.Vec{X: T[8], Y: T[9], Z: T[10]}

	det := r3.Dot(r0, r3.Cross(r1, r2))
	if math.Abs(det-1.0) > MatrixValidationTolerance {
		return false
	}
	for _, d := range []float64{r3.Dot(r0, r1), r3.Dot(r0, r2), r3.Dot(r1, r2)} {
		if math.Abs(d) > MatrixValidationTolerance {
			return false
		}
	}
	for _, r := range []r3.Vec{r0, r1, r2} {
		if math.Abs(r3.Norm(r)-1) > MatrixValidationTolerance {
			return false
		}
	}

	if T[12] != 0 || T[13] != 0 || T[14] != 0 || math.Abs(T[15]-1.0) > 0.001 {
		return false
	}
	return true
}

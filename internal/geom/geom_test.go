package geom

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

func TestRotate_YawQuarterTurn(t *testing.T) {
	q := ExpMap(r3.Vec{Z: math.Pi / 2})
	got := Rotate(q, r3.Vec{X: 1})
	if diff := cmp.Diff(r3.Vec{Y: 1}, got, approx); diff != "" {
		t.Errorf("Rotate mismatch (-want +got):\n%s", diff)
	}
}

func TestExpMap_LogMapRoundTrip(t *testing.T) {
	for _, phi := range []r3.Vec{
		{},
		{Z: 1},
		{X: 0.3, Y: -0.2, Z: 0.1},
		{X: 2.5},
	} {
		got := LogMap(ExpMap(phi))
		if diff := cmp.Diff(phi, got, approx); diff != "" {
			t.Errorf("LogMap(ExpMap(%v)) mismatch (-want +got):\n%s", phi, diff)
		}
	}
	assert.Equal(t, Identity, ExpMap(r3.Vec{}))
}

func TestExpMap_UnitNorm(t *testing.T) {
	q := ExpMap(r3.Vec{X: 0.7, Y: 0.1, Z: -1.3})
	assert.InDelta(t, 1.0, quat.Abs(q), 1e-12)
}

func TestSlerp_Endpoints(t *testing.T) {
	a := ExpMap(r3.Vec{Z: 0.2})
	b := ExpMap(r3.Vec{X: 0.1, Z: 0.9})
	assert.Equal(t, a, Slerp(a, b, 0))
	assert.Equal(t, b, Slerp(a, b, 1))
}

func TestSlerp_ConstantRate(t *testing.T) {
	a := Identity
	b := ExpMap(r3.Vec{Z: 1.2})
	mid := Slerp(a, b, 0.25)
	assert.InDelta(t, 0.3, Angle(mid), 1e-9)
	yaw, _, _ := YawPitchRoll(mid)
	assert.InDelta(t, 0.3, yaw, 1e-9)
}

func TestSlerp_ShortestArc(t *testing.T) {
	a := Identity
	b := quat.Scale(-1, ExpMap(r3.Vec{Z: 0.4}))
	mid := Slerp(a, b, 0.5)
	assert.InDelta(t, 0.2, Angle(mid), 1e-9)
}

func TestSlerp_NearlyEqualUsesLinear(t *testing.T) {
	a := ExpMap(r3.Vec{Z: 0.001})
	b := ExpMap(r3.Vec{Z: 0.002})
	mid := Slerp(a, b, 0.5)
	assert.InDelta(t, 1.0, quat.Abs(mid), 1e-12)
	assert.InDelta(t, 0.0015, Angle(mid), 1e-7)
}

func TestLerp(t *testing.T) {
	a := r3.Vec{X: 1, Y: 2, Z: 3}
	b := r3.Vec{X: 3, Y: 2, Z: -1}
	assert.Equal(t, a, Lerp(a, b, 0))
	assert.Equal(t, b, Lerp(a, b, 1))
	if diff := cmp.Diff(r3.Vec{X: 2, Y: 2, Z: 1}, Lerp(a, b, 0.5), approx); diff != "" {
		t.Errorf("Lerp mismatch (-want +got):\n%s", diff)
	}
}

func TestYawPitchRoll_RoundTrip(t *testing.T) {
	q := FromYawPitchRoll(0.4, -0.2, 0.1)
	yaw, pitch, roll := YawPitchRoll(q)
	assert.InDelta(t, 0.4, yaw, 1e-12)
	assert.InDelta(t, -0.2, pitch, 1e-12)
	assert.InDelta(t, 0.1, roll, 1e-12)
}

func TestRigidTransform_ComposeInverse(t *testing.T) {
	a := RigidTransform{Rotation: ExpMap(r3.Vec{Z: 0.5}), Translation: r3.Vec{X: 1, Y: -2, Z: 0.5}}
	b := RigidTransform{Rotation: ExpMap(r3.Vec{X: -0.3, Y: 0.2}), Translation: r3.Vec{Z: 4}}
	p := r3.Vec{X: 0.3, Y: 0.7, Z: -1.1}

	got := a.Compose(b).Apply(p)
	want := a.Apply(b.Apply(p))
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("Compose mismatch (-want +got):\n%s", diff)
	}

	back := a.Inverse().Apply(a.Apply(p))
	if diff := cmp.Diff(p, back, approx); diff != "" {
		t.Errorf("Inverse mismatch (-want +got):\n%s", diff)
	}
}

func TestMatrixRoundTrip(t *testing.T) {
	tr := RigidTransform{Rotation: FromYawPitchRoll(2.9, 0.3, -1.0), Translation: r3.Vec{X: 1, Y: 2, Z: 3}}
	m := tr.Matrix()
	assert.True(t, IsValidTransformMatrix(m))

	p := r3.Vec{X: -0.5, Y: 0.25, Z: 2}
	if diff := cmp.Diff(tr.Apply(p), ApplyMatrix(m, p), approx); diff != "" {
		t.Errorf("ApplyMatrix mismatch (-want +got):\n%s", diff)
	}

	back := FromMatrix(m)
	if diff := cmp.Diff(tr.Apply(p), back.Apply(p), approx); diff != "" {
		t.Errorf("FromMatrix mismatch (-want +got):\n%s", diff)
	}
}

func TestFromMatrix_HalfTurnAboutZ(t *testing.T) {
	m := [16]float64{
		-1, 0, 0, -0.006253,
		0, -1, 0, 0.011775,
		0, 0, 1, 0.028535,
		0, 0, 0, 1,
	}
	tr := FromMatrix(m)
	assert.InDelta(t, math.Pi, Angle(tr.Rotation), 1e-12)
	got := tr.Apply(r3.Vec{X: 1, Y: 1, Z: 1})
	want := r3.Vec{X: -1 - 0.006253, Y: -1 + 0.011775, Z: 1 + 0.028535}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("Apply mismatch (-want +got):\n%s", diff)
	}
}

func TestIsValidTransformMatrix(t *testing.T) {
	tests := []struct {
		name string
		m    [16]float64
		want bool
	}{
		{"identity", IdentityTransform().Matrix(), true},
		{"reflection", [16]float64{-1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}, false},
		{"scaled", [16]float64{2, 0, 0, 0, 0, 0.5, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}, false},
		{"bad last row", [16]float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 1, 0, 0, 1}, false},
		{"sheared", [16]float64{1, 0.5, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidTransformMatrix(tt.m))
		})
	}
}

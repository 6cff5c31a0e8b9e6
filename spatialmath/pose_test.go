package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestComposeInvert(t *testing.T) {
	a := NewPoseFromAxisAngle(r3.Vector{X: 1, Y: 2, Z: 3}, r3.Vector{Z: 1}, math.Pi/3)
	b := NewPoseFromAxisAngle(r3.Vector{X: -2, Y: 0.5, Z: 0}, r3.Vector{X: 1}, -math.Pi/5)

	ab := Compose(a, b)
	test.That(t, PoseAlmostEqual(Compose(ab, Invert(b)), a, 1e-9), test.ShouldBeTrue)
	test.That(t, PoseAlmostEqual(Compose(Invert(a), ab), b, 1e-9), test.ShouldBeTrue)
	test.That(t, PoseAlmostEqual(Compose(a, Invert(a)), NewZeroPose(), 1e-9), test.ShouldBeTrue)
}

func TestBetween(t *testing.T) {
	a := NewPoseFromPoint(r3.Vector{X: 1})
	b := NewPoseFromAxisAngle(r3.Vector{X: 1, Y: 1}, r3.Vector{Z: 1}, math.Pi/2)
	d := Between(a, b)
	test.That(t, PoseAlmostEqual(Compose(a, d), b, 1e-9), test.ShouldBeTrue)
}

func TestTransformPoint(t *testing.T) {
	// 90° about z maps +x to +y
	p := NewPoseFromAxisAngle(r3.Vector{Z: 2}, r3.Vector{Z: 1}, math.Pi/2)
	got := p.TransformPoint(r3.Vector{X: 1})
	test.That(t, got.X, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, got.Y, test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, got.Z, test.ShouldAlmostEqual, 2, 1e-12)
}

func TestLogExpRoundTrip(t *testing.T) {
	for _, p := range []Pose{
		NewZeroPose(),
		NewPoseFromPoint(r3.Vector{X: 1, Y: -2, Z: 3}),
		NewPoseFromAxisAngle(r3.Vector{X: 0.1}, r3.Vector{X: 1, Y: 1, Z: 1}, 1.2),
		NewPoseFromAxisAngle(r3.Vector{Z: -4}, r3.Vector{Y: 1}, math.Pi-0.01),
	} {
		back := Exp(Log(p))
		test.That(t, PoseAlmostEqual(back, p, 1e-9), test.ShouldBeTrue)
	}
}

func TestRetractLocalCoordinates(t *testing.T) {
	a := NewPoseFromAxisAngle(r3.Vector{X: 1}, r3.Vector{Z: 1}, 0.3)
	b := NewPoseFromAxisAngle(r3.Vector{X: 1.5, Y: 0.2}, r3.Vector{Z: 1}, 0.5)
	xi := LocalCoordinates(a, b)
	test.That(t, PoseAlmostEqual(Retract(a, xi), b, 1e-9), test.ShouldBeTrue)
}

func TestInterpolate(t *testing.T) {
	a := NewZeroPose()
	b := NewPoseFromAxisAngle(r3.Vector{X: 2}, r3.Vector{Z: 1}, math.Pi/2)

	mid := Interpolate(a, b, 0.5)
	test.That(t, mid.Point().X, test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, AngleBetween(a, mid), test.ShouldAlmostEqual, math.Pi/4, 1e-9)

	test.That(t, PoseAlmostEqual(Interpolate(a, b, 0), a, 1e-9), test.ShouldBeTrue)
	test.That(t, PoseAlmostEqual(Interpolate(a, b, 1), b, 1e-9), test.ShouldBeTrue)
}

func TestAngleBetween(t *testing.T) {
	a := NewZeroPose()
	b := NewPoseFromAxisAngle(r3.Vector{}, r3.Vector{Y: 1}, 0.7)
	test.That(t, AngleBetween(a, b), test.ShouldAlmostEqual, 0.7, 1e-9)
	test.That(t, AngleBetween(b, b), test.ShouldAlmostEqual, 0, 1e-9)
}

func TestAdjointIdentity(t *testing.T) {
	ad := Adjoint(NewZeroPose())
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			test.That(t, ad.At(i, j), test.ShouldAlmostEqual, want, 1e-12)
		}
	}
}

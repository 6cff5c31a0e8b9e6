// Package spatialmath defines the spatial mathematical operations needed by the
// pose graph: rigid transforms in SE(3), their composition, interpolation, and
// the Lie-algebra maps used for linearization and covariance bookkeeping.
package spatialmath

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/dualquat"
	"gonum.org/v1/gonum/num/quat"
)

// If two rotations differ by less than this angle we consider them the same
// for the purpose of math around the poles.
const angleEpsilon = 1e-8 // radians

// Pose is a rigid transform in SE(3): a unit rotation quaternion plus a
// translation. The zero value has an all-zero quaternion and is not a valid
// transform; use NewZeroPose for the identity.
type Pose struct {
	R quat.Number
	T r3.Vector
}

// NewZeroPose returns the identity transform.
func NewZeroPose() Pose {
	return Pose{R: quat.Number{Real: 1}}
}

// NewPose returns a pose from a translation and a rotation quaternion. The
// quaternion is normalized.
func NewPose(t r3.Vector, r quat.Number) Pose {
	return Pose{R: normalize(r), T: t}
}

// NewPoseFromPoint returns a purely translational pose.
func NewPoseFromPoint(t r3.Vector) Pose {
	return Pose{R: quat.Number{Real: 1}, T: t}
}

// NewPoseFromAxisAngle returns a pose rotating by theta radians about the
// given axis, then translating by t.
func NewPoseFromAxisAngle(t, axis r3.Vector, theta float64) Pose {
	return Pose{R: quatFromAxisAngle(axis, theta), T: t}
}

// Point returns the translational component.
func (p Pose) Point() r3.Vector {
	return p.T
}

// Orientation returns the rotation quaternion.
func (p Pose) Orientation() quat.Number {
	return p.R
}

// TransformPoint rotates and translates v by p.
func (p Pose) TransformPoint(v r3.Vector) r3.Vector {
	return quatRotate(p.R, v).Add(p.T)
}

// TransformVector rotates v by p without translating, for direction vectors.
func (p Pose) TransformVector(v r3.Vector) r3.Vector {
	return quatRotate(p.R, v)
}

func (p Pose) String() string {
	return fmt.Sprintf("t=(%.4f,%.4f,%.4f) q=(%.4f,%.4f,%.4f,%.4f)",
		p.T.X, p.T.Y, p.T.Z, p.R.Real, p.R.Imag, p.R.Jmag, p.R.Kmag)
}

// dualQuat lifts a pose into a unit dual quaternion.
func dualQuat(p Pose) dualquat.Number {
	tq := quat.Number{Imag: p.T.X, Jmag: p.T.Y, Kmag: p.T.Z}
	return dualquat.Number{
		Real: p.R,
		Dual: quat.Scale(0.5, quat.Mul(tq, p.R)),
	}
}

// poseFromDualQuat extracts the pose back out, renormalizing the real part.
func poseFromDualQuat(dq dualquat.Number) Pose {
	r := normalize(dq.Real)
	tq := quat.Scale(2, quat.Mul(dq.Dual, quat.Conj(r)))
	return Pose{R: r, T: r3.Vector{X: tq.Imag, Y: tq.Jmag, Z: tq.Kmag}}
}

// Compose returns a∘b, the transform applying b first in a's frame.
func Compose(a, b Pose) Pose {
	return poseFromDualQuat(dualquat.Mul(dualQuat(a), dualQuat(b)))
}

// Invert returns p⁻¹.
func Invert(p Pose) Pose {
	rInv := quat.Conj(p.R)
	return Pose{R: rInv, T: quatRotate(rInv, p.T).Mul(-1)}
}

// Between returns the transform taking a to b, a⁻¹∘b.
func Between(a, b Pose) Pose {
	return Compose(Invert(a), b)
}

// Interpolate returns the pose a fraction alpha of the way from a to b:
// linear interpolation of translation, spherical linear interpolation of
// rotation. alpha outside [0,1] extrapolates.
func Interpolate(a, b Pose, alpha float64) Pose {
	t := r3.Vector{
		X: a.T.X + alpha*(b.T.X-a.T.X),
		Y: a.T.Y + alpha*(b.T.Y-a.T.Y),
		Z: a.T.Z + alpha*(b.T.Z-a.T.Z),
	}
	return Pose{R: slerp(a.R, b.R, alpha), T: t}
}

// TranslationBetween returns the euclidean distance between the translations
// of a and b.
func TranslationBetween(a, b Pose) float64 {
	return a.T.Sub(b.T).Norm()
}

// AngleBetween returns the angle in radians of the relative rotation between
// a and b.
func AngleBetween(a, b Pose) float64 {
	d := quat.Mul(quat.Conj(a.R), b.R)
	w := d.Real
	if w < 0 {
		w = -w
	}
	if w > 1 {
		w = 1
	}
	return 2 * math.Acos(w)
}

// PoseAlmostEqual reports whether the two transforms agree within epsilon in
// translation and rotation angle.
func PoseAlmostEqual(a, b Pose, epsilon float64) bool {
	return TranslationBetween(a, b) <= epsilon && AngleBetween(a, b) <= epsilon
}

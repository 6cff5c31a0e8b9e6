package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

func normalize(q quat.Number) quat.Number {
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

func quatFromAxisAngle(axis r3.Vector, theta float64) quat.Number {
	n := axis.Norm()
	if n == 0 {
		return quat.Number{Real: 1}
	}
	axis = axis.Mul(1 / n)
	s, c := math.Sincos(theta / 2)
	return quat.Number{Real: c, Imag: s * axis.X, Jmag: s * axis.Y, Kmag: s * axis.Z}
}

// quatRotate applies the rotation q to v without building a matrix.
func quatRotate(q quat.Number, v r3.Vector) r3.Vector {
	u := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	t := u.Cross(v).Mul(2)
	return v.Add(t.Mul(q.Real)).Add(u.Cross(t))
}

// rotLog maps a unit quaternion to its rotation vector (axis times angle).
func rotLog(q quat.Number) r3.Vector {
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	u := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	s := u.Norm()
	if s < angleEpsilon {
		// first order: q ≈ (1, ω/2)
		return u.Mul(2)
	}
	w := q.Real
	if w > 1 {
		w = 1
	}
	theta := 2 * math.Atan2(s, w)
	return u.Mul(theta / s)
}

// rotExp maps a rotation vector back to a unit quaternion.
func rotExp(w r3.Vector) quat.Number {
	theta := w.Norm()
	if theta < angleEpsilon {
		return normalize(quat.Number{Real: 1, Imag: w.X / 2, Jmag: w.Y / 2, Kmag: w.Z / 2})
	}
	return quatFromAxisAngle(w, theta)
}

// slerp spherically interpolates between two unit quaternions.
func slerp(q1, q2 quat.Number, t float64) quat.Number {
	dot := q1.Real*q2.Real + q1.Imag*q2.Imag + q1.Jmag*q2.Jmag + q1.Kmag*q2.Kmag
	if dot < 0 {
		q2 = quat.Scale(-1, q2)
		dot = -dot
	}
	if dot > 1-1e-12 {
		// nearly parallel, fall back to nlerp
		return normalize(quat.Add(quat.Scale(1-t, q1), quat.Scale(t, q2)))
	}
	theta := math.Acos(dot)
	s := math.Sin(theta)
	a := math.Sin((1-t)*theta) / s
	b := math.Sin(t*theta) / s
	return normalize(quat.Add(quat.Scale(a, q1), quat.Scale(b, q2)))
}

// rotationMatrix expands q into a 3×3 row-major rotation matrix.
func rotationMatrix(q quat.Number) [9]float64 {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return [9]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w),
		2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w),
		2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y),
	}
}

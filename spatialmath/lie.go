package spatialmath

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Local coordinates are ordered rotation-first: [ωx ωy ωz tx ty tz]. The
// rotation block of a 6×6 covariance is therefore the upper-left 3×3 and the
// translation block the lower-right 3×3.

// Log maps a pose to its 6-vector of local coordinates. The rotation part is
// the axis-angle vector of R; the translation part is taken directly, which
// is the standard first-order chart used for pose-graph residuals.
func Log(p Pose) []float64 {
	w := rotLog(p.R)
	return []float64{w.X, w.Y, w.Z, p.T.X, p.T.Y, p.T.Z}
}

// Exp is the inverse of Log.
func Exp(xi []float64) Pose {
	return Pose{
		R: rotExp(r3.Vector{X: xi[0], Y: xi[1], Z: xi[2]}),
		T: r3.Vector{X: xi[3], Y: xi[4], Z: xi[5]},
	}
}

// Retract perturbs p by the local coordinates xi on the right: p∘Exp(xi).
func Retract(p Pose, xi []float64) Pose {
	return Compose(p, Exp(xi))
}

// LocalCoordinates returns the coordinates xi such that Retract(a, xi) == b.
func LocalCoordinates(a, b Pose) []float64 {
	return Log(Between(a, b))
}

// Adjoint returns the 6×6 adjoint of p mapping local coordinates between
// frames: Ad = [R 0; [t]ₓR R] in rotation-first ordering.
func Adjoint(p Pose) *mat.Dense {
	r := rotationMatrix(p.R)
	t := p.T
	ad := mat.NewDense(6, 6, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			ad.Set(i, j, r[3*i+j])
			ad.Set(i+3, j+3, r[3*i+j])
		}
	}
	// [t]ₓ R
	skew := [9]float64{
		0, -t.Z, t.Y,
		t.Z, 0, -t.X,
		-t.Y, t.X, 0,
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var s float64
			for k := 0; k < 3; k++ {
				s += skew[3*i+k] * r[3*k+j]
			}
			ad.Set(i+3, j, s)
		}
	}
	return ad
}

// TransportCovariance moves a 6×6 covariance expressed at the tail of delta
// to the frame at its head: Ad(delta⁻¹) Σ Ad(delta⁻¹)ᵀ.
func TransportCovariance(sigma mat.Symmetric, delta Pose) *mat.SymDense {
	ad := Adjoint(Invert(delta))
	var tmp mat.Dense
	tmp.Mul(ad, sigma)
	var out mat.Dense
	out.Mul(&tmp, ad.T())
	sym := mat.NewSymDense(6, nil)
	for i := 0; i < 6; i++ {
		for j := i; j < 6; j++ {
			sym.SetSym(i, j, (out.At(i, j)+out.At(j, i))/2)
		}
	}
	return sym
}

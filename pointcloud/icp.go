package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/AngelRodriguez8008/NeBuLa-LAMP/spatialmath"
)

// ErrICPFailure is returned when registration cannot produce a usable
// alignment (too few correspondences or a degenerate system).
var ErrICPFailure = errors.New("icp registration failure")

// ICPConfig are the registration parameters.
type ICPConfig struct {
	// RansacThresh drops correspondences whose residual exceeds this
	// distance, in meters.
	RansacThresh float64 `json:"ransac_thresh"`
	// TFEpsilon terminates iteration once the incremental transform update
	// norm falls below it.
	TFEpsilon float64 `json:"tf_epsilon"`
	// CorrDist is the maximum nearest-neighbor distance for a pair to count
	// as a correspondence, in meters.
	CorrDist float64 `json:"corr_dist"`
	// MaxIterations bounds the Gauss-Newton loop.
	MaxIterations int `json:"max_iterations"`
}

// DefaultICPConfig mirrors the registration defaults used for scan-to-scan
// loop closure.
func DefaultICPConfig() ICPConfig {
	return ICPConfig{
		RansacThresh:  1.0,
		TFEpsilon:     1e-9,
		CorrDist:      2.5,
		MaxIterations: 40,
	}
}

// ICPInfo reports registration quality.
type ICPInfo struct {
	// Fitness is the mean squared correspondence distance at the solution.
	Fitness float64
	// Iterations is the number of Gauss-Newton steps taken.
	Iterations int
	// Correspondences is the number of point pairs used in the final step.
	Correspondences int
	// Covariance is a 6×6 estimate of the solution covariance from the final
	// Hessian, rotation-first ordering.
	Covariance *mat.SymDense
}

// RegisterICP aligns source onto the indexed target starting from guess and
// returns the refined transform. Point-to-point metric, correspondence
// gating by CorrDist, residual trimming by RansacThresh.
func RegisterICP(source PointCloud, target *KDTree, guess spatialmath.Pose, cfg ICPConfig) (spatialmath.Pose, ICPInfo, error) {
	if source.Size() == 0 || target.Size() == 0 {
		return spatialmath.NewZeroPose(), ICPInfo{}, errors.Wrap(ErrICPFailure, "empty cloud")
	}

	pose := guess
	info := ICPInfo{}
	corrSq := cfg.CorrDist * cfg.CorrDist
	trimSq := cfg.RansacThresh * cfg.RansacThresh

	hess := mat.NewDense(6, 6, nil)
	grad := mat.NewVecDense(6, nil)

	for iter := 0; iter < cfg.MaxIterations; iter++ {
		hess.Zero()
		grad.Zero()
		sqDists := make([]float64, 0, source.Size())

		source.Iterate(func(p r3.Vector) bool {
			moved := pose.TransformPoint(p)
			nearest, sq, ok := target.NearestNeighbor(moved)
			if !ok || sq > corrSq || sq > trimSq {
				return true
			}
			sqDists = append(sqDists, sq)
			res := moved.Sub(nearest)

			// jacobian of pose∘Exp(ξ) applied to p: [-R[p]ₓ | R]
			var jac [3][6]float64
			for k := 0; k < 3; k++ {
				var e r3.Vector
				switch k {
				case 0:
					e = r3.Vector{X: 1}
				case 1:
					e = r3.Vector{Y: 1}
				default:
					e = r3.Vector{Z: 1}
				}
				rotCol := pose.TransformVector(e.Cross(p))
				jac[0][k] = rotCol.X
				jac[1][k] = rotCol.Y
				jac[2][k] = rotCol.Z
				transCol := pose.TransformVector(e)
				jac[0][k+3] = transCol.X
				jac[1][k+3] = transCol.Y
				jac[2][k+3] = transCol.Z
			}
			r := [3]float64{res.X, res.Y, res.Z}
			for i := 0; i < 6; i++ {
				for j := 0; j < 6; j++ {
					var s float64
					for d := 0; d < 3; d++ {
						s += jac[d][i] * jac[d][j]
					}
					hess.Set(i, j, hess.At(i, j)+s)
				}
				var g float64
				for d := 0; d < 3; d++ {
					g += jac[d][i] * r[d]
				}
				grad.SetVec(i, grad.AtVec(i)+g)
			}
			return true
		})

		info.Correspondences = len(sqDists)
		if info.Correspondences < 6 {
			return guess, info, errors.Wrapf(ErrICPFailure, "only %d correspondences", info.Correspondences)
		}
		fitness, err := stats.Mean(sqDists)
		if err != nil {
			return guess, info, errors.Wrap(ErrICPFailure, err.Error())
		}
		info.Fitness = fitness
		info.Iterations = iter + 1

		step, err := solveStep(hess, grad)
		if err != nil {
			return guess, info, err
		}
		pose = spatialmath.Retract(pose, step)
		if stepNorm(step) < cfg.TFEpsilon {
			break
		}
	}

	info.Covariance = hessianCovariance(hess, info.Fitness)
	return pose, info, nil
}

func solveStep(hess *mat.Dense, grad *mat.VecDense) ([]float64, error) {
	sym := mat.NewSymDense(6, nil)
	for i := 0; i < 6; i++ {
		for j := i; j < 6; j++ {
			sym.SetSym(i, j, (hess.At(i, j)+hess.At(j, i))/2)
		}
		// small prior keeps weakly constrained axes from blowing up
		sym.SetSym(i, i, sym.At(i, i)+1e-9)
	}
	var chol mat.Cholesky
	if !chol.Factorize(sym) {
		return nil, errors.Wrap(ErrICPFailure, "degenerate normal equations")
	}
	var sol mat.VecDense
	if err := chol.SolveVecTo(&sol, grad); err != nil {
		return nil, errors.Wrap(ErrICPFailure, err.Error())
	}
	step := make([]float64, 6)
	for i := range step {
		step[i] = -sol.AtVec(i)
	}
	return step, nil
}

func stepNorm(step []float64) float64 {
	var s float64
	for _, v := range step {
		s += v * v
	}
	return math.Sqrt(s)
}

// hessianCovariance is the standard estimate sigma² H⁻¹ with sigma² taken
// from the residual statistics.
func hessianCovariance(hess *mat.Dense, fitness float64) *mat.SymDense {
	sym := mat.NewSymDense(6, nil)
	for i := 0; i < 6; i++ {
		for j := i; j < 6; j++ {
			sym.SetSym(i, j, (hess.At(i, j)+hess.At(j, i))/2)
		}
		sym.SetSym(i, i, sym.At(i, i)+1e-9)
	}
	var chol mat.Cholesky
	if !chol.Factorize(sym) {
		// fall back to a broad isotropic covariance
		out := mat.NewSymDense(6, nil)
		for i := 0; i < 6; i++ {
			out.SetSym(i, i, 1.0)
		}
		return out
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		out := mat.NewSymDense(6, nil)
		for i := 0; i < 6; i++ {
			out.SetSym(i, i, 1.0)
		}
		return out
	}
	sigma2 := fitness
	if sigma2 < 1e-8 {
		sigma2 = 1e-8
	}
	out := mat.NewSymDense(6, nil)
	for i := 0; i < 6; i++ {
		for j := i; j < 6; j++ {
			out.SetSym(i, j, sigma2*inv.At(i, j))
		}
	}
	return out
}

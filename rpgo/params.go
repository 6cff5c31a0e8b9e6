// Package rpgo implements the robust pose-graph optimizer: a non-linear
// least-squares solver (Gauss-Newton or Levenberg-Marquardt, optionally
// wrapped in graduated non-convexity) behind a pairwise-consistency outlier
// filter that decides which loop closures enter the graph.
package rpgo

import (
	"github.com/pkg/errors"
)

// Solver selects the non-linear least-squares method.
type Solver int

const (
	// SolverLM is Levenberg-Marquardt with diagonal damping.
	SolverLM Solver = iota
	// SolverGN is plain Gauss-Newton.
	SolverGN
)

func (s Solver) String() string {
	switch s {
	case SolverLM:
		return "LM"
	case SolverGN:
		return "GN"
	default:
		return "unknown"
	}
}

// OutlierRejection selects the loop-closure filter.
type OutlierRejection int

const (
	// RejectionNone admits every loop closure.
	RejectionNone OutlierRejection = iota
	// RejectionPCM uses Mahalanobis consistency tests.
	RejectionPCM
	// RejectionPCMSimple uses translation/rotation distance thresholds
	// instead of Mahalanobis.
	RejectionPCMSimple
)

// Params configure the robust solver.
type Params struct {
	Solver    Solver           `json:"solver"`
	Rejection OutlierRejection `json:"rejection"`

	// OdomThreshold is the Mahalanobis distance cutoff for the
	// odometry-consistency test on a new loop closure.
	OdomThreshold float64 `json:"odom_threshold"`
	// PairwiseThreshold is the Mahalanobis distance cutoff for the pairwise
	// test between two accepted loop closures.
	PairwiseThreshold float64 `json:"pairwise_threshold"`
	// TransThreshold and RotThreshold replace the Mahalanobis cutoffs in the
	// Simple variant, in meters and radians.
	TransThreshold float64 `json:"trans_threshold"`
	RotThreshold   float64 `json:"rot_threshold"`

	// UseGNC wraps the solver in graduated non-convexity with the odometry
	// factors declared known inliers. Requires outlier rejection to be
	// active.
	UseGNC bool `json:"use_gnc"`
	// GNCInlierCostThreshold is the squared residual below which a factor
	// counts as an inlier.
	GNCInlierCostThreshold float64 `json:"gnc_inlier_cost_threshold"`

	// MaxCliqueExhaustiveSize bounds the exact Bron-Kerbosch search; larger
	// problems fall back to greedy expansion.
	MaxCliqueExhaustiveSize int `json:"max_clique_exhaustive_size"`

	// MaxIterations bounds the inner NLLS loop.
	MaxIterations int `json:"max_iterations"`
	// RelativeErrorTol terminates the NLLS loop on relative cost change.
	RelativeErrorTol float64 `json:"relative_error_tol"`

	Debug bool `json:"debug"`

	// LogOutput appends a graph-size/spin-time line per update to
	// rpgo_status.csv in LogFolder.
	LogOutput bool   `json:"log_output"`
	LogFolder string `json:"log_folder"`
}

// DefaultParams mirrors the defaults used in the field.
func DefaultParams() Params {
	return Params{
		Solver:                  SolverLM,
		Rejection:               RejectionPCM,
		OdomThreshold:           10.0,
		PairwiseThreshold:       5.0,
		TransThreshold:          0.5,
		RotThreshold:            0.2,
		GNCInlierCostThreshold:  1.0,
		MaxCliqueExhaustiveSize: 50,
		MaxIterations:           50,
		RelativeErrorTol:        1e-9,
	}
}

// Validate checks the parameter set.
func (p Params) Validate(path string) error {
	if p.Solver != SolverLM && p.Solver != SolverGN {
		return errors.Errorf("%s.solver: unsupported solver %d", path, p.Solver)
	}
	if p.UseGNC && p.Rejection == RejectionNone {
		return errors.Errorf("%s.use_gnc: GNC requires outlier rejection to be active", path)
	}
	if p.MaxIterations <= 0 {
		return errors.Errorf("%s.max_iterations: must be positive", path)
	}
	switch p.Rejection {
	case RejectionPCM:
		if p.OdomThreshold <= 0 || p.PairwiseThreshold <= 0 {
			return errors.Errorf("%s: PCM thresholds must be positive", path)
		}
	case RejectionPCMSimple:
		if p.TransThreshold <= 0 || p.RotThreshold <= 0 {
			return errors.Errorf("%s: PCM simple thresholds must be positive", path)
		}
	case RejectionNone:
	default:
		return errors.Errorf("%s.rejection: unknown method %d", path, p.Rejection)
	}
	return nil
}

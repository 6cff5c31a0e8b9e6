package rpgo

import "github.com/pkg/errors"

var (
	// ErrSolverFailure is returned when optimization diverges or the normal
	// equations degenerate even after a damping retry. The caller keeps the
	// pre-update graph.
	ErrSolverFailure = errors.New("solver failure")

	// ErrOdomChainGap is signalled when a loop closure references keys not
	// covered by the odometry spine. Non-fatal: the candidate is rejected.
	ErrOdomChainGap = errors.New("odometry chain gap")

	// ErrCovarianceNotPD is signalled when a compounded covariance
	// degenerates. Non-fatal: the candidate is rejected.
	ErrCovarianceNotPD = errors.New("covariance not positive definite")
)

package rpgo

import (
	"math"

	"github.com/AngelRodriguez8008/NeBuLa-LAMP/posegraph"
)

const (
	gncMuStep        = 1.4
	gncMaxOuterIters = 30
	gncWeightTol     = 1e-5
)

// optimizeGNC wraps the configured NLLS in Geman-McClure graduated
// non-convexity. knownInlier marks factors whose weight is pinned to one
// (odometry and priors). The returned weight vector is parallel to factors.
func optimizeGNC(
	factors []posegraph.Factor,
	knownInlier []bool,
	init Values,
	params Params,
) (Values, []float64, float64, error) {
	weights := make([]float64, len(factors))
	for i := range weights {
		weights[i] = 1
	}

	vals, cost, err := optimizeValues(factors, weights, init, params, 1e-5)
	if err != nil {
		return nil, nil, 0, err
	}

	barc2 := params.GNCInlierCostThreshold
	if barc2 <= 0 {
		barc2 = 1
	}

	// initialize mu from the worst residual so the first surrogate is convex
	r2 := residualsSquared(factors, vals)
	maxR2 := 0.0
	for i, v := range r2 {
		if !knownInlier[i] && v > maxR2 {
			maxR2 = v
		}
	}
	mu := 2 * maxR2 / barc2
	if mu < 1 {
		mu = 1
	}

	for outer := 0; outer < gncMaxOuterIters; outer++ {
		r2 = residualsSquared(factors, vals)
		maxChange := 0.0
		for i := range factors {
			if knownInlier[i] {
				weights[i] = 1
				continue
			}
			frac := mu * barc2 / (r2[i] + mu*barc2)
			w := frac * frac
			if d := math.Abs(w - weights[i]); d > maxChange {
				maxChange = d
			}
			weights[i] = w
		}

		vals, cost, err = optimizeValues(factors, weights, vals, params, 1e-5)
		if err != nil {
			return nil, nil, 0, err
		}

		if mu <= 1 {
			if maxChange < gncWeightTol {
				break
			}
			continue
		}
		mu /= gncMuStep
		if mu < 1 {
			mu = 1
		}
	}
	return vals, weights, cost, nil
}

// residualsSquared evaluates the squared whitened residual per factor.
func residualsSquared(factors []posegraph.Factor, vals Values) []float64 {
	out := make([]float64, len(factors))
	for i, f := range factors {
		info, err := factorInfo(f)
		if err != nil {
			out[i] = 0
			continue
		}
		out[i] = whitenedSquaredNorm(factorResidual(f, vals), info)
	}
	return out
}

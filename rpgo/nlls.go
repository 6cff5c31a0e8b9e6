package rpgo

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/AngelRodriguez8008/NeBuLa-LAMP/posegraph"
	"github.com/AngelRodriguez8008/NeBuLa-LAMP/spatialmath"
)

// Values maps variable keys to their current pose estimates.
type Values = map[posegraph.Key]spatialmath.Pose

const jacobianStep = 1e-6

// factorVars returns the distinct variable keys a factor touches.
func factorVars(f posegraph.Factor) []posegraph.Key {
	if f.Type == posegraph.PriorFactor || f.KeyFrom == f.KeyTo {
		return []posegraph.Key{f.KeyFrom}
	}
	return []posegraph.Key{f.KeyFrom, f.KeyTo}
}

// factorResidual evaluates the unwhitened residual of a factor at vals.
func factorResidual(f posegraph.Factor, vals Values) []float64 {
	switch f.Type {
	case posegraph.PriorFactor:
		return spatialmath.Log(spatialmath.Between(f.Transform, vals[f.KeyFrom]))
	case posegraph.UWBRangeFactor:
		d := vals[f.KeyTo].Point().Sub(vals[f.KeyFrom].Point()).Norm()
		return []float64{d - f.Range}
	default:
		pred := spatialmath.Between(vals[f.KeyFrom], vals[f.KeyTo])
		return spatialmath.Log(spatialmath.Between(f.Transform, pred))
	}
}

// factorInfo returns the information matrix of a factor.
func factorInfo(f posegraph.Factor) (*mat.SymDense, error) {
	if f.Type == posegraph.UWBRangeFactor {
		sigma := f.RangeSigma
		if sigma <= 0 {
			sigma = 1
		}
		info := mat.NewSymDense(1, nil)
		info.SetSym(0, 0, 1/(sigma*sigma))
		return info, nil
	}
	if f.Covariance == nil {
		return posegraph.IsoCovariance(1, 1), nil
	}
	var chol mat.Cholesky
	if !chol.Factorize(f.Covariance) {
		return nil, errors.Wrapf(ErrCovarianceNotPD, "factor %s->%s", f.KeyFrom, f.KeyTo)
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil, errors.Wrapf(ErrCovarianceNotPD, "factor %s->%s: %v", f.KeyFrom, f.KeyTo, err)
	}
	return &inv, nil
}

// whitenedSquaredNorm is rᵀ I r.
func whitenedSquaredNorm(residual []float64, info *mat.SymDense) float64 {
	n := len(residual)
	var out float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out += residual[i] * info.At(i, j) * residual[j]
		}
	}
	return out
}

// GraphCost evaluates 0.5 Σ rᵀ Σ⁻¹ r over the factor set at vals. Factors
// with degenerate covariance contribute nothing.
func GraphCost(factors []posegraph.Factor, vals Values) float64 {
	var cost float64
	for _, f := range factors {
		info, err := factorInfo(f)
		if err != nil {
			continue
		}
		cost += 0.5 * whitenedSquaredNorm(factorResidual(f, vals), info)
	}
	return cost
}

func weightedCost(factors []posegraph.Factor, infos []*mat.SymDense, weights []float64, vals Values) float64 {
	var cost float64
	for i, f := range factors {
		w := 1.0
		if weights != nil {
			w = weights[i]
		}
		cost += 0.5 * w * whitenedSquaredNorm(factorResidual(f, vals), infos[i])
	}
	return cost
}

func sortedKeys(vals Values) []posegraph.Key {
	keys := make([]posegraph.Key, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// numericJacobian computes the residual Jacobian of f with respect to the
// variable at key by central differences on the local chart.
func numericJacobian(f posegraph.Factor, vals Values, key posegraph.Key, dim int) *mat.Dense {
	jac := mat.NewDense(dim, 6, nil)
	base := vals[key]
	perturbed := make(Values, len(vals))
	for k, v := range vals {
		perturbed[k] = v
	}
	xi := make([]float64, 6)
	for c := 0; c < 6; c++ {
		xi[c] = jacobianStep
		perturbed[key] = spatialmath.Retract(base, xi)
		plus := factorResidual(f, perturbed)
		xi[c] = -jacobianStep
		perturbed[key] = spatialmath.Retract(base, xi)
		minus := factorResidual(f, perturbed)
		xi[c] = 0
		for r := 0; r < dim; r++ {
			jac.Set(r, c, (plus[r]-minus[r])/(2*jacobianStep))
		}
	}
	perturbed[key] = base
	return jac
}

// assemble builds the damped normal equations at vals.
func assemble(
	factors []posegraph.Factor,
	infos []*mat.SymDense,
	weights []float64,
	vals Values,
	keys []posegraph.Key,
	index map[posegraph.Key]int,
) (*mat.SymDense, *mat.VecDense) {
	n := 6 * len(keys)
	hess := mat.NewSymDense(n, nil)
	grad := mat.NewVecDense(n, nil)

	for fi, f := range factors {
		w := 1.0
		if weights != nil {
			w = weights[fi]
		}
		if w == 0 {
			continue
		}
		residual := factorResidual(f, vals)
		dim := len(residual)
		info := infos[fi]
		vars := factorVars(f)
		jacs := make([]*mat.Dense, len(vars))
		for vi, key := range vars {
			jacs[vi] = numericJacobian(f, vals, key, dim)
		}
		// whitened residual: I r
		whitened := make([]float64, dim)
		for d := 0; d < dim; d++ {
			for e := 0; e < dim; e++ {
				whitened[d] += info.At(d, e) * residual[e]
			}
		}
		// H block (a,b) += w Jaᵀ I Jb ; g block a += w Jaᵀ I r
		for a, keyA := range vars {
			baseA := 6 * index[keyA]
			for r := 0; r < 6; r++ {
				var g float64
				for d := 0; d < dim; d++ {
					g += jacs[a].At(d, r) * whitened[d]
				}
				grad.SetVec(baseA+r, grad.AtVec(baseA+r)+w*g)
			}
			var jaInfo mat.Dense
			jaInfo.Mul(jacs[a].T(), info)
			for b, keyB := range vars {
				baseB := 6 * index[keyB]
				var hBlock mat.Dense
				hBlock.Mul(&jaInfo, jacs[b])
				for r := 0; r < 6; r++ {
					for c := 0; c < 6; c++ {
						if baseA+r <= baseB+c {
							hess.SetSym(baseA+r, baseB+c, hess.At(baseA+r, baseB+c)+w*hBlock.At(r, c))
						}
					}
				}
			}
		}
	}
	return hess, grad
}

func retractAll(vals Values, keys []posegraph.Key, delta *mat.VecDense) Values {
	out := make(Values, len(vals))
	xi := make([]float64, 6)
	for i, key := range keys {
		for c := 0; c < 6; c++ {
			xi[c] = delta.AtVec(6*i + c)
		}
		out[key] = spatialmath.Retract(vals[key], xi)
	}
	return out
}

func solveDamped(hess *mat.SymDense, grad *mat.VecDense, lambda float64, diagonal bool) (*mat.VecDense, error) {
	n := grad.Len()
	damped := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			damped.SetSym(i, j, hess.At(i, j))
		}
		d := hess.At(i, i)
		if diagonal {
			damped.SetSym(i, i, d+lambda*math.Max(d, 1e-10)+1e-12)
		} else {
			damped.SetSym(i, i, d+lambda+1e-12)
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(damped) {
		return nil, errors.Wrap(ErrSolverFailure, "normal equations not positive definite")
	}
	var sol mat.VecDense
	if err := chol.SolveVecTo(&sol, grad); err != nil {
		return nil, errors.Wrap(ErrSolverFailure, err.Error())
	}
	sol.ScaleVec(-1, &sol)
	return &sol, nil
}

// optimizeValues runs the configured NLLS method over the factor set and
// returns the optimized values and final cost. lambdaInit seeds the LM
// damping; a retry after a numeric failure passes a larger seed.
func optimizeValues(
	factors []posegraph.Factor,
	weights []float64,
	init Values,
	params Params,
	lambdaInit float64,
) (Values, float64, error) {
	for _, f := range factors {
		for _, key := range factorVars(f) {
			if _, ok := init[key]; !ok {
				return nil, 0, errors.Wrapf(ErrSolverFailure, "factor references key %s with no value", key)
			}
		}
	}

	infos := make([]*mat.SymDense, len(factors))
	for i, f := range factors {
		info, err := factorInfo(f)
		if err != nil {
			return nil, 0, errors.Wrap(ErrSolverFailure, err.Error())
		}
		infos[i] = info
	}

	keys := sortedKeys(init)
	index := make(map[posegraph.Key]int, len(keys))
	for i, k := range keys {
		index[k] = i
	}

	vals := make(Values, len(init))
	for k, v := range init {
		vals[k] = v
	}
	cost := weightedCost(factors, infos, weights, vals)

	switch params.Solver {
	case SolverGN:
		return optimizeGN(factors, infos, weights, vals, keys, index, cost, params)
	case SolverLM:
		return optimizeLM(factors, infos, weights, vals, keys, index, cost, params, lambdaInit)
	default:
		return nil, 0, errors.Wrapf(ErrSolverFailure, "unsupported solver %d", params.Solver)
	}
}

func optimizeGN(
	factors []posegraph.Factor,
	infos []*mat.SymDense,
	weights []float64,
	vals Values,
	keys []posegraph.Key,
	index map[posegraph.Key]int,
	cost float64,
	params Params,
) (Values, float64, error) {
	diverging := 0
	for iter := 0; iter < params.MaxIterations; iter++ {
		hess, grad := assemble(factors, infos, weights, vals, keys, index)
		delta, err := solveDamped(hess, grad, 0, false)
		if err != nil {
			return nil, 0, err
		}
		next := retractAll(vals, keys, delta)
		nextCost := weightedCost(factors, infos, weights, next)
		if math.IsNaN(nextCost) || math.IsInf(nextCost, 0) {
			return nil, 0, errors.Wrap(ErrSolverFailure, "cost diverged")
		}
		if nextCost > cost {
			diverging++
			if diverging > 2 {
				return nil, 0, errors.Wrap(ErrSolverFailure, "Gauss-Newton diverging")
			}
		} else {
			diverging = 0
		}
		done := relDrop(cost, nextCost) < params.RelativeErrorTol
		vals, cost = next, nextCost
		if done {
			break
		}
	}
	return vals, cost, nil
}

func optimizeLM(
	factors []posegraph.Factor,
	infos []*mat.SymDense,
	weights []float64,
	vals Values,
	keys []posegraph.Key,
	index map[posegraph.Key]int,
	cost float64,
	params Params,
	lambdaInit float64,
) (Values, float64, error) {
	lambda := lambdaInit
	for iter := 0; iter < params.MaxIterations; iter++ {
		hess, grad := assemble(factors, infos, weights, vals, keys, index)
		improved := false
		for attempt := 0; attempt < 12; attempt++ {
			delta, err := solveDamped(hess, grad, lambda, true)
			if err != nil {
				lambda *= 10
				continue
			}
			next := retractAll(vals, keys, delta)
			nextCost := weightedCost(factors, infos, weights, next)
			if math.IsNaN(nextCost) || math.IsInf(nextCost, 0) || nextCost > cost {
				lambda *= 10
				continue
			}
			done := relDrop(cost, nextCost) < params.RelativeErrorTol
			vals, cost = next, nextCost
			lambda = math.Max(lambda/10, 1e-12)
			improved = true
			if done {
				return vals, cost, nil
			}
			break
		}
		if !improved {
			// stuck at a (local) minimum; report what we have
			return vals, cost, nil
		}
	}
	return vals, cost, nil
}

func relDrop(prev, next float64) float64 {
	return math.Abs(prev-next) / math.Max(math.Abs(prev), 1e-20)
}

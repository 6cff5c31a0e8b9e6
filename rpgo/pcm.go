package rpgo

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/AngelRodriguez8008/NeBuLa-LAMP/posegraph"
	"github.com/AngelRodriguez8008/NeBuLa-LAMP/spatialmath"
)

// odomStep is one accepted odometry edge on a robot's spine, k→k+1.
type odomStep struct {
	delta spatialmath.Pose
	cov   *mat.SymDense
}

// acceptedLoop is a loop closure that passed the odometry-consistency test.
// seq orders acceptance across all buckets for remove-last semantics.
type acceptedLoop struct {
	factor posegraph.Factor
	seq    uint64
}

// pairBucket groups loops by normalized prefix pair; pairwise consistency is
// only defined within a bucket, and the maximal consistent subset is found
// per bucket.
type pairBucket struct {
	loops []acceptedLoop
	adj   [][]bool
}

func bucketKey(a, b byte) [2]byte {
	if a > b {
		a, b = b, a
	}
	return [2]byte{a, b}
}

// pcm maintains the odometry spine covariances and the pairwise-consistency
// state over accepted loop closures.
type pcm struct {
	params Params
	logger golog.Logger

	chains  map[byte][]odomStep
	buckets map[[2]byte]*pairBucket
	ignored map[byte][]acceptedLoop

	numOdomFactors int
	seq            uint64
}

func newPCM(params Params, logger golog.Logger) *pcm {
	return &pcm{
		params:  params,
		logger:  logger,
		chains:  map[byte][]odomStep{},
		buckets: map[[2]byte]*pairBucket{},
		ignored: map[byte][]acceptedLoop{},
	}
}

// addOdometry appends a spine edge, validating chain continuity.
func (p *pcm) addOdometry(f posegraph.Factor) error {
	prefix := f.KeyFrom.Prefix()
	chain := p.chains[prefix]
	if f.KeyFrom.Index() != uint64(len(chain)) {
		return errors.Wrapf(ErrOdomChainGap, "odometry %s->%s but chain has %d steps", f.KeyFrom, f.KeyTo, len(chain))
	}
	cov := f.Covariance
	if cov == nil {
		cov = posegraph.IsoCovariance(1e-4, 1e-4)
	}
	p.chains[prefix] = append(chain, odomStep{delta: f.Transform, cov: cov})
	p.numOdomFactors++
	return nil
}

// odomBetween composes the spine from index i to index j (i<j) of a prefix,
// accumulating covariance.
func (p *pcm) odomBetween(prefix byte, i, j uint64) (spatialmath.Pose, *mat.SymDense, error) {
	chain := p.chains[prefix]
	if j > uint64(len(chain)) || i > j {
		return spatialmath.NewZeroPose(), nil, errors.Wrapf(ErrOdomChainGap,
			"no spine from %c%d to %c%d (%d steps known)", prefix, i, prefix, j, len(chain))
	}
	pose := spatialmath.NewZeroPose()
	cov := mat.NewSymDense(6, nil)
	for k := i; k < j; k++ {
		step := chain[k]
		cov = addSym(spatialmath.TransportCovariance(cov, step.delta), step.cov)
		pose = spatialmath.Compose(pose, step.delta)
	}
	return pose, cov, nil
}

// edgeBetween returns the spine transform between two keys of the same
// prefix, in the direction from→to.
func (p *pcm) edgeBetween(from, to posegraph.Key) (spatialmath.Pose, *mat.SymDense, error) {
	if from.Prefix() != to.Prefix() {
		return spatialmath.NewZeroPose(), nil, errors.Wrapf(ErrOdomChainGap, "keys %s and %s on different spines", from, to)
	}
	if from.Index() <= to.Index() {
		return p.odomBetween(from.Prefix(), from.Index(), to.Index())
	}
	pose, cov, err := p.odomBetween(from.Prefix(), to.Index(), from.Index())
	if err != nil {
		return spatialmath.NewZeroPose(), nil, err
	}
	return spatialmath.Invert(pose), spatialmath.TransportCovariance(cov, pose), nil
}

func addSym(a, b *mat.SymDense) *mat.SymDense {
	out := mat.NewSymDense(6, nil)
	for i := 0; i < 6; i++ {
		for j := i; j < 6; j++ {
			out.SetSym(i, j, a.At(i, j)+b.At(i, j))
		}
	}
	return out
}

// mahalanobis returns sqrt(rᵀ Σ⁻¹ r), or an error when Σ is not PD.
func mahalanobis(residual []float64, sigma *mat.SymDense) (float64, error) {
	var chol mat.Cholesky
	if !chol.Factorize(sigma) {
		return 0, ErrCovarianceNotPD
	}
	r := mat.NewVecDense(len(residual), residual)
	var sol mat.VecDense
	if err := chol.SolveVecTo(&sol, r); err != nil {
		return 0, ErrCovarianceNotPD
	}
	return math.Sqrt(mat.Dot(r, &sol)), nil
}

// checkOdomConsistency runs the odometry-consistency test on a loop
// candidate whose endpoints share a spine. For cross-robot loops there is no
// single spine and the test is skipped.
func (p *pcm) checkOdomConsistency(f posegraph.Factor) (bool, error) {
	if f.KeyFrom.Prefix() != f.KeyTo.Prefix() {
		return true, nil
	}
	odom, odomCov, err := p.edgeBetween(f.KeyFrom, f.KeyTo)
	if err != nil {
		return false, err
	}
	residual := spatialmath.Log(spatialmath.Compose(spatialmath.Invert(f.Transform), odom))
	loopCov := f.Covariance
	if loopCov == nil {
		loopCov = posegraph.IsoCovariance(1e-2, 1e-2)
	}
	if p.params.Rejection == RejectionPCMSimple {
		return p.simpleConsistent(residual), nil
	}
	dist, err := mahalanobis(residual, addSym(odomCov, loopCov))
	if err != nil {
		return false, err
	}
	if p.params.Debug {
		p.logger.Debugw("odom consistency", "loop", f.KeyFrom.String()+"->"+f.KeyTo.String(), "mahalanobis", dist)
	}
	return dist <= p.params.OdomThreshold, nil
}

func (p *pcm) simpleConsistent(residual []float64) bool {
	rot := math.Sqrt(residual[0]*residual[0] + residual[1]*residual[1] + residual[2]*residual[2])
	trans := math.Sqrt(residual[3]*residual[3] + residual[4]*residual[4] + residual[5]*residual[5])
	return trans <= p.params.TransThreshold && rot <= p.params.RotThreshold
}

// checkPairwiseConsistency builds the cycle new→old through both spines and
// tests its residual: i→j by the new loop, j→j' on the spine, j'→i' by the
// reversed old loop, i'→i back on the spine.
func (p *pcm) checkPairwiseConsistency(newLoop, oldLoop posegraph.Factor) (bool, error) {
	// orient the old loop the same way as the new one so the spine legs
	// stay within a single prefix each
	if newLoop.KeyFrom.Prefix() != oldLoop.KeyFrom.Prefix() {
		flippedCov := oldLoop.Covariance
		if flippedCov != nil {
			flippedCov = spatialmath.TransportCovariance(flippedCov, oldLoop.Transform)
		}
		oldLoop = posegraph.Factor{
			Type:       oldLoop.Type,
			KeyFrom:    oldLoop.KeyTo,
			KeyTo:      oldLoop.KeyFrom,
			Transform:  spatialmath.Invert(oldLoop.Transform),
			Covariance: flippedCov,
		}
	}
	odom1, odom1Cov, err := p.edgeBetween(newLoop.KeyTo, oldLoop.KeyTo)
	if err != nil {
		return false, err
	}
	odom2, odom2Cov, err := p.edgeBetween(oldLoop.KeyFrom, newLoop.KeyFrom)
	if err != nil {
		return false, err
	}

	newCov := newLoop.Covariance
	if newCov == nil {
		newCov = posegraph.IsoCovariance(1e-2, 1e-2)
	}
	oldCov := oldLoop.Covariance
	if oldCov == nil {
		oldCov = posegraph.IsoCovariance(1e-2, 1e-2)
	}

	oldInv := spatialmath.Invert(oldLoop.Transform)
	cycle := spatialmath.Compose(
		spatialmath.Compose(newLoop.Transform, odom1),
		spatialmath.Compose(oldInv, odom2))
	residual := spatialmath.Log(cycle)

	if p.params.Rejection == RejectionPCMSimple {
		return p.simpleConsistent(residual), nil
	}

	total := addSym(addSym(newCov, odom1Cov), addSym(
		spatialmath.TransportCovariance(oldCov, oldLoop.Transform), odom2Cov))
	dist, err := mahalanobis(residual, total)
	if err != nil {
		return false, err
	}
	return dist <= p.params.PairwiseThreshold, nil
}

// considerLoop runs the consistency tests on a candidate and, if it passes
// the odometry test, adds it to its bucket with a fresh adjacency row.
// It returns whether the candidate was accepted into the bucket.
func (p *pcm) considerLoop(f posegraph.Factor) bool {
	ok, err := p.checkOdomConsistency(f)
	if err != nil {
		p.logger.Warnw("loop rejected", "loop", f.KeyFrom.String()+"->"+f.KeyTo.String(), "error", err)
		return false
	}
	if !ok {
		p.logger.Debugw("loop rejected by odometry consistency", "loop", f.KeyFrom.String()+"->"+f.KeyTo.String())
		return false
	}

	key := bucketKey(f.KeyFrom.Prefix(), f.KeyTo.Prefix())
	bucket := p.buckets[key]
	if bucket == nil {
		bucket = &pairBucket{}
		p.buckets[key] = bucket
	}

	n := len(bucket.loops)
	row := make([]bool, n+1)
	row[n] = true
	for k := 0; k < n; k++ {
		consistent, err := p.checkPairwiseConsistency(f, bucket.loops[k].factor)
		if err != nil {
			p.logger.Debugw("pairwise test failed", "error", err)
			consistent = false
		}
		row[k] = consistent
	}
	for k := 0; k < n; k++ {
		bucket.adj[k] = append(bucket.adj[k], row[k])
	}
	bucket.adj = append(bucket.adj, row)
	p.seq++
	bucket.loops = append(bucket.loops, acceptedLoop{factor: f, seq: p.seq})
	return true
}

// activeLoops returns the union over buckets of each bucket's maximum
// pairwise-consistent clique, in acceptance order.
func (p *pcm) activeLoops() []posegraph.Factor {
	var picked []acceptedLoop
	for _, bucket := range p.buckets {
		clique := maxClique(bucket.adj, p.params.MaxCliqueExhaustiveSize)
		for _, idx := range clique {
			picked = append(picked, bucket.loops[idx])
		}
	}
	sortLoopsBySeq(picked)
	out := make([]posegraph.Factor, len(picked))
	for i, l := range picked {
		out[i] = l.factor
	}
	return out
}

func sortLoopsBySeq(loops []acceptedLoop) {
	for i := 1; i < len(loops); i++ {
		for j := i; j > 0 && loops[j-1].seq > loops[j].seq; j-- {
			loops[j-1], loops[j] = loops[j], loops[j-1]
		}
	}
}

// removeLastLoop pops the most recently accepted loop, optionally restricted
// to a prefix pair, and rebuilds the bucket adjacency.
func (p *pcm) removeLastLoop(pair *[2]byte) (posegraph.Factor, bool) {
	var bestBucket *pairBucket
	bestIdx := -1
	var bestSeq uint64
	for key, bucket := range p.buckets {
		if pair != nil && key != bucketKey(pair[0], pair[1]) {
			continue
		}
		for i, l := range bucket.loops {
			if l.seq >= bestSeq {
				bestSeq = l.seq
				bestBucket = bucket
				bestIdx = i
			}
		}
	}
	if bestBucket == nil {
		return posegraph.Factor{}, false
	}
	removed := bestBucket.loops[bestIdx].factor
	bestBucket.dropAt(bestIdx)
	return removed, true
}

func (b *pairBucket) dropAt(idx int) {
	b.loops = append(b.loops[:idx], b.loops[idx+1:]...)
	b.adj = append(b.adj[:idx], b.adj[idx+1:]...)
	for i := range b.adj {
		b.adj[i] = append(b.adj[i][:idx], b.adj[i][idx+1:]...)
	}
}

// ignorePrefix stashes every accepted loop touching the prefix without
// destroying it.
func (p *pcm) ignorePrefix(prefix byte) {
	if _, ok := p.ignored[prefix]; ok {
		return
	}
	var stash []acceptedLoop
	for _, bucket := range p.buckets {
		for i := len(bucket.loops) - 1; i >= 0; i-- {
			f := bucket.loops[i].factor
			if f.KeyFrom.Prefix() == prefix || f.KeyTo.Prefix() == prefix {
				stash = append(stash, bucket.loops[i])
				bucket.dropAt(i)
			}
		}
	}
	p.ignored[prefix] = stash
}

// revivePrefix replays the stashed loops through the consistency tests.
func (p *pcm) revivePrefix(prefix byte) {
	stash, ok := p.ignored[prefix]
	if !ok {
		return
	}
	delete(p.ignored, prefix)
	sortLoopsBySeq(stash)
	for _, l := range stash {
		p.considerLoop(l.factor)
	}
}

func (p *pcm) ignoredPrefixes() []byte {
	out := make([]byte, 0, len(p.ignored))
	for prefix := range p.ignored {
		out = append(out, prefix)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

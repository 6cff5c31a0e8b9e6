package rpgo

import (
	"math"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/AngelRodriguez8008/NeBuLa-LAMP/posegraph"
	"github.com/AngelRodriguez8008/NeBuLa-LAMP/spatialmath"
)

var t0 = time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)

func key(i uint64) posegraph.Key { return posegraph.NewKey('a', i) }

func newSolver(t *testing.T, params Params) (*RobustSolver, *posegraph.Graph) {
	t.Helper()
	logger := golog.NewTestLogger(t)
	g := posegraph.NewGraph("world", logger)
	test.That(t, g.Initialize(key(0), spatialmath.NewZeroPose(), posegraph.IsoCovariance(1e-4, 1e-4)), test.ShouldBeNil)
	s, err := NewRobustSolver(g, params, logger)
	test.That(t, err, test.ShouldBeNil)
	return s, g
}

func odomFactor(from, to posegraph.Key, delta spatialmath.Pose) posegraph.Factor {
	return posegraph.Factor{
		Type:       posegraph.OdometryFactor,
		KeyFrom:    from,
		KeyTo:      to,
		Transform:  delta,
		Covariance: posegraph.IsoCovariance(1e-4, 1e-4),
	}
}

func loopFactor(from, to posegraph.Key, delta spatialmath.Pose) posegraph.Factor {
	return posegraph.Factor{
		Type:       posegraph.LoopFactor,
		KeyFrom:    from,
		KeyTo:      to,
		Transform:  delta,
		Covariance: posegraph.IsoCovariance(1e-6, 1e-6),
	}
}

// appendOdom stages one odometry step with the node initialized by dead
// reckoning.
func appendOdom(t *testing.T, s *RobustSolver, from posegraph.Key, delta spatialmath.Pose, optimize bool) {
	t.Helper()
	prev, ok := s.Graph().GetPose(from)
	test.That(t, ok, test.ShouldBeTrue)
	to := from.Next()
	node := posegraph.Node{
		Key:   to,
		Stamp: t0.Add(time.Duration(to.Index()) * time.Second),
		Pose:  spatialmath.Compose(prev, delta),
	}
	changed, err := s.Update([]posegraph.Factor{odomFactor(from, to, delta)}, []posegraph.Node{node}, optimize)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, changed, test.ShouldBeTrue)
}

func TestSingleOdometryStep(t *testing.T) {
	s, g := newSolver(t, DefaultParams())
	appendOdom(t, s, key(0), spatialmath.NewPoseFromPoint(r3.Vector{X: 1}), true)

	pose, ok := g.GetPose(key(1))
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, spatialmath.TranslationBetween(pose, spatialmath.NewPoseFromPoint(r3.Vector{X: 1})), test.ShouldBeLessThan, 1e-6)
}

func TestEmptyUpdateIsNoOp(t *testing.T) {
	s, _ := newSolver(t, DefaultParams())
	changed, err := s.Update(nil, nil, true)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, changed, test.ShouldBeFalse)
}

// squareDeltas walks four 1m legs turning 90° left, with a small forward
// drift injected into the first measurement so the square fails to close.
func squareDeltas(drift float64) []spatialmath.Pose {
	out := make([]spatialmath.Pose, 4)
	for i := range out {
		leg := 1.0
		if i == 0 {
			leg += drift
		}
		out[i] = spatialmath.NewPoseFromAxisAngle(r3.Vector{X: leg}, r3.Vector{Z: 1}, math.Pi/2)
	}
	return out
}

func buildSquare(t *testing.T, s *RobustSolver) {
	t.Helper()
	for i, delta := range squareDeltas(0.01) {
		appendOdom(t, s, key(uint64(i)), delta, false)
	}
}

func TestCleanLoopClosure(t *testing.T) {
	s, g := newSolver(t, DefaultParams())
	buildSquare(t, s)

	changed, err := s.Update([]posegraph.Factor{loopFactor(key(4), key(0), spatialmath.NewZeroPose())}, nil, true)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, changed, test.ShouldBeTrue)

	p0, _ := g.GetPose(key(0))
	p4, _ := g.GetPose(key(4))
	test.That(t, spatialmath.TranslationBetween(p0, p4), test.ShouldBeLessThan, 1e-3)
}

func TestOutlierLoopRejected(t *testing.T) {
	// run the clean closure for reference
	ref, refGraph := newSolver(t, DefaultParams())
	buildSquare(t, ref)
	_, err := ref.Update([]posegraph.Factor{loopFactor(key(4), key(0), spatialmath.NewZeroPose())}, nil, true)
	test.That(t, err, test.ShouldBeNil)

	s, g := newSolver(t, DefaultParams())
	buildSquare(t, s)
	factors := []posegraph.Factor{
		loopFactor(key(4), key(0), spatialmath.NewZeroPose()),
		loopFactor(key(2), key(0), spatialmath.NewPoseFromPoint(r3.Vector{X: 10})),
	}
	changed, err := s.Update(factors, nil, true)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, changed, test.ShouldBeTrue)

	// the spurious edge must not be in the graph
	var loops int
	for _, f := range g.Factors() {
		if f.Type == posegraph.LoopFactor {
			loops++
			test.That(t, f.KeyFrom, test.ShouldEqual, key(4))
		}
	}
	test.That(t, loops, test.ShouldEqual, 1)

	// and the trajectory must match the clean run within 5mm
	for i := uint64(0); i <= 4; i++ {
		want, _ := refGraph.GetPose(key(i))
		got, _ := g.GetPose(key(i))
		test.That(t, spatialmath.TranslationBetween(got, want), test.ShouldBeLessThan, 5e-3)
	}
}

func TestPairwiseConsistencyOfAcceptedLoops(t *testing.T) {
	s, _ := newSolver(t, DefaultParams())
	buildSquare(t, s)
	// drift-free relative pose from p3 back to p0
	truth3 := spatialmath.NewZeroPose()
	for _, delta := range squareDeltas(0)[:3] {
		truth3 = spatialmath.Compose(truth3, delta)
	}
	factors := []posegraph.Factor{
		loopFactor(key(4), key(0), spatialmath.NewZeroPose()),
		loopFactor(key(3), key(0), spatialmath.Invert(truth3)),
		loopFactor(key(2), key(0), spatialmath.NewPoseFromPoint(r3.Vector{X: 10})),
	}
	_, err := s.Update(factors, nil, true)
	test.That(t, err, test.ShouldBeNil)

	active := s.filter.activeLoops()
	for i := range active {
		for j := i + 1; j < len(active); j++ {
			ok, err := s.filter.checkPairwiseConsistency(active[i], active[j])
			test.That(t, err, test.ShouldBeNil)
			test.That(t, ok, test.ShouldBeTrue)
		}
	}
}

func TestRemoveLastLoopClosureInvariant(t *testing.T) {
	s, g := newSolver(t, DefaultParams())
	buildSquare(t, s)

	before := factorMultiset(g)
	_, err := s.Update([]posegraph.Factor{loopFactor(key(4), key(0), spatialmath.NewZeroPose())}, nil, true)
	test.That(t, err, test.ShouldBeNil)

	removed, err := s.RemoveLastLoopClosure(nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, removed, test.ShouldNotBeNil)
	test.That(t, removed.KeyFrom, test.ShouldEqual, key(4))

	test.That(t, factorMultiset(g), test.ShouldResemble, before)

	// removing again is a benign no-op
	removed, err = s.RemoveLastLoopClosure(nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, removed, test.ShouldBeNil)
}

func factorMultiset(g *posegraph.Graph) map[string]int {
	out := map[string]int{}
	for _, f := range g.Factors() {
		out[f.KeyFrom.String()+"->"+f.KeyTo.String()+":"+f.Type.String()]++
	}
	return out
}

func TestRemoveLastLoopClosureWithPrefixPair(t *testing.T) {
	s, _ := newSolver(t, DefaultParams())
	buildSquare(t, s)
	_, err := s.Update([]posegraph.Factor{loopFactor(key(4), key(0), spatialmath.NewZeroPose())}, nil, true)
	test.That(t, err, test.ShouldBeNil)

	pair := [2]byte{'b', 'b'}
	removed, err := s.RemoveLastLoopClosure(&pair)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, removed, test.ShouldBeNil)

	pair = [2]byte{'a', 'a'}
	removed, err = s.RemoveLastLoopClosure(&pair)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, removed, test.ShouldNotBeNil)
}

func TestIgnoreRevivePrefix(t *testing.T) {
	s, g := newSolver(t, DefaultParams())
	buildSquare(t, s)
	_, err := s.Update([]posegraph.Factor{loopFactor(key(4), key(0), spatialmath.NewZeroPose())}, nil, true)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, countLoops(g), test.ShouldEqual, 1)

	test.That(t, s.IgnorePrefix('a'), test.ShouldBeNil)
	test.That(t, countLoops(g), test.ShouldEqual, 0)
	test.That(t, s.IgnoredPrefixes(), test.ShouldResemble, []byte{'a'})

	test.That(t, s.RevivePrefix('a'), test.ShouldBeNil)
	test.That(t, countLoops(g), test.ShouldEqual, 1)
	test.That(t, len(s.IgnoredPrefixes()), test.ShouldEqual, 0)
}

func countLoops(g *posegraph.Graph) int {
	n := 0
	for _, f := range g.Factors() {
		if f.Type == posegraph.LoopFactor {
			n++
		}
	}
	return n
}

func TestForceUpdateBypassesRejection(t *testing.T) {
	s, g := newSolver(t, DefaultParams())
	buildSquare(t, s)

	// an edge PCM would reject goes straight in when forced
	err := s.ForceUpdate([]posegraph.Factor{loopFactor(key(2), key(0), spatialmath.NewPoseFromPoint(r3.Vector{X: 10}))}, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, countLoops(g), test.ShouldEqual, 1)
}

func TestGNCDownweightsOutliers(t *testing.T) {
	if testing.Short() {
		t.Skip("GNC batch test is slow")
	}
	params := DefaultParams()
	params.UseGNC = true
	params.GNCInlierCostThreshold = 1.0
	// let every loop through so GNC does the rejecting
	params.OdomThreshold = 1e9
	params.PairwiseThreshold = 1e9
	params.MaxIterations = 25

	s, g := newSolver(t, params)
	step := spatialmath.NewPoseFromPoint(r3.Vector{X: 1})
	for i := uint64(0); i < 100; i++ {
		appendOdom(t, s, key(i), step, false)
	}

	loopCov := posegraph.IsoCovariance(2.5e-3, 2.5e-3) // sigma = 0.05
	var factors []posegraph.Factor
	outlier := map[posegraph.Key]bool{}
	for n := 0; n < 20; n++ {
		to := uint64(4*n + 1)
		from := to + 10
		delta := spatialmath.NewPoseFromPoint(r3.Vector{X: -10})
		if n%4 == 3 { // 5 of 20 are gross outliers, far beyond 3 sigma
			delta = spatialmath.NewPoseFromPoint(r3.Vector{X: -10, Y: 1.5})
			outlier[key(from)] = true
		}
		f := loopFactor(key(from), key(to), delta)
		f.Covariance = loopCov
		factors = append(factors, f)
	}
	changed, err := s.Update(factors, nil, true)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, changed, test.ShouldBeTrue)

	weights := s.GNCWeights()
	test.That(t, weights, test.ShouldNotBeNil)
	graphFactors := g.Factors()
	test.That(t, len(weights), test.ShouldEqual, len(graphFactors))
	var outliersSeen int
	for i, f := range graphFactors {
		if f.Type != posegraph.LoopFactor {
			continue
		}
		if outlier[f.KeyFrom] {
			outliersSeen++
			test.That(t, weights[i], test.ShouldBeLessThan, 0.1)
		} else {
			test.That(t, weights[i], test.ShouldBeGreaterThan, 0.5)
		}
	}
	test.That(t, outliersSeen, test.ShouldEqual, 5)

	// trajectory error stays within 2cm of ground truth
	for i := uint64(0); i <= 100; i++ {
		got, _ := g.GetPose(key(i))
		want := spatialmath.NewPoseFromPoint(r3.Vector{X: float64(i)})
		test.That(t, spatialmath.TranslationBetween(got, want), test.ShouldBeLessThan, 2e-2)
	}
}

func TestSolverValidation(t *testing.T) {
	logger := golog.NewTestLogger(t)
	g := posegraph.NewGraph("world", logger)

	bad := DefaultParams()
	bad.Solver = Solver(99)
	_, err := NewRobustSolver(g, bad, logger)
	test.That(t, err, test.ShouldNotBeNil)

	bad = DefaultParams()
	bad.UseGNC = true
	bad.Rejection = RejectionNone
	_, err = NewRobustSolver(g, bad, logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSimpleVariantThresholds(t *testing.T) {
	params := DefaultParams()
	params.Rejection = RejectionPCMSimple
	params.TransThreshold = 0.3
	params.RotThreshold = 0.3
	s, g := newSolver(t, params)
	buildSquare(t, s)

	factors := []posegraph.Factor{
		loopFactor(key(4), key(0), spatialmath.NewZeroPose()),
		loopFactor(key(2), key(0), spatialmath.NewPoseFromPoint(r3.Vector{X: 10})),
	}
	_, err := s.Update(factors, nil, true)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, countLoops(g), test.ShouldEqual, 1)
}

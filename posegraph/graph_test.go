package posegraph

import (
	"math"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/AngelRodriguez8008/NeBuLa-LAMP/spatialmath"
)

func TestKeySymbols(t *testing.T) {
	k := NewKey('a', 42)
	test.That(t, k.Prefix(), test.ShouldEqual, byte('a'))
	test.That(t, k.Index(), test.ShouldEqual, 42)
	test.That(t, k.String(), test.ShouldEqual, "a42")
	test.That(t, k.Next(), test.ShouldEqual, NewKey('a', 43))

	parsed, err := ParseKey("A7")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, parsed, test.ShouldEqual, NewKey('A', 7))

	_, err = ParseKey("x")
	test.That(t, err, test.ShouldNotBeNil)
	_, err = ParseKey("azz")
	test.That(t, err, test.ShouldNotBeNil)
}

func testGraph(t *testing.T) *Graph {
	t.Helper()
	return NewGraph("world", golog.NewTestLogger(t))
}

var t0 = time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)

// chainGraph seeds a graph with a prior at a0 and n odometry steps of 1m in
// x, stamped one second apart.
func chainGraph(t *testing.T, n int) *Graph {
	t.Helper()
	g := testGraph(t)
	test.That(t, g.Initialize(NewKey('a', 0), spatialmath.NewZeroPose(), IsoCovariance(1e-4, 1e-4)), test.ShouldBeNil)
	// the initial node has no stamp; give the rest increasing stamps
	for i := 1; i <= n; i++ {
		key := NewKey('a', uint64(i))
		node := Node{
			Key:   key,
			Stamp: t0.Add(time.Duration(i) * time.Second),
			Pose:  spatialmath.NewPoseFromPoint(r3.Vector{X: float64(i)}),
		}
		test.That(t, g.TrackNode(node), test.ShouldBeNil)
		f := Factor{
			Type:       OdometryFactor,
			KeyFrom:    NewKey('a', uint64(i-1)),
			KeyTo:      key,
			Transform:  spatialmath.NewPoseFromPoint(r3.Vector{X: 1}),
			Covariance: IsoCovariance(1e-4, 1e-4),
			Stamps:     [2]time.Time{t0.Add(time.Duration(i-1) * time.Second), t0.Add(time.Duration(i) * time.Second)},
		}
		test.That(t, g.TrackFactor(f), test.ShouldBeNil)
	}
	return g
}

func TestInitializeOnce(t *testing.T) {
	g := testGraph(t)
	test.That(t, g.Initialize(NewKey('a', 0), spatialmath.NewZeroPose(), IsoCovariance(0.01, 0.01)), test.ShouldBeNil)
	test.That(t, g.Initialized(), test.ShouldBeTrue)
	err := g.Initialize(NewKey('a', 0), spatialmath.NewZeroPose(), IsoCovariance(0.01, 0.01))
	test.That(t, errors.Is(err, ErrAlreadyInitialized), test.ShouldBeTrue)
}

func TestFactorValidation(t *testing.T) {
	g := chainGraph(t, 3)

	// unknown key
	err := g.TrackFactor(Factor{
		Type: BetweenFactor, KeyFrom: NewKey('a', 0), KeyTo: NewKey('a', 99),
		Transform: spatialmath.NewZeroPose(),
	})
	test.That(t, errors.Is(err, ErrUnknownKey), test.ShouldBeTrue)

	// duplicate odometry edge
	err = g.TrackFactor(Factor{
		Type: OdometryFactor, KeyFrom: NewKey('a', 0), KeyTo: NewKey('a', 1),
		Transform: spatialmath.NewZeroPose(),
	})
	test.That(t, errors.Is(err, ErrDuplicateFactor), test.ShouldBeTrue)

	// odometry skipping an index breaks the chain
	err = g.TrackFactor(Factor{
		Type: OdometryFactor, KeyFrom: NewKey('a', 1), KeyTo: NewKey('a', 3),
		Transform: spatialmath.NewZeroPose(),
	})
	test.That(t, errors.Is(err, ErrChainBroken), test.ShouldBeTrue)

	// second prior for the same trajectory
	err = g.TrackFactor(Factor{
		Type: PriorFactor, KeyFrom: NewKey('a', 1), KeyTo: NewKey('a', 1),
		Transform: spatialmath.NewZeroPose(),
	})
	test.That(t, errors.Is(err, ErrDuplicateFactor), test.ShouldBeTrue)

	// NaN transform dropped
	err = g.TrackFactor(Factor{
		Type: LoopFactor, KeyFrom: NewKey('a', 0), KeyTo: NewKey('a', 3),
		Transform: spatialmath.NewPoseFromPoint(r3.Vector{X: math.NaN()}),
	})
	test.That(t, err, test.ShouldNotBeNil)

	// duplicate loop edges are allowed
	loop := Factor{
		Type: LoopFactor, KeyFrom: NewKey('a', 0), KeyTo: NewKey('a', 3),
		Transform: spatialmath.NewZeroPose(), Covariance: IsoCovariance(0.01, 0.01),
	}
	test.That(t, g.TrackFactor(loop), test.ShouldBeNil)
	test.That(t, g.TrackFactor(loop), test.ShouldBeNil)
}

func TestChainContinuityInvariant(t *testing.T) {
	g := chainGraph(t, 5)
	keys := g.KeysWithPrefix('a')
	test.That(t, len(keys), test.ShouldEqual, 6)
	for i, key := range keys {
		test.That(t, key.Index(), test.ShouldEqual, uint64(i))
	}
	// odometry endpoints form the path (0,1,...,5)
	var odomCount int
	for _, f := range g.Factors() {
		if f.Type != OdometryFactor {
			continue
		}
		test.That(t, f.KeyTo, test.ShouldEqual, f.KeyFrom.Next())
		odomCount++
	}
	test.That(t, odomCount, test.ShouldEqual, 5)
}

func TestStampMonotonicity(t *testing.T) {
	g := chainGraph(t, 2)
	err := g.TrackNode(Node{
		Key:   NewKey('a', 3),
		Stamp: t0.Add(-time.Hour),
		Pose:  spatialmath.NewZeroPose(),
	})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestTimeLookups(t *testing.T) {
	g := chainGraph(t, 5)

	key, err := g.KeyAtTime('a', t0.Add(3500*time.Millisecond))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, key, test.ShouldEqual, NewKey('a', 3))

	key, err = g.ClosestKeyAtTime('a', t0.Add(3700*time.Millisecond), time.Second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, key, test.ShouldEqual, NewKey('a', 4))

	_, err = g.ClosestKeyAtTime('a', t0.Add(time.Hour), time.Second)
	test.That(t, errors.Is(err, ErrNotFound), test.ShouldBeTrue)

	_, err = g.KeyAtTime('a', t0.Add(-time.Hour))
	test.That(t, errors.Is(err, ErrNotFound), test.ShouldBeTrue)
}

func TestIncrementalDiff(t *testing.T) {
	g := chainGraph(t, 1)

	// after S1: 2 nodes, 1 odometry edge, 1 prior
	msg := g.ToIncrementalMsg(t0)
	test.That(t, msg.Incremental, test.ShouldBeTrue)
	test.That(t, len(msg.Nodes), test.ShouldEqual, 2)
	test.That(t, len(msg.Edges), test.ShouldEqual, 1)
	test.That(t, len(msg.Priors), test.ShouldEqual, 1)

	g.ClearIncremental()
	msg = g.ToIncrementalMsg(t0)
	test.That(t, len(msg.Nodes), test.ShouldEqual, 0)
	test.That(t, len(msg.Edges), test.ShouldEqual, 0)
	test.That(t, len(msg.Priors), test.ShouldEqual, 0)

	// one more odometry step: exactly 1 node and 1 edge in the next diff
	key := NewKey('a', 2)
	test.That(t, g.TrackNode(Node{Key: key, Stamp: t0.Add(2 * time.Second), Pose: spatialmath.NewPoseFromPoint(r3.Vector{X: 2})}), test.ShouldBeNil)
	test.That(t, g.TrackFactor(Factor{
		Type: OdometryFactor, KeyFrom: NewKey('a', 1), KeyTo: key,
		Transform: spatialmath.NewPoseFromPoint(r3.Vector{X: 1}), Covariance: IsoCovariance(1e-4, 1e-4),
	}), test.ShouldBeNil)

	msg = g.ToIncrementalMsg(t0)
	test.That(t, len(msg.Nodes), test.ShouldEqual, 1)
	test.That(t, len(msg.Edges), test.ShouldEqual, 1)
	test.That(t, len(msg.Priors), test.ShouldEqual, 0)
}

func TestToMsg(t *testing.T) {
	g := chainGraph(t, 2)
	msg := g.ToMsg(t0)
	test.That(t, msg.Incremental, test.ShouldBeFalse)
	test.That(t, msg.Header.FixedFrame, test.ShouldEqual, "world")
	test.That(t, len(msg.Nodes), test.ShouldEqual, 3)
	test.That(t, len(msg.Edges), test.ShouldEqual, 2)
	test.That(t, len(msg.Priors), test.ShouldEqual, 1)
}

func TestRemoveLastFactor(t *testing.T) {
	g := chainGraph(t, 3)
	loop := Factor{
		Type: LoopFactor, KeyFrom: NewKey('a', 3), KeyTo: NewKey('a', 0),
		Transform: spatialmath.NewZeroPose(), Covariance: IsoCovariance(0.01, 0.01),
	}
	before := g.NumFactors()
	test.That(t, g.TrackFactor(loop), test.ShouldBeNil)
	removed, ok := g.RemoveLastFactor(func(f Factor) bool { return f.Type == LoopFactor })
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, removed.KeyFrom, test.ShouldEqual, loop.KeyFrom)
	test.That(t, g.NumFactors(), test.ShouldEqual, before)

	_, ok = g.RemoveLastFactor(func(f Factor) bool { return f.Type == LoopFactor })
	test.That(t, ok, test.ShouldBeFalse)
}

func TestUpdatePoses(t *testing.T) {
	g := chainGraph(t, 1)
	want := spatialmath.NewPoseFromPoint(r3.Vector{X: 9})
	test.That(t, g.UpdatePoses(map[Key]spatialmath.Pose{NewKey('a', 1): want}), test.ShouldBeNil)
	got, ok := g.GetPose(NewKey('a', 1))
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, spatialmath.PoseAlmostEqual(got, want, 1e-12), test.ShouldBeTrue)

	err := g.UpdatePoses(map[Key]spatialmath.Pose{NewKey('z', 1): want})
	test.That(t, errors.Is(err, ErrUnknownKey), test.ShouldBeTrue)
}

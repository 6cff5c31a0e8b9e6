package handlers

import (
	"math"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/AngelRodriguez8008/NeBuLa-LAMP/posegraph"
	"github.com/AngelRodriguez8008/NeBuLa-LAMP/spatialmath"
)

var t0 = time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)

func sample(offset time.Duration, x float64) PoseStamped {
	return PoseStamped{
		Stamp:      t0.Add(offset),
		Pose:       spatialmath.NewPoseFromPoint(r3.Vector{X: x}),
		Covariance: posegraph.IsoCovariance(1e-4, 1e-4),
	}
}

func TestOdometryIngestValidation(t *testing.T) {
	h := NewOdometryHandler(1.0, golog.NewTestLogger(t))

	test.That(t, h.Ingest(PoseStamped{Pose: spatialmath.NewZeroPose()}), test.ShouldNotBeNil)
	test.That(t, h.Ingest(PoseStamped{
		Stamp: t0,
		Pose:  spatialmath.NewPoseFromPoint(r3.Vector{X: math.NaN()}),
	}), test.ShouldNotBeNil)
	test.That(t, h.Ingest(sample(0, 0)), test.ShouldBeNil)
}

func TestOdometryPoseAtTime(t *testing.T) {
	h := NewOdometryHandler(1.0, golog.NewTestLogger(t))
	test.That(t, h.Ingest(sample(0, 0)), test.ShouldBeNil)
	test.That(t, h.Ingest(sample(2*time.Second, 2)), test.ShouldBeNil)

	// exact hit
	got, err := h.PoseAtTime(t0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Pose.Point().X, test.ShouldAlmostEqual, 0, 1e-12)

	// interpolated halfway
	got, err = h.PoseAtTime(t0.Add(time.Second))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Pose.Point().X, test.ShouldAlmostEqual, 1, 1e-9)

	// out of range on both sides
	_, err = h.PoseAtTime(t0.Add(-time.Second))
	test.That(t, errors.Is(err, ErrInsufficientOdometry), test.ShouldBeTrue)
	_, err = h.PoseAtTime(t0.Add(time.Hour))
	test.That(t, errors.Is(err, ErrInsufficientOdometry), test.ShouldBeTrue)
}

func TestOdometrySlerpRotation(t *testing.T) {
	h := NewOdometryHandler(1.0, golog.NewTestLogger(t))
	test.That(t, h.Ingest(PoseStamped{Stamp: t0, Pose: spatialmath.NewZeroPose()}), test.ShouldBeNil)
	test.That(t, h.Ingest(PoseStamped{
		Stamp: t0.Add(2 * time.Second),
		Pose:  spatialmath.NewPoseFromAxisAngle(r3.Vector{}, r3.Vector{Z: 1}, math.Pi/2),
	}), test.ShouldBeNil)

	got, err := h.PoseAtTime(t0.Add(time.Second))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.AngleBetween(spatialmath.NewZeroPose(), got.Pose), test.ShouldAlmostEqual, math.Pi/4, 1e-9)
}

func TestOdometryKeyframeGating(t *testing.T) {
	h := NewOdometryHandler(1.0, golog.NewTestLogger(t))

	// first drain seeds the keyframe reference
	test.That(t, h.Ingest(sample(0, 0)), test.ShouldBeNil)
	batch := h.Drain()
	test.That(t, batch.HasData, test.ShouldBeFalse)

	// under the gate: nothing
	test.That(t, h.Ingest(sample(time.Second, 0.5)), test.ShouldBeNil)
	batch = h.Drain()
	test.That(t, batch.HasData, test.ShouldBeFalse)

	// over the gate: one between factor spanning keyframe→newest
	test.That(t, h.Ingest(sample(2*time.Second, 1.5)), test.ShouldBeNil)
	batch = h.Drain()
	test.That(t, batch.HasData, test.ShouldBeTrue)
	test.That(t, len(batch.Factors), test.ShouldEqual, 1)
	f := batch.Factors[0]
	test.That(t, f.Type, test.ShouldEqual, posegraph.OdometryFactor)
	test.That(t, f.Transform.Point().X, test.ShouldAlmostEqual, 1.5, 1e-9)
	test.That(t, f.Stamps[0].Equal(t0), test.ShouldBeTrue)
	test.That(t, f.Stamps[1].Equal(t0.Add(2*time.Second)), test.ShouldBeTrue)

	// determinism: replaying the same stream produces the same factor
	h2 := NewOdometryHandler(1.0, golog.NewTestLogger(t))
	test.That(t, h2.Ingest(sample(0, 0)), test.ShouldBeNil)
	h2.Drain()
	test.That(t, h2.Ingest(sample(time.Second, 0.5)), test.ShouldBeNil)
	h2.Drain()
	test.That(t, h2.Ingest(sample(2*time.Second, 1.5)), test.ShouldBeNil)
	batch2 := h2.Drain()
	test.That(t, batch2.HasData, test.ShouldBeTrue)
	test.That(t, batch2.Factors[0].Stamps, test.ShouldResemble, f.Stamps)
	test.That(t, spatialmath.PoseAlmostEqual(batch2.Factors[0].Transform, f.Transform, 1e-12), test.ShouldBeTrue)
}

func TestArtifactHandler(t *testing.T) {
	h := NewArtifactHandler('A', golog.NewTestLogger(t))

	// validation
	test.That(t, h.Ingest(ArtifactMsg{ParentID: "x", RelativePosition: r3.Vector{X: 1}}), test.ShouldNotBeNil)
	test.That(t, h.Ingest(ArtifactMsg{
		ParentID: "x", Stamp: t0, RelativePosition: r3.Vector{X: math.NaN()},
	}), test.ShouldNotBeNil)
	test.That(t, h.Ingest(ArtifactMsg{Stamp: t0, RelativePosition: r3.Vector{X: 1}}), test.ShouldNotBeNil)

	// first observation
	cov := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		cov.SetSym(i, i, 0.04)
	}
	test.That(t, h.Ingest(ArtifactMsg{
		ParentID: "backpack-1", Label: "backpack", Stamp: t0,
		RelativePosition: r3.Vector{X: 2, Y: 1}, PositionCovariance: cov,
	}), test.ShouldBeNil)

	// re-observation updates the record without a duplicate factor
	test.That(t, h.Ingest(ArtifactMsg{
		ParentID: "backpack-1", Label: "backpack", Stamp: t0.Add(time.Second),
		RelativePosition: r3.Vector{X: 2.1, Y: 1}, PositionCovariance: cov,
	}), test.ShouldBeNil)

	batch := h.Drain()
	test.That(t, batch.HasData, test.ShouldBeTrue)
	test.That(t, len(batch.Factors), test.ShouldEqual, 1)
	test.That(t, len(batch.NewNodes), test.ShouldEqual, 1)

	f := batch.Factors[0]
	test.That(t, f.Type, test.ShouldEqual, posegraph.ArtifactFactor)
	test.That(t, f.KeyTo, test.ShouldEqual, posegraph.NewKey('A', 0))
	// rotation block lifted to very-high variance, translation block carried
	test.That(t, f.Covariance.At(0, 0), test.ShouldBeGreaterThan, 1e5)
	test.That(t, f.Covariance.At(3, 3), test.ShouldAlmostEqual, 0.04, 1e-12)

	rec, ok := h.Record(posegraph.NewKey('A', 0))
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, rec.Msg.RelativePosition.X, test.ShouldAlmostEqual, 2.1, 1e-12)

	// empty after drain
	batch = h.Drain()
	test.That(t, batch.HasData, test.ShouldBeFalse)

	// a different parent gets the next key
	test.That(t, h.Ingest(ArtifactMsg{
		ParentID: "helmet-1", Label: "helmet", Stamp: t0.Add(2 * time.Second),
		RelativePosition: r3.Vector{Y: -1},
	}), test.ShouldBeNil)
	batch = h.Drain()
	test.That(t, batch.Factors[0].KeyTo, test.ShouldEqual, posegraph.NewKey('A', 1))
}

func TestUWBHandler(t *testing.T) {
	h := NewUWBHandler('u', RangeModeBinary, golog.NewTestLogger(t))

	// validation
	test.That(t, h.Ingest(RangeMsg{AnchorID: "n1", Range: 3, Sigma: 0.1}), test.ShouldNotBeNil)
	test.That(t, h.Ingest(RangeMsg{AnchorID: "n1", Stamp: t0, Range: -1, Sigma: 0.1}), test.ShouldNotBeNil)
	test.That(t, h.Ingest(RangeMsg{AnchorID: "n1", Stamp: t0, Range: 3, Sigma: 0}), test.ShouldNotBeNil)

	test.That(t, h.Ingest(RangeMsg{AnchorID: "n1", Stamp: t0, Range: 3, Sigma: 0.1}), test.ShouldBeNil)
	test.That(t, h.Ingest(RangeMsg{AnchorID: "n1", Stamp: t0.Add(time.Second), Range: 2.5, Sigma: 0.1}), test.ShouldBeNil)

	batch := h.Drain()
	test.That(t, batch.HasData, test.ShouldBeTrue)
	test.That(t, len(batch.Factors), test.ShouldEqual, 2)
	test.That(t, len(batch.NewNodes), test.ShouldEqual, 1)
	for _, f := range batch.Factors {
		test.That(t, f.Type, test.ShouldEqual, posegraph.UWBRangeFactor)
		test.That(t, f.KeyTo, test.ShouldEqual, posegraph.NewKey('u', 0))
		test.That(t, f.RangeSigma, test.ShouldAlmostEqual, 0.1, 1e-12)
	}

	// drop finalizes with a prior and refuses further ranges
	dropPose := spatialmath.NewPoseFromPoint(r3.Vector{X: 5})
	test.That(t, h.Drop("n1", dropPose), test.ShouldBeNil)
	test.That(t, h.Ingest(RangeMsg{AnchorID: "n1", Stamp: t0.Add(2 * time.Second), Range: 2, Sigma: 0.1}), test.ShouldNotBeNil)
	test.That(t, h.Drop("n1", dropPose), test.ShouldNotBeNil)

	batch = h.Drain()
	test.That(t, batch.HasData, test.ShouldBeTrue)
	test.That(t, len(batch.Factors), test.ShouldEqual, 1)
	test.That(t, batch.Factors[0].Type, test.ShouldEqual, posegraph.PriorFactor)
	test.That(t, spatialmath.PoseAlmostEqual(batch.Factors[0].Transform, dropPose, 1e-12), test.ShouldBeTrue)
}

func TestUWBPriorOnDropMode(t *testing.T) {
	h := NewUWBHandler('u', RangeModePriorOnDrop, golog.NewTestLogger(t))
	test.That(t, h.Ingest(RangeMsg{AnchorID: "n1", Stamp: t0, Range: 3, Sigma: 0.1}), test.ShouldBeNil)

	batch := h.Drain()
	test.That(t, batch.HasData, test.ShouldBeFalse)

	test.That(t, h.Drop("n1", spatialmath.NewZeroPose()), test.ShouldBeNil)
	batch = h.Drain()
	test.That(t, batch.HasData, test.ShouldBeTrue)
	test.That(t, batch.Factors[0].Type, test.ShouldEqual, posegraph.PriorFactor)
}

func TestManualHandler(t *testing.T) {
	h := NewManualHandler(golog.NewTestLogger(t))
	k1, k2 := posegraph.NewKey('a', 3), posegraph.NewKey('a', 9)

	test.That(t, h.Add(k1, k1, spatialmath.NewZeroPose(), 10, 10, t0), test.ShouldNotBeNil)
	test.That(t, h.Add(k1, k2, spatialmath.NewZeroPose(), 0, 10, t0), test.ShouldNotBeNil)

	rel := spatialmath.NewPoseFromPoint(r3.Vector{X: 1})
	test.That(t, h.Add(k1, k2, rel, 100, 25, t0), test.ShouldBeNil)

	batch := h.Drain()
	test.That(t, batch.HasData, test.ShouldBeTrue)
	test.That(t, len(batch.Factors), test.ShouldEqual, 1)
	f := batch.Factors[0]
	test.That(t, f.Type, test.ShouldEqual, posegraph.LoopFactor)
	test.That(t, f.Covariance.At(3, 3), test.ShouldAlmostEqual, 1.0/100, 1e-12)
	test.That(t, f.Covariance.At(0, 0), test.ShouldAlmostEqual, 1.0/25, 1e-12)

	test.That(t, h.Drain().HasData, test.ShouldBeFalse)
}

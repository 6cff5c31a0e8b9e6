package pointcloud

import (
	"bytes"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/AngelRodriguez8008/NeBuLa-LAMP/spatialmath"
)

func TestBasicCloud(t *testing.T) {
	pc := New()
	test.That(t, pc.Size(), test.ShouldEqual, 0)

	test.That(t, pc.Set(r3.Vector{X: 1, Y: 2, Z: 3}), test.ShouldBeNil)
	test.That(t, pc.Set(r3.Vector{X: -1, Y: 0, Z: 5}), test.ShouldBeNil)
	test.That(t, pc.Set(r3.Vector{X: 1, Y: 2, Z: 3}), test.ShouldBeNil)
	test.That(t, pc.Size(), test.ShouldEqual, 2)
	test.That(t, pc.At(1, 2, 3), test.ShouldBeTrue)
	test.That(t, pc.At(9, 9, 9), test.ShouldBeFalse)

	meta := pc.MetaData()
	test.That(t, meta.MinX, test.ShouldEqual, -1)
	test.That(t, meta.MaxZ, test.ShouldEqual, 5)
}

func TestPCDRoundTrip(t *testing.T) {
	pc := New()
	test.That(t, pc.Set(r3.Vector{X: 0.5, Y: -1.25, Z: 3}), test.ShouldBeNil)
	test.That(t, pc.Set(r3.Vector{X: 2, Y: 0, Z: -7.5}), test.ShouldBeNil)

	for _, layout := range []PCDType{PCDAscii, PCDBinary} {
		var buf bytes.Buffer
		test.That(t, ToPCD(pc, &buf, layout), test.ShouldBeNil)

		back, err := ReadPCD(&buf)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, back.Size(), test.ShouldEqual, pc.Size())
		test.That(t, back.At(0.5, -1.25, 3), test.ShouldBeTrue)
		test.That(t, back.At(2, 0, -7.5), test.ShouldBeTrue)
	}
}

func TestReadPCDRejectsGarbage(t *testing.T) {
	_, err := ReadPCD(bytes.NewBufferString("VERSION .7\nFIELDS x y rgb\n"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestApplyOffset(t *testing.T) {
	pc := New()
	test.That(t, pc.Set(r3.Vector{X: 1}), test.ShouldBeNil)
	moved := ApplyOffset(pc, spatialmath.NewPoseFromPoint(r3.Vector{Y: 2}))
	test.That(t, moved.At(1, 2, 0), test.ShouldBeTrue)
}

func TestKDTreeNearestNeighbor(t *testing.T) {
	pc := New()
	for x := 0.0; x < 10; x++ {
		for y := 0.0; y < 10; y++ {
			test.That(t, pc.Set(r3.Vector{X: x, Y: y}), test.ShouldBeNil)
		}
	}
	kd := ToKDTree(pc)
	test.That(t, kd.Size(), test.ShouldEqual, 100)

	nearest, sq, ok := kd.NearestNeighbor(r3.Vector{X: 3.2, Y: 6.9, Z: 0.05})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, nearest.X, test.ShouldEqual, 3)
	test.That(t, nearest.Y, test.ShouldEqual, 7)
	test.That(t, sq, test.ShouldAlmostEqual, 0.2*0.2+0.1*0.1+0.05*0.05, 1e-9)
}

// lineScan builds a cheap synthetic structured scene with points on three
// walls, enough geometry for ICP to lock onto.
func lineScan(t *testing.T) PointCloud {
	t.Helper()
	pc := New()
	for i := 0.0; i < 30; i++ {
		test.That(t, pc.Set(r3.Vector{X: i * 0.1, Y: 0, Z: 0}), test.ShouldBeNil)
		test.That(t, pc.Set(r3.Vector{X: 0, Y: i * 0.1, Z: 0.5}), test.ShouldBeNil)
		test.That(t, pc.Set(r3.Vector{X: i * 0.1, Y: 3 - i*0.1, Z: 1}), test.ShouldBeNil)
	}
	return pc
}

func TestRegisterICPRecoversOffset(t *testing.T) {
	target := lineScan(t)
	offset := spatialmath.NewPoseFromAxisAngle(
		r3.Vector{X: 0.05, Y: -0.04, Z: 0.02}, r3.Vector{Z: 1}, 0.03)
	source := ApplyOffset(target, offset)

	// registering source onto target should recover offset⁻¹
	got, info, err := RegisterICP(source, ToKDTree(target), spatialmath.NewZeroPose(), DefaultICPConfig())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.Fitness, test.ShouldBeLessThan, 1e-4)
	test.That(t, info.Covariance, test.ShouldNotBeNil)

	want := spatialmath.Invert(offset)
	test.That(t, spatialmath.TranslationBetween(got, want), test.ShouldBeLessThan, 1e-2)
	test.That(t, spatialmath.AngleBetween(got, want), test.ShouldBeLessThan, 1e-2)
}

func TestRegisterICPEmptyCloud(t *testing.T) {
	_, _, err := RegisterICP(New(), ToKDTree(New()), spatialmath.NewZeroPose(), DefaultICPConfig())
	test.That(t, err, test.ShouldNotBeNil)
}

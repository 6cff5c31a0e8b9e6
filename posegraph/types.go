package posegraph

import (
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/AngelRodriguez8008/NeBuLa-LAMP/spatialmath"
)

// FactorType tags the measurement kind carried by a factor.
type FactorType int

const (
	// PriorFactor anchors a single pose.
	PriorFactor FactorType = iota
	// OdometryFactor is a consecutive-keyframe relative pose on a robot's
	// spine.
	OdometryFactor
	// BetweenFactor is a generic relative pose between two existing keys.
	BetweenFactor
	// LoopFactor is a loop-closure relative pose, subject to outlier
	// rejection.
	LoopFactor
	// ArtifactFactor ties a robot pose to an artifact landmark.
	ArtifactFactor
	// UWBRangeFactor is a scalar range between a pose and a UWB anchor.
	UWBRangeFactor
)

func (ft FactorType) String() string {
	switch ft {
	case PriorFactor:
		return "prior"
	case OdometryFactor:
		return "odom"
	case BetweenFactor:
		return "between"
	case LoopFactor:
		return "loop"
	case ArtifactFactor:
		return "artifact"
	case UWBRangeFactor:
		return "uwb_range"
	default:
		return "unknown"
	}
}

// ParseFactorType is the inverse of FactorType.String.
func ParseFactorType(s string) (FactorType, bool) {
	for _, ft := range []FactorType{
		PriorFactor, OdometryFactor, BetweenFactor, LoopFactor, ArtifactFactor, UWBRangeFactor,
	} {
		if ft.String() == s {
			return ft, true
		}
	}
	return 0, false
}

// Node is a pose variable of the graph. Identity fields are never mutated
// once tracked; only Pose is re-estimated by the solver.
type Node struct {
	Key          Key
	Stamp        time.Time
	FixedFrameID string
	Pose         spatialmath.Pose
	Covariance   *mat.SymDense
	// ID is an optional type-id string, e.g. the artifact class.
	ID string
}

// Factor is a measurement edge. Transform and Covariance carry relative-pose
// measurements; Range and RangeSigma carry scalar range measurements.
type Factor struct {
	Type       FactorType
	KeyFrom    Key
	KeyTo      Key
	Transform  spatialmath.Pose
	Covariance *mat.SymDense
	Range      float64
	RangeSigma float64
	// Stamps records the measurement times the factor was built from, so a
	// replay of the same inputs reproduces the same factor.
	Stamps [2]time.Time
}

// HasNaN reports whether the factor carries non-finite numbers.
func (f Factor) HasNaN() bool {
	xi := spatialmath.Log(f.Transform)
	for _, v := range xi {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	if math.IsNaN(f.Range) || math.IsNaN(f.RangeSigma) {
		return true
	}
	if f.Covariance != nil {
		n := f.Covariance.SymmetricDim()
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				if math.IsNaN(f.Covariance.At(i, j)) {
					return true
				}
			}
		}
	}
	return false
}

// SameEdge reports whether two factors cover the same (from, to, type)
// triple.
func (f Factor) SameEdge(o Factor) bool {
	return f.Type == o.Type && f.KeyFrom == o.KeyFrom && f.KeyTo == o.KeyTo
}

// IsoCovariance returns a 6×6 diagonal covariance with the given rotational
// and translational variances.
func IsoCovariance(rotVar, transVar float64) *mat.SymDense {
	out := mat.NewSymDense(6, nil)
	for i := 0; i < 3; i++ {
		out.SetSym(i, i, rotVar)
		out.SetSym(i+3, i+3, transVar)
	}
	return out
}

// PrecisionsToCovariance converts diagonal precisions to the 6×6 diagonal
// covariance used by manual factors.
func PrecisionsToCovariance(rotPrecision, transPrecision float64) *mat.SymDense {
	rotVar := math.Inf(1)
	if rotPrecision > 0 {
		rotVar = 1 / rotPrecision
	}
	transVar := math.Inf(1)
	if transPrecision > 0 {
		transVar = 1 / transPrecision
	}
	return IsoCovariance(rotVar, transVar)
}

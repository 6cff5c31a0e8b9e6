package handlers

import (
	"math"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/AngelRodriguez8008/NeBuLa-LAMP/posegraph"
	"github.com/AngelRodriguez8008/NeBuLa-LAMP/spatialmath"
)

// artifactRotationVariance is the very-high rotational variance used when
// lifting a 3-DoF position covariance into the 6×6 factor covariance.
const artifactRotationVariance = 1e6

// ArtifactMsg is one artifact detection relative to the robot body.
type ArtifactMsg struct {
	// ParentID is the stable detection id; re-observations reuse it.
	ParentID string
	Label    string
	Stamp    time.Time
	// RelativePosition is the artifact position in the body frame at Stamp.
	RelativePosition r3.Vector
	// PositionCovariance is the 3×3 covariance of RelativePosition.
	PositionCovariance *mat.SymDense
}

// ArtifactRecord is the stored state for one artifact key.
type ArtifactRecord struct {
	Key        posegraph.Key
	Msg        ArtifactMsg
	GlobalPose spatialmath.Pose
}

// ArtifactHandler assigns one stable key per parent id and emits a landmark
// factor on first observation. Re-observations update the stored record
// without enqueueing a duplicate factor.
type ArtifactHandler struct {
	mu     sync.Mutex
	logger golog.Logger

	prefix    byte
	nextIndex uint64
	byParent  map[string]posegraph.Key
	records   map[posegraph.Key]*ArtifactRecord
	queue     []posegraph.Factor
	newNodes  []posegraph.Node
}

// NewArtifactHandler keys artifacts under the given prefix, typically an
// uppercase letter.
func NewArtifactHandler(prefix byte, logger golog.Logger) *ArtifactHandler {
	return &ArtifactHandler{
		logger:   logger,
		prefix:   prefix,
		byParent: map[string]posegraph.Key{},
		records:  map[posegraph.Key]*ArtifactRecord{},
	}
}

// Name implements Handler.
func (h *ArtifactHandler) Name() string {
	return "artifact"
}

// Ingest validates and queues a detection. NaN positions and zero stamps are
// rejected.
func (h *ArtifactHandler) Ingest(msg ArtifactMsg) error {
	if msg.Stamp.IsZero() {
		return errors.New("artifact message with zero stamp")
	}
	p := msg.RelativePosition
	if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsNaN(p.Z) {
		return errors.New("artifact message with NaN position")
	}
	if msg.ParentID == "" {
		return errors.New("artifact message without parent id")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if key, ok := h.byParent[msg.ParentID]; ok {
		h.records[key].Msg = msg
		h.logger.Debugw("artifact re-observed", "parent", msg.ParentID, "key", key.String())
		return nil
	}

	key := posegraph.NewKey(h.prefix, h.nextIndex)
	h.nextIndex++
	h.byParent[msg.ParentID] = key
	h.records[key] = &ArtifactRecord{Key: key, Msg: msg}

	h.queue = append(h.queue, posegraph.Factor{
		Type:       posegraph.ArtifactFactor,
		KeyTo:      key,
		Transform:  spatialmath.NewPoseFromPoint(msg.RelativePosition),
		Covariance: liftPositionCovariance(msg.PositionCovariance),
		Stamps:     [2]time.Time{msg.Stamp, msg.Stamp},
	})
	h.newNodes = append(h.newNodes, posegraph.Node{
		Key:   key,
		Pose:  spatialmath.NewPoseFromPoint(msg.RelativePosition),
		ID:    msg.Label,
		Stamp: time.Time{},
	})
	return nil
}

// Drain implements Handler.
func (h *ArtifactHandler) Drain() FactorBatch {
	h.mu.Lock()
	defer h.mu.Unlock()
	batch := FactorBatch{
		Type:     "artifact",
		HasData:  len(h.queue) > 0,
		Factors:  h.queue,
		NewNodes: h.newNodes,
	}
	h.queue = nil
	h.newNodes = nil
	return batch
}

// Record returns the stored state for an artifact key.
func (h *ArtifactHandler) Record(key posegraph.Key) (ArtifactRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[key]
	if !ok {
		return ArtifactRecord{}, false
	}
	return *rec, true
}

// UpdateGlobalPose stores the optimized global pose of an artifact.
func (h *ArtifactHandler) UpdateGlobalPose(key posegraph.Key, pose spatialmath.Pose) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rec, ok := h.records[key]; ok {
		rec.GlobalPose = pose
	}
}

// liftPositionCovariance embeds a 3×3 position covariance into the 6×6
// rotation-first layout, with the rotation block set to very-high variance.
func liftPositionCovariance(pos *mat.SymDense) *mat.SymDense {
	out := mat.NewSymDense(6, nil)
	for i := 0; i < 3; i++ {
		out.SetSym(i, i, artifactRotationVariance)
	}
	if pos == nil {
		for i := 3; i < 6; i++ {
			out.SetSym(i, i, 1e-2)
		}
		return out
	}
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			out.SetSym(i+3, j+3, pos.At(i, j))
		}
	}
	return out
}

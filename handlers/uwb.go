package handlers

import (
	"math"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/AngelRodriguez8008/NeBuLa-LAMP/posegraph"
	"github.com/AngelRodriguez8008/NeBuLa-LAMP/spatialmath"
)

// RangeFactorMode selects how buffered ranges turn into factors. The exact
// switching rule between unary anchor priors and binary range factors is
// policy-dependent; it is a configuration here.
type RangeFactorMode int

const (
	// RangeModeBinary emits pose↔anchor range factors for every buffered
	// measurement and a position prior only on drop.
	RangeModeBinary RangeFactorMode = iota
	// RangeModePriorOnDrop suppresses range factors entirely and emits only
	// the drop prior.
	RangeModePriorOnDrop
)

// RangeMsg is one UWB range measurement.
type RangeMsg struct {
	AnchorID string
	Stamp    time.Time
	Range    float64
	Sigma    float64
}

type anchorState struct {
	key     posegraph.Key
	ranges  []RangeMsg
	seeded  bool
	dropped bool
}

// UWBHandler buffers range measurements per anchor id and emits range
// factors periodically; dropping an anchor finalizes it with a prior near
// the drop pose.
type UWBHandler struct {
	mu     sync.Mutex
	logger golog.Logger

	prefix    byte
	mode      RangeFactorMode
	nextIndex uint64
	anchors   map[string]*anchorState

	queue    []posegraph.Factor
	newNodes []posegraph.Node
}

// NewUWBHandler keys anchors under the given prefix, typically 'u'.
func NewUWBHandler(prefix byte, mode RangeFactorMode, logger golog.Logger) *UWBHandler {
	return &UWBHandler{
		logger:  logger,
		prefix:  prefix,
		mode:    mode,
		anchors: map[string]*anchorState{},
	}
}

// Name implements Handler.
func (h *UWBHandler) Name() string {
	return "uwb"
}

// AnchorKey returns the key assigned to an anchor id, if any.
func (h *UWBHandler) AnchorKey(id string) (posegraph.Key, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.anchors[id]
	if !ok {
		return 0, false
	}
	return a.key, true
}

// Ingest buffers a range measurement.
func (h *UWBHandler) Ingest(msg RangeMsg) error {
	if msg.Stamp.IsZero() {
		return errors.New("range message with zero stamp")
	}
	if msg.Range <= 0 || math.IsNaN(msg.Range) {
		return errors.Errorf("invalid range %f", msg.Range)
	}
	if msg.Sigma <= 0 {
		return errors.Errorf("invalid range sigma %f", msg.Sigma)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.anchors[msg.AnchorID]
	if !ok {
		a = &anchorState{key: posegraph.NewKey(h.prefix, h.nextIndex)}
		h.nextIndex++
		h.anchors[msg.AnchorID] = a
	}
	if a.dropped {
		return errors.Errorf("anchor %s already dropped", msg.AnchorID)
	}
	a.ranges = append(a.ranges, msg)
	return nil
}

// Drop finalizes an anchor: a position prior near the drop pose is queued,
// and further measurements for the id are refused.
func (h *UWBHandler) Drop(id string, dropPose spatialmath.Pose) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.anchors[id]
	if !ok {
		a = &anchorState{key: posegraph.NewKey(h.prefix, h.nextIndex)}
		h.nextIndex++
		h.anchors[id] = a
	}
	if a.dropped {
		return errors.Errorf("anchor %s already dropped", id)
	}
	a.dropped = true
	if !a.seeded {
		a.seeded = true
		h.newNodes = append(h.newNodes, posegraph.Node{Key: a.key, Pose: dropPose})
	}
	h.queue = append(h.queue, posegraph.Factor{
		Type:       posegraph.PriorFactor,
		KeyFrom:    a.key,
		KeyTo:      a.key,
		Transform:  dropPose,
		Covariance: posegraph.IsoCovariance(1e2, 1.0),
	})
	h.logger.Infow("anchor dropped", "id", id, "key", a.key.String())
	return nil
}

// Drain implements Handler. In binary mode every buffered range becomes one
// factor with its anchor key set; the pose key is resolved by the core from
// the measurement stamp.
func (h *UWBHandler) Drain() FactorBatch {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.mode == RangeModeBinary {
		for _, a := range h.anchors {
			for _, msg := range a.ranges {
				if !a.seeded {
					a.seeded = true
					h.newNodes = append(h.newNodes, posegraph.Node{Key: a.key, Pose: spatialmath.NewZeroPose()})
				}
				h.queue = append(h.queue, posegraph.Factor{
					Type:       posegraph.UWBRangeFactor,
					KeyTo:      a.key,
					Transform:  spatialmath.NewZeroPose(),
					Range:      msg.Range,
					RangeSigma: msg.Sigma,
					Stamps:     [2]time.Time{msg.Stamp, msg.Stamp},
				})
			}
			a.ranges = nil
		}
	} else {
		for _, a := range h.anchors {
			a.ranges = nil
		}
	}

	batch := FactorBatch{
		Type:     "uwb",
		HasData:  len(h.queue) > 0,
		Factors:  h.queue,
		NewNodes: h.newNodes,
	}
	h.queue = nil
	h.newNodes = nil
	return batch
}

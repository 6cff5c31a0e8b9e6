package handlers

import (
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/AngelRodriguez8008/NeBuLa-LAMP/posegraph"
	"github.com/AngelRodriguez8008/NeBuLa-LAMP/spatialmath"
)

// ManualHandler queues operator-supplied relative-pose factors with explicit
// precisions.
type ManualHandler struct {
	mu     sync.Mutex
	logger golog.Logger
	queue  []posegraph.Factor
}

// NewManualHandler returns an empty manual factor queue.
func NewManualHandler(logger golog.Logger) *ManualHandler {
	return &ManualHandler{logger: logger}
}

// Name implements Handler.
func (h *ManualHandler) Name() string {
	return "manual"
}

// Add queues a factor between two existing keys. Precisions are converted to
// a diagonal covariance.
func (h *ManualHandler) Add(k1, k2 posegraph.Key, relative spatialmath.Pose, transPrecision, rotPrecision float64, now time.Time) error {
	if k1 == k2 {
		return errors.New("manual factor endpoints must differ")
	}
	if transPrecision <= 0 || rotPrecision <= 0 {
		return errors.Errorf("precisions must be positive, got trans=%f rot=%f", transPrecision, rotPrecision)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queue = append(h.queue, posegraph.Factor{
		Type:       posegraph.LoopFactor,
		KeyFrom:    k1,
		KeyTo:      k2,
		Transform:  relative,
		Covariance: posegraph.PrecisionsToCovariance(rotPrecision, transPrecision),
		Stamps:     [2]time.Time{now, now},
	})
	h.logger.Infow("manual factor queued", "from", k1.String(), "to", k2.String())
	return nil
}

// Drain implements Handler.
func (h *ManualHandler) Drain() FactorBatch {
	h.mu.Lock()
	defer h.mu.Unlock()
	batch := FactorBatch{
		Type:    "manual",
		HasData: len(h.queue) > 0,
		Factors: h.queue,
	}
	h.queue = nil
	return batch
}

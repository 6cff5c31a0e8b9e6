package handlers

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/AngelRodriguez8008/NeBuLa-LAMP/posegraph"
	"github.com/AngelRodriguez8008/NeBuLa-LAMP/spatialmath"
)

// PoseStamped is one odometry sample from the upstream front end.
type PoseStamped struct {
	Stamp      time.Time
	Pose       spatialmath.Pose
	Covariance *mat.SymDense
}

// OdometryHandler buffers time-ordered pose-with-covariance samples and
// gates keyframes by accumulated translation. Drain returns the between
// factor from the previous keyframe stamp to the newest sample, built by
// interpolating the nearest bracketing samples.
type OdometryHandler struct {
	mu     sync.Mutex
	logger golog.Logger

	translationThresholdKF float64
	buffer                 []PoseStamped

	haveKeyframe  bool
	keyframeStamp time.Time
	keyframePose  spatialmath.Pose
}

// NewOdometryHandler returns a handler gating keyframes at the given
// accumulated translation, in meters.
func NewOdometryHandler(translationThresholdKF float64, logger golog.Logger) *OdometryHandler {
	return &OdometryHandler{
		logger:                 logger,
		translationThresholdKF: translationThresholdKF,
	}
}

// Name implements Handler.
func (h *OdometryHandler) Name() string {
	return "odometry"
}

// Ingest buffers a sample, keeping the buffer time ordered. Samples with
// zero stamps or non-finite poses are dropped.
func (h *OdometryHandler) Ingest(msg PoseStamped) error {
	if msg.Stamp.IsZero() {
		return errors.New("odometry sample with zero stamp")
	}
	xi := spatialmath.Log(msg.Pose)
	for _, v := range xi {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("odometry sample with non-finite pose")
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	i := sort.Search(len(h.buffer), func(i int) bool { return h.buffer[i].Stamp.After(msg.Stamp) })
	h.buffer = append(h.buffer, PoseStamped{})
	copy(h.buffer[i+1:], h.buffer[i:])
	h.buffer[i] = msg
	return nil
}

// PoseAtTime interpolates the buffered odometry at t: linear in translation,
// spherical-linear in rotation between the bracketing samples. It fails with
// ErrInsufficientOdometry when either bracket is missing.
func (h *OdometryHandler) PoseAtTime(t time.Time) (PoseStamped, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.poseAtTimeLocked(t)
}

func (h *OdometryHandler) poseAtTimeLocked(t time.Time) (PoseStamped, error) {
	n := len(h.buffer)
	if n == 0 {
		return PoseStamped{}, errors.Wrap(ErrInsufficientOdometry, "empty buffer")
	}
	i := sort.Search(n, func(i int) bool { return !h.buffer[i].Stamp.Before(t) })
	if i < n && h.buffer[i].Stamp.Equal(t) {
		return h.buffer[i], nil
	}
	if i == 0 || i == n {
		return PoseStamped{}, errors.Wrapf(ErrInsufficientOdometry, "time %v outside buffer", t)
	}
	before, after := h.buffer[i-1], h.buffer[i]
	span := after.Stamp.Sub(before.Stamp)
	alpha := 0.0
	if span > 0 {
		alpha = float64(t.Sub(before.Stamp)) / float64(span)
	}
	out := PoseStamped{
		Stamp: t,
		Pose:  spatialmath.Interpolate(before.Pose, after.Pose, alpha),
	}
	if before.Covariance != nil && after.Covariance != nil {
		cov := mat.NewSymDense(6, nil)
		for r := 0; r < 6; r++ {
			for c := r; c < 6; c++ {
				cov.SetSym(r, c, before.Covariance.At(r, c)+alpha*(after.Covariance.At(r, c)-before.Covariance.At(r, c)))
			}
		}
		out.Covariance = cov
	}
	return out, nil
}

// SetKeyframe pins the keyframe reference, used at initialization and after
// a load.
func (h *OdometryHandler) SetKeyframe(stamp time.Time, pose spatialmath.Pose) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.haveKeyframe = true
	h.keyframeStamp = stamp
	h.keyframePose = pose
}

// Drain implements Handler. When the translation accumulated since the last
// keyframe exceeds the gate, it emits one between factor spanning
// [keyframe stamp, newest sample stamp] and advances the keyframe.
func (h *OdometryHandler) Drain() FactorBatch {
	h.mu.Lock()
	defer h.mu.Unlock()

	batch := FactorBatch{Type: "odom"}
	if len(h.buffer) == 0 {
		return batch
	}
	newest := h.buffer[len(h.buffer)-1]
	if !h.haveKeyframe {
		// first sample seeds the reference
		h.haveKeyframe = true
		h.keyframeStamp = newest.Stamp
		h.keyframePose = newest.Pose
		h.trimLocked()
		return batch
	}

	from, err := h.poseAtTimeLocked(h.keyframeStamp)
	if err != nil {
		h.logger.Warnw("keyframe stamp no longer bracketed", "error", err)
		from = PoseStamped{Stamp: h.keyframeStamp, Pose: h.keyframePose}
	}
	delta := spatialmath.Between(from.Pose, newest.Pose)
	if delta.Point().Norm() < h.translationThresholdKF {
		return batch
	}

	batch.HasData = true
	batch.Factors = append(batch.Factors, posegraph.Factor{
		Type:       posegraph.OdometryFactor,
		Transform:  delta,
		Covariance: deltaCovariance(from.Covariance, newest.Covariance),
		Stamps:     [2]time.Time{from.Stamp, newest.Stamp},
	})

	h.keyframeStamp = newest.Stamp
	h.keyframePose = newest.Pose
	h.trimLocked()
	return batch
}

// trimLocked drops the samples older than the newest one stamped before the
// keyframe reference; they can no longer bracket a request.
func (h *OdometryHandler) trimLocked() {
	cut := 0
	for cut < len(h.buffer)-1 && h.buffer[cut+1].Stamp.Before(h.keyframeStamp) {
		cut++
	}
	if cut > 0 {
		h.buffer = append([]PoseStamped(nil), h.buffer[cut:]...)
	}
}

// deltaCovariance estimates the relative covariance between two absolute
// sample covariances, floored to keep it positive definite.
func deltaCovariance(from, to *mat.SymDense) *mat.SymDense {
	const floor = 1e-8
	if from == nil || to == nil {
		return posegraph.IsoCovariance(1e-4, 1e-4)
	}
	out := mat.NewSymDense(6, nil)
	degenerate := false
	for i := 0; i < 6; i++ {
		for j := i; j < 6; j++ {
			out.SetSym(i, j, to.At(i, j)-from.At(i, j))
		}
		if out.At(i, i) < floor {
			degenerate = true
		}
	}
	if degenerate {
		// the absolute covariances did not grow; use the newest one directly
		for i := 0; i < 6; i++ {
			for j := i; j < 6; j++ {
				out.SetSym(i, j, to.At(i, j))
			}
		}
	}
	for i := 0; i < 6; i++ {
		if out.At(i, i) < floor {
			out.SetSym(i, i, floor)
		}
	}
	return out
}

// Package loopclosure implements scan-to-scan loop-closure detection:
// keyframe admission tracking, proximity candidate search over the current
// pose estimates, ICP registration with sanity checks, and batch re-closure
// over the whole trajectory.
package loopclosure

import (
	"context"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/AngelRodriguez8008/NeBuLa-LAMP/pointcloud"
	"github.com/AngelRodriguez8008/NeBuLa-LAMP/posegraph"
	"github.com/AngelRodriguez8008/NeBuLa-LAMP/rpgo"
	"github.com/AngelRodriguez8008/NeBuLa-LAMP/spatialmath"
)

// Config are the loop-closure parameters.
type Config struct {
	// TranslationThresholdKF is the accumulated translation in meters that
	// admits a new keyframe.
	TranslationThresholdKF float64 `json:"translation_threshold_kf"`
	// ProximityThreshold is the maximum distance between pose estimates for
	// a candidate pair, in meters.
	ProximityThreshold float64 `json:"proximity_threshold"`
	// SkipRecentPoses excludes candidates within this index gap of the
	// query.
	SkipRecentPoses int `json:"skip_recent_poses"`
	// PosesBeforeReclosing throttles consecutive closures on a trajectory.
	PosesBeforeReclosing int `json:"poses_before_reclosing"`
	// MaxTolerableFitness rejects registrations above this mean squared
	// correspondence distance.
	MaxTolerableFitness float64 `json:"max_tolerable_fitness"`
	// TranslationalSanityCheck rejects closures whose translation differs
	// from the odometry-based guess by more than this, in meters.
	TranslationalSanityCheck float64 `json:"translational_sanity_check_lc"`
	// CostSanityMargin rejects closures that would raise the graph cost by
	// more than this fraction of the pre-closure cost.
	CostSanityMargin float64 `json:"cost_sanity_margin"`

	ICP pointcloud.ICPConfig `json:"icp"`
}

// DefaultConfig mirrors the field defaults.
func DefaultConfig() Config {
	return Config{
		TranslationThresholdKF:   1.0,
		ProximityThreshold:       10.0,
		SkipRecentPoses:          10,
		PosesBeforeReclosing:     2,
		MaxTolerableFitness:      0.5,
		TranslationalSanityCheck: 5.0,
		CostSanityMargin:         10.0,
		ICP:                      pointcloud.DefaultICPConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate(path string) error {
	if c.TranslationThresholdKF <= 0 {
		return errors.Errorf("%s.translation_threshold_kf: must be positive", path)
	}
	if c.ProximityThreshold <= 0 {
		return errors.Errorf("%s.proximity_threshold: must be positive", path)
	}
	if c.SkipRecentPoses < 0 || c.PosesBeforeReclosing < 0 {
		return errors.Errorf("%s: pose gaps cannot be negative", path)
	}
	if c.MaxTolerableFitness <= 0 {
		return errors.Errorf("%s.max_tolerable_fitness: must be positive", path)
	}
	if c.ICP.MaxIterations <= 0 {
		return errors.Errorf("%s.icp.max_iterations: must be positive", path)
	}
	return nil
}

// KeyframeState tracks a keyframe through the closure pipeline.
type KeyframeState int

const (
	// KeyframePending has a key but closures were not yet evaluated.
	KeyframePending KeyframeState = iota
	// KeyframeAdmitted has its scan stored.
	KeyframeAdmitted
	// KeyframeCommitted has had its closure candidates evaluated.
	KeyframeCommitted
)

// Engine finds loop closures over the shared graph's keyed scans.
type Engine struct {
	logger golog.Logger
	graph  *posegraph.Graph
	cfg    Config

	states      map[posegraph.Key]KeyframeState
	lastClosure map[byte]uint64
}

// NewEngine returns an engine reading scans and estimates from the graph.
func NewEngine(graph *posegraph.Graph, cfg Config, logger golog.Logger) (*Engine, error) {
	if err := cfg.Validate("loopclosure"); err != nil {
		return nil, err
	}
	return &Engine{
		logger:      logger,
		graph:       graph,
		cfg:         cfg,
		states:      map[posegraph.Key]KeyframeState{},
		lastClosure: map[byte]uint64{},
	}, nil
}

// KeyframeDue reports whether the accumulated translation since the last
// admitted keyframe warrants a new one.
func (e *Engine) KeyframeDue(accumulatedTranslation float64) bool {
	return accumulatedTranslation >= e.cfg.TranslationThresholdKF
}

// MarkPending records a fresh key before its scan arrives.
func (e *Engine) MarkPending(key posegraph.Key) {
	if _, ok := e.states[key]; !ok {
		e.states[key] = KeyframePending
	}
}

// MarkAdmitted records that the keyframe's scan is stored.
func (e *Engine) MarkAdmitted(key posegraph.Key) {
	e.states[key] = KeyframeAdmitted
}

// State returns the keyframe's pipeline state.
func (e *Engine) State(key posegraph.Key) KeyframeState {
	return e.states[key]
}

// FindLoopClosures evaluates the query keyframe against all proximate
// candidates and returns the accepted loop factors. The keyframe moves to
// Committed regardless of how many closures were found.
func (e *Engine) FindLoopClosures(ctx context.Context, query posegraph.Key) ([]posegraph.Factor, error) {
	defer func() { e.states[query] = KeyframeCommitted }()

	queryScan, ok := e.graph.Scan(query)
	if !ok {
		return nil, nil
	}
	queryPose, ok := e.graph.GetPose(query)
	if !ok {
		return nil, nil
	}

	if last, ok := e.lastClosure[query.Prefix()]; ok {
		if gap := indexGap(query.Index(), last); gap < uint64(e.cfg.PosesBeforeReclosing) {
			return nil, nil
		}
	}

	queryKD := pointcloud.ToKDTree(queryScan)
	var out []posegraph.Factor
	for _, cand := range e.graph.ScanKeys() {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if !e.isCandidate(query, queryPose, cand) {
			continue
		}
		factor, ok := e.registerPair(query, cand, queryKD)
		if !ok {
			continue
		}
		out = append(out, factor)
		e.lastClosure[query.Prefix()] = query.Index()
	}
	return out, nil
}

func indexGap(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

func (e *Engine) isCandidate(query posegraph.Key, queryPose spatialmath.Pose, cand posegraph.Key) bool {
	if cand == query {
		return false
	}
	if cand.Prefix() == query.Prefix() &&
		indexGap(query.Index(), cand.Index()) < uint64(e.cfg.SkipRecentPoses) {
		return false
	}
	candPose, ok := e.graph.GetPose(cand)
	if !ok {
		return false
	}
	return spatialmath.TranslationBetween(queryPose, candPose) <= e.cfg.ProximityThreshold
}

// registerPair runs ICP between the query and candidate scans and applies
// the fitness, translational, and cost sanity checks.
func (e *Engine) registerPair(query, cand posegraph.Key, queryKD *pointcloud.KDTree) (posegraph.Factor, bool) {
	candScan, ok := e.graph.Scan(cand)
	if !ok {
		return posegraph.Factor{}, false
	}
	queryPose, _ := e.graph.GetPose(query)
	candPose, _ := e.graph.GetPose(cand)
	guess := spatialmath.Between(queryPose, candPose)

	delta, info, err := pointcloud.RegisterICP(candScan, queryKD, guess, e.cfg.ICP)
	if err != nil {
		e.logger.Debugw("registration failed", "query", query.String(), "candidate", cand.String(), "error", err)
		return posegraph.Factor{}, false
	}
	if info.Fitness > e.cfg.MaxTolerableFitness {
		e.logger.Debugw("registration fitness too poor",
			"query", query.String(), "candidate", cand.String(), "fitness", info.Fitness)
		return posegraph.Factor{}, false
	}
	if spatialmath.TranslationBetween(delta, guess) > e.cfg.TranslationalSanityCheck {
		e.logger.Warnw("closure fails translational sanity check",
			"query", query.String(), "candidate", cand.String())
		return posegraph.Factor{}, false
	}

	factor := posegraph.Factor{
		Type:       posegraph.LoopFactor,
		KeyFrom:    query,
		KeyTo:      cand,
		Transform:  delta,
		Covariance: info.Covariance,
	}
	if !e.passesCostCheck(factor) {
		e.logger.Warnw("closure fails cost sanity check",
			"query", query.String(), "candidate", cand.String())
		return posegraph.Factor{}, false
	}
	e.logger.Infow("loop closure found",
		"query", query.String(), "candidate", cand.String(), "fitness", info.Fitness)
	return factor, true
}

// passesCostCheck compares the graph cost with and without the closure at
// the current estimate.
func (e *Engine) passesCostCheck(factor posegraph.Factor) bool {
	factors := e.graph.Factors()
	vals := rpgo.Values{}
	for _, key := range e.graph.Keys() {
		pose, _ := e.graph.GetPose(key)
		vals[key] = pose
	}
	before := rpgo.GraphCost(factors, vals)
	after := rpgo.GraphCost(append(factors, factor), vals)
	return after-before <= e.cfg.CostSanityMargin*maxf(before, 1)
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// BatchLoopClosure re-evaluates every proximate pair on the current
// optimized estimate and returns the accepted loop factors. Used after a
// large correction.
func (e *Engine) BatchLoopClosure(ctx context.Context) ([]posegraph.Factor, error) {
	keys := e.graph.ScanKeys()
	var out []posegraph.Factor
	for i, query := range keys {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		queryScan, ok := e.graph.Scan(query)
		if !ok {
			continue
		}
		queryPose, ok := e.graph.GetPose(query)
		if !ok {
			continue
		}
		queryKD := pointcloud.ToKDTree(queryScan)
		for _, cand := range keys[i+1:] {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			if !e.isCandidate(query, queryPose, cand) {
				continue
			}
			factor, ok := e.registerPair(query, cand, queryKD)
			if !ok {
				continue
			}
			out = append(out, factor)
		}
	}
	e.logger.Infow("batch loop closure done", "closures", len(out))
	return out, nil
}

package rpgo

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/AngelRodriguez8008/NeBuLa-LAMP/posegraph"
)

// RobustSolver owns the optimization of a working pose graph. New factors
// pass through the configured outlier filter before entering the graph; the
// graph's values are then re-estimated by the configured NLLS method,
// optionally wrapped in GNC with the odometry declared known inliers.
//
// The solver holds a snapshot of the pre-update values for the duration of
// each call; a numeric failure reverts the graph to it.
type RobustSolver struct {
	logger golog.Logger
	params Params
	graph  *posegraph.Graph

	filter *pcm
	// forced loops bypassed the filter; they stay in the graph regardless of
	// the active clique
	forced []posegraph.Factor

	gncWeights []float64
}

// NewRobustSolver wraps the given working graph. It fails on an unsupported
// parameter set.
func NewRobustSolver(graph *posegraph.Graph, params Params, logger golog.Logger) (*RobustSolver, error) {
	if err := params.Validate("rpgo"); err != nil {
		return nil, err
	}
	s := &RobustSolver{logger: logger, params: params, graph: graph}
	if params.Rejection != RejectionNone {
		s.filter = newPCM(params, logger)
	}
	if params.UseGNC {
		logger.Info("running GNC")
	}
	return s, nil
}

// Graph returns the working graph.
func (s *RobustSolver) Graph() *posegraph.Graph {
	return s.graph
}

// GNCWeights returns the per-factor weights of the last GNC run, parallel to
// the factor order the run saw.
func (s *RobustSolver) GNCWeights() []float64 {
	return s.gncWeights
}

// Update stages new nodes and factors, runs outlier rejection, and, if the
// active factor set changed and optimizeGraph is set, re-optimizes. It
// returns false when there was nothing to do.
func (s *RobustSolver) Update(factors []posegraph.Factor, nodes []posegraph.Node, optimizeGraph bool) (bool, error) {
	start := time.Now()
	changed := s.stage(factors, nodes, false)
	if !changed {
		return false, nil
	}
	if optimizeGraph {
		if err := s.optimize(); err != nil {
			return true, err
		}
	}
	s.logStatus(time.Since(start))
	return true, nil
}

// ForceUpdate stages the inputs bypassing outlier rejection and always
// optimizes. Used for initialization and manual closures the operator
// trusts.
func (s *RobustSolver) ForceUpdate(factors []posegraph.Factor, nodes []posegraph.Node) error {
	start := time.Now()
	s.stage(factors, nodes, true)
	if err := s.optimize(); err != nil {
		return err
	}
	s.logStatus(time.Since(start))
	return nil
}

// stage validates and tracks the inputs. Invalid records are dropped with a
// warning and no graph change. Returns whether the active set changed.
func (s *RobustSolver) stage(factors []posegraph.Factor, nodes []posegraph.Node, force bool) bool {
	changed := false
	for _, node := range nodes {
		if err := s.graph.TrackNode(node); err != nil {
			s.logger.Warnw("dropping node", "key", node.Key.String(), "error", err)
			continue
		}
		changed = true
	}

	loopsDirty := false
	for _, f := range factors {
		if f.Type == posegraph.LoopFactor && !force && s.filter != nil {
			if s.filter.considerLoop(f) {
				loopsDirty = true
			}
			continue
		}
		if err := s.graph.TrackFactor(f); err != nil {
			s.logger.Warnw("dropping factor",
				"edge", f.KeyFrom.String()+"->"+f.KeyTo.String(), "type", f.Type.String(), "error", err)
			continue
		}
		changed = true
		if f.Type == posegraph.LoopFactor && force {
			s.forced = append(s.forced, f)
		}
		if f.Type == posegraph.OdometryFactor && s.filter != nil {
			if err := s.filter.addOdometry(f); err != nil {
				s.logger.Warnw("odometry not added to consistency spine", "error", err)
			}
		}
	}
	if loopsDirty {
		if s.syncLoops() {
			changed = true
		}
	}
	return changed
}

// syncLoops rewrites the graph's filtered loop set to the filter's current
// maximal consistent subset, keeping forced loops. Returns whether the set
// changed.
func (s *RobustSolver) syncLoops() bool {
	if s.filter == nil {
		return false
	}
	active := s.filter.activeLoops()
	existing := s.graph.RemoveFactors(func(f posegraph.Factor) bool {
		return f.Type == posegraph.LoopFactor
	})
	for _, f := range active {
		if err := s.graph.TrackFactor(f); err != nil {
			s.logger.Errorw("re-tracking accepted loop", "error", err)
		}
	}
	for _, f := range s.forced {
		if err := s.graph.TrackFactor(f); err != nil {
			s.logger.Errorw("re-tracking forced loop", "error", err)
		}
	}
	current := append(append([]posegraph.Factor(nil), active...), s.forced...)
	if len(existing) != len(current) {
		return true
	}
	for i := range existing {
		if !existing[i].SameEdge(current[i]) || existing[i].Transform != current[i].Transform {
			return true
		}
	}
	return false
}

// optimize re-estimates the graph values, reverting to the pre-call snapshot
// after a persistent numeric failure. A failed run is retried once with a
// larger damping seed; only the plain Levenberg–Marquardt path takes that
// seed, so a Gauss–Newton or GNC retry repeats the same run.
func (s *RobustSolver) optimize() error {
	factors := s.graph.Factors()
	if len(factors) == 0 {
		return nil
	}
	snapshot := make(Values)
	for _, key := range s.graph.Keys() {
		pose, _ := s.graph.GetPose(key)
		snapshot[key] = pose
	}

	result, err := s.runOnce(factors, snapshot, 1e-5)
	if err != nil {
		s.logger.Warnw("optimization failed, retrying with damping bumped", "error", err)
		result, err = s.runOnce(factors, snapshot, 1e-2)
	}
	if err != nil {
		if rerr := s.graph.UpdatePoses(snapshot); rerr != nil {
			s.logger.Errorw("reverting values", "error", rerr)
		}
		return errors.Wrap(ErrSolverFailure, err.Error())
	}
	return s.graph.UpdatePoses(result)
}

func (s *RobustSolver) runOnce(factors []posegraph.Factor, init Values, lambdaInit float64) (Values, error) {
	if s.params.UseGNC && s.filter != nil {
		// only the odometry spine and its priors are declared known inliers;
		// loop, artifact, and range measurements all stay subject to
		// down-weighting
		knownInlier := make([]bool, len(factors))
		for i, f := range factors {
			knownInlier[i] = f.Type == posegraph.OdometryFactor || f.Type == posegraph.PriorFactor
		}
		vals, weights, cost, err := optimizeGNC(factors, knownInlier, init, s.params)
		if err != nil {
			return nil, err
		}
		s.gncWeights = weights
		if s.params.Debug {
			s.logger.Debugw("GNC done", "cost", cost)
		}
		return vals, nil
	}
	vals, cost, err := optimizeValues(factors, nil, init, s.params, lambdaInit)
	if err != nil {
		return nil, err
	}
	if s.params.Debug {
		s.logger.Debugw("optimization done", "solver", s.params.Solver.String(), "cost", cost)
	}
	return vals, nil
}

// Optimize re-estimates the graph values without staging new inputs. Used
// after a sequence of stage-only updates.
func (s *RobustSolver) Optimize() error {
	return s.optimize()
}

// Rebuild reconstructs the outlier-filter state from the current graph
// contents, used after reattaching to a loaded graph. Loops already in the
// graph were accepted before the save and are kept as trusted.
func (s *RobustSolver) Rebuild() error {
	s.forced = nil
	if s.filter != nil {
		s.filter = newPCM(s.params, s.logger)
	}
	var odom []posegraph.Factor
	for _, f := range s.graph.Factors() {
		switch f.Type {
		case posegraph.OdometryFactor:
			odom = append(odom, f)
		case posegraph.LoopFactor:
			s.forced = append(s.forced, f)
		}
	}
	if s.filter == nil {
		return nil
	}
	sort.Slice(odom, func(i, j int) bool {
		if odom[i].KeyFrom.Prefix() != odom[j].KeyFrom.Prefix() {
			return odom[i].KeyFrom.Prefix() < odom[j].KeyFrom.Prefix()
		}
		return odom[i].KeyFrom.Index() < odom[j].KeyFrom.Index()
	})
	for _, f := range odom {
		if err := s.filter.addOdometry(f); err != nil {
			return err
		}
	}
	return nil
}

// RemoveLastLoopClosure pops the most recently admitted loop factor,
// optionally restricted to edges between the given prefix pair, and
// re-optimizes. It returns the removed factor, or nil when none matched.
func (s *RobustSolver) RemoveLastLoopClosure(prefixPair *[2]byte) (*posegraph.Factor, error) {
	// the newest loop may be a forced one
	if n := len(s.forced); n > 0 {
		last := s.forced[n-1]
		if prefixPair == nil ||
			bucketKey(last.KeyFrom.Prefix(), last.KeyTo.Prefix()) == bucketKey(prefixPair[0], prefixPair[1]) {
			s.forced = s.forced[:n-1]
			s.graph.RemoveLastFactor(func(f posegraph.Factor) bool {
				return f.Type == posegraph.LoopFactor && f.SameEdge(last)
			})
			return &last, s.optimize()
		}
	}
	if s.filter != nil {
		removed, ok := s.filter.removeLastLoop(prefixPair)
		if !ok {
			return nil, nil
		}
		s.syncLoops()
		return &removed, s.optimize()
	}
	removed, ok := s.graph.RemoveLastFactor(func(f posegraph.Factor) bool {
		if f.Type != posegraph.LoopFactor {
			return false
		}
		return prefixPair == nil ||
			bucketKey(f.KeyFrom.Prefix(), f.KeyTo.Prefix()) == bucketKey(prefixPair[0], prefixPair[1])
	})
	if !ok {
		return nil, nil
	}
	return &removed, s.optimize()
}

// RemovePriorsWithPrefix drops every prior anchoring the prefix, used when
// reattaching to a loaded graph. Values do not change until the next
// optimize.
func (s *RobustSolver) RemovePriorsWithPrefix(prefix byte, optimizeGraph bool) error {
	removed := s.graph.RemoveFactors(func(f posegraph.Factor) bool {
		return f.Type == posegraph.PriorFactor && f.KeyFrom.Prefix() == prefix
	})
	if len(removed) == 0 {
		s.logger.Warnw("no priors with prefix", "prefix", string(prefix))
		return nil
	}
	if optimizeGraph {
		return s.optimize()
	}
	return nil
}

// IgnorePrefix stashes every loop factor touching the prefix without
// destroying it, updates the consistency state, and re-optimizes.
func (s *RobustSolver) IgnorePrefix(prefix byte) error {
	if s.filter == nil {
		s.logger.Warn("ignorePrefix requires outlier rejection")
		return nil
	}
	s.filter.ignorePrefix(prefix)
	s.syncLoops()
	return s.optimize()
}

// RevivePrefix replays the stashed loops back through the consistency tests
// and re-optimizes.
func (s *RobustSolver) RevivePrefix(prefix byte) error {
	if s.filter == nil {
		s.logger.Warn("revivePrefix requires outlier rejection")
		return nil
	}
	s.filter.revivePrefix(prefix)
	s.syncLoops()
	return s.optimize()
}

// IgnoredPrefixes lists the currently ignored prefixes.
func (s *RobustSolver) IgnoredPrefixes() []byte {
	if s.filter == nil {
		return nil
	}
	return s.filter.ignoredPrefixes()
}

// SaveData writes the optimized graph in g2o form under folder.
func (s *RobustSolver) SaveData(folder string) error {
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return err
	}
	path := filepath.Join(folder, "result.g2o")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := s.graph.WriteG2O(f); err != nil {
		f.Close() //nolint:errcheck,gosec
		return err
	}
	return f.Close()
}

// logStatus appends graph size and spin time to rpgo_status.csv when status
// logging is enabled.
func (s *RobustSolver) logStatus(spin time.Duration) {
	if !s.params.LogOutput {
		return
	}
	path := filepath.Join(s.params.LogFolder, "rpgo_status.csv")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.Debugw("status log unavailable", "error", err)
		return
	}
	defer f.Close() //nolint:errcheck
	fmt.Fprintf(f, "%d,%d\n", s.graph.NumFactors(), spin.Microseconds())
}

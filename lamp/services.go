package lamp

import (
	"context"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/AngelRodriguez8008/NeBuLa-LAMP/posegraph"
	"github.com/AngelRodriguez8008/NeBuLa-LAMP/spatialmath"
)

// AddFactor installs an operator-supplied relative-pose factor between two
// existing keys, bypassing outlier rejection, and re-optimizes. It returns
// whether the closure was accepted into the graph.
func (l *Lamp) AddFactor(k1, k2 posegraph.Key, relative spatialmath.Pose, transPrecision, rotPrecision float64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.graph.GetPose(k1); !ok {
		return false, errors.Errorf("unknown key %s", k1)
	}
	if _, ok := l.graph.GetPose(k2); !ok {
		return false, errors.Errorf("unknown key %s", k2)
	}
	if err := l.manual.Add(k1, k2, relative, transPrecision, rotPrecision, l.clock.Now()); err != nil {
		return false, err
	}
	batch := l.manual.Drain()
	if err := l.solver.ForceUpdate(batch.Factors, nil); err != nil {
		return false, err
	}
	l.refreshArtifactPoses()
	return true, nil
}

// RemoveFactor removes the most recent factor between the two keys,
// optionally restricted to a type, and re-optimizes. A miss is a benign
// no-op.
func (l *Lamp) RemoveFactor(k1, k2 posegraph.Key, factorType *posegraph.FactorType) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed, ok := l.graph.RemoveLastFactor(func(f posegraph.Factor) bool {
		if factorType != nil && f.Type != *factorType {
			return false
		}
		same := f.KeyFrom == k1 && f.KeyTo == k2
		reversed := f.KeyFrom == k2 && f.KeyTo == k1
		return same || reversed
	})
	if !ok {
		l.logger.Warnw("remove requested for missing factor", "from", k1.String(), "to", k2.String())
		return false, nil
	}
	l.logger.Infow("factor removed", "from", removed.KeyFrom.String(), "to", removed.KeyTo.String(), "type", removed.Type.String())
	return true, l.solver.Optimize()
}

// RemoveLastLoopClosure pops the most recently admitted loop closure,
// optionally restricted to a prefix pair.
func (l *Lamp) RemoveLastLoopClosure(prefixPair *[2]byte) (*posegraph.Factor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.solver.RemoveLastLoopClosure(prefixPair)
}

// SaveGraph archives the graph and keyed scans to path.
func (l *Lamp) SaveGraph(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.graph.Save(path); err != nil {
		return err
	}
	l.lastSavedPath = path
	l.logger.Infow("graph saved", "path", path)
	return nil
}

// LoadGraph replaces the in-memory state with the archive's contents and
// reattaches the solver to it. It returns the key new keyframes continue
// from.
func (l *Lamp) LoadGraph(path string) (posegraph.Key, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadGraphLocked(path)
}

func (l *Lamp) loadGraphLocked(path string) (posegraph.Key, error) {
	if err := l.graph.Load(path); err != nil {
		return 0, err
	}
	if err := l.solver.Rebuild(); err != nil {
		return 0, err
	}
	lastKey, ok := l.graph.LastKey(l.cfg.robotPrefix())
	if !ok {
		return 0, errors.Errorf("loaded graph has no keys for prefix %q", l.cfg.RobotPrefix)
	}
	if node, ok := l.graph.Node(lastKey); ok {
		l.odom.SetKeyframe(node.Stamp, node.Pose)
	}
	l.lastSavedPath = path
	l.logger.Infow("graph loaded", "path", path, "last_key", lastKey.String())
	return lastKey, nil
}

// RestartFromLastSaved reloads the last saved archive and continues the
// trajectory with the provided delta from the last saved pose.
func (l *Lamp) RestartFromLastSaved(delta spatialmath.Pose, deltaCov *mat.SymDense) (posegraph.Key, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lastSavedPath == "" {
		return 0, errors.New("no saved graph to restart from")
	}
	lastKey, err := l.loadGraphLocked(l.lastSavedPath)
	if err != nil {
		return 0, err
	}

	lastPose, _ := l.graph.GetPose(lastKey)
	lastNode, _ := l.graph.Node(lastKey)
	newKey := lastKey.Next()
	factor := posegraph.Factor{
		Type:       posegraph.OdometryFactor,
		KeyFrom:    lastKey,
		KeyTo:      newKey,
		Transform:  delta,
		Covariance: posegraph.IsoCovariance(l.cfg.PriorRotSigma*l.cfg.PriorRotSigma, l.cfg.PriorTransSigma*l.cfg.PriorTransSigma),
	}
	if deltaCov != nil {
		factor.Covariance = deltaCov
	}
	node := posegraph.Node{
		Key:   newKey,
		Stamp: lastNode.Stamp.Add(l.cfg.EstimatePeriod),
		Pose:  spatialmath.Compose(lastPose, delta),
	}
	if err := l.solver.ForceUpdate([]posegraph.Factor{factor}, []posegraph.Node{node}); err != nil {
		return 0, err
	}
	l.odom.SetKeyframe(node.Stamp, node.Pose)
	l.engine.MarkPending(newKey)
	return newKey, nil
}

// BatchLoopClosure re-evaluates all closures on the current estimate and
// re-optimizes with the accepted set.
func (l *Lamp) BatchLoopClosure(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	factors, err := l.engine.BatchLoopClosure(ctx)
	if err != nil {
		return 0, err
	}
	if len(factors) == 0 {
		return 0, nil
	}
	changed, err := l.solver.Update(factors, nil, true)
	if err != nil {
		return 0, err
	}
	if changed {
		l.refreshArtifactPoses()
	}
	return len(factors), nil
}

// DropUWB finalizes a UWB anchor at the current robot pose.
func (l *Lamp) DropUWB(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pose, _, ok := l.graph.LastPose(l.cfg.robotPrefix())
	if !ok {
		return errors.New("no robot pose to drop anchor at")
	}
	if err := l.uwb.Drop(id, pose); err != nil {
		return err
	}
	dirty := false
	l.stageUWB(&dirty)
	if !dirty {
		return nil
	}
	return l.solver.Optimize()
}

// IgnoreRobot stashes every loop closure touching the prefix; ReviveRobot
// brings them back through the consistency tests.
func (l *Lamp) IgnoreRobot(prefix byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.solver.IgnorePrefix(prefix)
}

// ReviveRobot replays stashed loop closures for the prefix.
func (l *Lamp) ReviveRobot(prefix byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.solver.RevivePrefix(prefix)
}

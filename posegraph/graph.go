package posegraph

import (
	"sort"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/AngelRodriguez8008/NeBuLa-LAMP/pointcloud"
	"github.com/AngelRodriguez8008/NeBuLa-LAMP/spatialmath"
)

type stampEntry struct {
	stamp time.Time
	key   Key
}

// Graph is the in-memory pose graph: nodes, factors, keyed scans, the
// timestamp↔key index, and the incremental diff since the last publication.
//
// The graph enforces the structural invariants on every mutation: factor
// endpoints must exist, the odometry subgraph per robot prefix is a simple
// path with strictly increasing indices and monotonic stamps, at most one
// prior exists per trajectory, and prior/odom/between edges never duplicate a
// (from, to, type) triple.
//
// All methods are safe for concurrent use under a readers–writer lock;
// higher-level multi-step sequences (drain → optimize → write back) are
// serialized by the owner.
type Graph struct {
	mu     sync.RWMutex
	logger golog.Logger

	fixedFrame string
	nodes      map[Key]*Node
	order      []Key
	factors    []Factor
	stamps     map[byte][]stampEntry
	scans      map[Key]pointcloud.PointCloud

	initialized bool
	initialKey  Key

	valuesNew []Key
	edgesNew  []int
}

// NewGraph returns an empty graph publishing poses in the given fixed frame.
func NewGraph(fixedFrame string, logger golog.Logger) *Graph {
	return &Graph{
		logger:     logger,
		fixedFrame: fixedFrame,
		nodes:      map[Key]*Node{},
		stamps:     map[byte][]stampEntry{},
		scans:      map[Key]pointcloud.PointCloud{},
	}
}

// FixedFrame returns the frame id poses are expressed in.
func (g *Graph) FixedFrame() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.fixedFrame
}

// Initialize installs the prior factor and seed value for a new trajectory.
// It fails if the graph was already initialized.
func (g *Graph) Initialize(initialKey Key, priorPose spatialmath.Pose, priorCov *mat.SymDense) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.initialized {
		return ErrAlreadyInitialized
	}
	node := Node{
		Key:          initialKey,
		Stamp:        time.Time{},
		FixedFrameID: g.fixedFrame,
		Pose:         priorPose,
		Covariance:   priorCov,
	}
	if err := g.trackNodeLocked(node); err != nil {
		return err
	}
	prior := Factor{
		Type:       PriorFactor,
		KeyFrom:    initialKey,
		KeyTo:      initialKey,
		Transform:  priorPose,
		Covariance: priorCov,
	}
	if err := g.trackFactorLocked(prior); err != nil {
		return err
	}
	g.initialized = true
	g.initialKey = initialKey
	return nil
}

// Initialized reports whether a prior has been installed.
func (g *Graph) Initialized() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.initialized
}

// InitialKey returns the key the trajectory was seeded at.
func (g *Graph) InitialKey() Key {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.initialKey
}

// TrackNode appends a node. Nodes are append-only in identity; re-tracking an
// existing key is an error.
func (g *Graph) TrackNode(node Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.trackNodeLocked(node)
}

func (g *Graph) trackNodeLocked(node Node) error {
	if _, ok := g.nodes[node.Key]; ok {
		return errors.Errorf("node %s already tracked", node.Key)
	}
	if node.FixedFrameID == "" {
		node.FixedFrameID = g.fixedFrame
	}
	if !node.Stamp.IsZero() {
		prefix := node.Key.Prefix()
		entries := g.stamps[prefix]
		if n := len(entries); n > 0 && node.Stamp.Before(entries[n-1].stamp) {
			return errors.Errorf("node %s stamp regresses within prefix %q", node.Key, prefix)
		}
		g.stamps[prefix] = append(entries, stampEntry{node.Stamp, node.Key})
	}
	stored := node
	g.nodes[node.Key] = &stored
	g.order = append(g.order, node.Key)
	g.valuesNew = append(g.valuesNew, node.Key)
	return nil
}

// TrackFactor appends a factor after validating the graph invariants.
func (g *Graph) TrackFactor(f Factor) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.trackFactorLocked(f)
}

func (g *Graph) trackFactorLocked(f Factor) error {
	if f.HasNaN() {
		return errors.Errorf("factor %s->%s (%s) has non-finite values", f.KeyFrom, f.KeyTo, f.Type)
	}
	if _, ok := g.nodes[f.KeyFrom]; !ok {
		return errors.Wrapf(ErrUnknownKey, "%s", f.KeyFrom)
	}
	if _, ok := g.nodes[f.KeyTo]; !ok {
		return errors.Wrapf(ErrUnknownKey, "%s", f.KeyTo)
	}

	switch f.Type {
	case PriorFactor:
		// a robot trajectory gets exactly one prior; landmark keys (anchor
		// drops) get at most one prior each
		for _, other := range g.factors {
			if other.Type != PriorFactor {
				continue
			}
			samePrefix := other.KeyFrom.Prefix() == f.KeyFrom.Prefix()
			if samePrefix && g.initialized && f.KeyFrom.Prefix() == g.initialKey.Prefix() {
				return errors.Wrapf(ErrDuplicateFactor, "prior already exists for trajectory %q", f.KeyFrom.Prefix())
			}
			if other.KeyFrom == f.KeyFrom {
				return errors.Wrapf(ErrDuplicateFactor, "prior already exists for key %s", f.KeyFrom)
			}
		}
	case OdometryFactor:
		if f.KeyFrom.Prefix() != f.KeyTo.Prefix() {
			return errors.Wrapf(ErrChainBroken, "odometry across prefixes %s->%s", f.KeyFrom, f.KeyTo)
		}
		if f.KeyTo != f.KeyFrom.Next() {
			return errors.Wrapf(ErrChainBroken, "odometry %s->%s is not consecutive", f.KeyFrom, f.KeyTo)
		}
		from, to := g.nodes[f.KeyFrom], g.nodes[f.KeyTo]
		if !from.Stamp.IsZero() && !to.Stamp.IsZero() && to.Stamp.Before(from.Stamp) {
			return errors.Wrapf(ErrChainBroken, "odometry %s->%s goes back in time", f.KeyFrom, f.KeyTo)
		}
		if g.duplicateEdgeLocked(f) {
			return errors.Wrapf(ErrDuplicateFactor, "%s->%s (%s)", f.KeyFrom, f.KeyTo, f.Type)
		}
	case BetweenFactor:
		if g.duplicateEdgeLocked(f) {
			return errors.Wrapf(ErrDuplicateFactor, "%s->%s (%s)", f.KeyFrom, f.KeyTo, f.Type)
		}
	case LoopFactor, ArtifactFactor:
		// duplicate loop edges are allowed; the outlier filter prunes them
	case UWBRangeFactor:
		if f.RangeSigma <= 0 {
			return errors.Errorf("range factor %s->%s without a positive sigma", f.KeyFrom, f.KeyTo)
		}
	default:
		return errors.Errorf("unknown factor type %d", f.Type)
	}

	g.factors = append(g.factors, f)
	g.edgesNew = append(g.edgesNew, len(g.factors)-1)
	return nil
}

func (g *Graph) duplicateEdgeLocked(f Factor) bool {
	for _, other := range g.factors {
		if other.SameEdge(f) {
			return true
		}
	}
	return false
}

// GetPose returns the current estimate at key.
func (g *Graph) GetPose(key Key) (spatialmath.Pose, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, ok := g.nodes[key]
	if !ok {
		return spatialmath.NewZeroPose(), false
	}
	return node.Pose, true
}

// Node returns a copy of the node at key.
func (g *Graph) Node(key Key) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, ok := g.nodes[key]
	if !ok {
		return Node{}, false
	}
	return *node, true
}

// LastKey returns the highest-index key for the prefix.
func (g *Graph) LastKey(prefix byte) (Key, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var best Key
	found := false
	for key := range g.nodes {
		if key.Prefix() != prefix {
			continue
		}
		if !found || key.Index() > best.Index() {
			best = key
			found = true
		}
	}
	return best, found
}

// LastPose returns the estimate at the highest-index key for the prefix.
func (g *Graph) LastPose(prefix byte) (spatialmath.Pose, Key, bool) {
	key, ok := g.LastKey(prefix)
	if !ok {
		return spatialmath.NewZeroPose(), 0, false
	}
	pose, _ := g.GetPose(key)
	return pose, key, true
}

// KeyAtTime returns the latest key of the prefix stamped at or before t.
func (g *Graph) KeyAtTime(prefix byte, t time.Time) (Key, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	entries := g.stamps[prefix]
	i := sort.Search(len(entries), func(i int) bool { return entries[i].stamp.After(t) })
	if i == 0 {
		return 0, errors.Wrapf(ErrNotFound, "no key at or before %v for prefix %q", t, prefix)
	}
	return entries[i-1].key, nil
}

// ClosestKeyAtTime returns the key of the prefix stamped nearest to t. It
// fails with ErrNotFound if no key lies within threshold.
func (g *Graph) ClosestKeyAtTime(prefix byte, t time.Time, threshold time.Duration) (Key, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	entries := g.stamps[prefix]
	if len(entries) == 0 {
		return 0, errors.Wrapf(ErrNotFound, "no stamped keys for prefix %q", prefix)
	}
	i := sort.Search(len(entries), func(i int) bool { return !entries[i].stamp.Before(t) })
	best := -1
	bestGap := time.Duration(0)
	for _, cand := range []int{i - 1, i} {
		if cand < 0 || cand >= len(entries) {
			continue
		}
		gap := entries[cand].stamp.Sub(t)
		if gap < 0 {
			gap = -gap
		}
		if best < 0 || gap < bestGap {
			best, bestGap = cand, gap
		}
	}
	if best < 0 || bestGap > threshold {
		return 0, errors.Wrapf(ErrNotFound, "no key within %v of %v for prefix %q", threshold, t, prefix)
	}
	return entries[best].key, nil
}

// UpdatePose replaces the estimate at key, typically with an optimizer
// result.
func (g *Graph) UpdatePose(key Key, pose spatialmath.Pose) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	node, ok := g.nodes[key]
	if !ok {
		return errors.Wrapf(ErrUnknownKey, "%s", key)
	}
	node.Pose = pose
	return nil
}

// UpdatePoses replaces the estimates for every key in values.
func (g *Graph) UpdatePoses(values map[Key]spatialmath.Pose) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, pose := range values {
		node, ok := g.nodes[key]
		if !ok {
			return errors.Wrapf(ErrUnknownKey, "%s", key)
		}
		node.Pose = pose
	}
	return nil
}

// Keys returns every key in insertion order.
func (g *Graph) Keys() []Key {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Key, len(g.order))
	copy(out, g.order)
	return out
}

// KeysWithPrefix returns the prefix's keys sorted by index.
func (g *Graph) KeysWithPrefix(prefix byte) []Key {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Key
	for _, key := range g.order {
		if key.Prefix() == prefix {
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index() < out[j].Index() })
	return out
}

// Factors returns a copy of the factor list.
func (g *Graph) Factors() []Factor {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Factor, len(g.factors))
	copy(out, g.factors)
	return out
}

// NumFactors returns the factor count.
func (g *Graph) NumFactors() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.factors)
}

// NumNodes returns the node count.
func (g *Graph) NumNodes() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// RemoveLastFactor removes and returns the most recently tracked factor
// matching the predicate. Removal is authorized only through the solver API.
func (g *Graph) RemoveLastFactor(match func(Factor) bool) (Factor, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := len(g.factors) - 1; i >= 0; i-- {
		if !match(g.factors[i]) {
			continue
		}
		removed := g.factors[i]
		g.factors = append(g.factors[:i], g.factors[i+1:]...)
		g.rebuildEdgesNewLocked(i)
		return removed, true
	}
	return Factor{}, false
}

// RemoveFactors removes every factor matching the predicate and returns the
// removed set in original order.
func (g *Graph) RemoveFactors(match func(Factor) bool) []Factor {
	g.mu.Lock()
	defer g.mu.Unlock()
	var removed []Factor
	kept := g.factors[:0]
	keptIdx := make([]int, 0, len(g.factors))
	for i, f := range g.factors {
		if match(f) {
			removed = append(removed, f)
			continue
		}
		kept = append(kept, f)
		keptIdx = append(keptIdx, i)
	}
	g.factors = kept
	// remap the incremental indices onto the compacted slice
	pos := map[int]int{}
	for newIdx, oldIdx := range keptIdx {
		pos[oldIdx] = newIdx
	}
	remapped := g.edgesNew[:0]
	for _, oldIdx := range g.edgesNew {
		if newIdx, ok := pos[oldIdx]; ok {
			remapped = append(remapped, newIdx)
		}
	}
	g.edgesNew = remapped
	return removed
}

func (g *Graph) rebuildEdgesNewLocked(removedIdx int) {
	remapped := g.edgesNew[:0]
	for _, idx := range g.edgesNew {
		switch {
		case idx == removedIdx:
		case idx > removedIdx:
			remapped = append(remapped, idx-1)
		default:
			remapped = append(remapped, idx)
		}
	}
	g.edgesNew = remapped
}

// AttachScan stores the keyed scan for an admitted keyframe.
func (g *Graph) AttachScan(key Key, scan pointcloud.PointCloud) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[key]; !ok {
		return errors.Wrapf(ErrUnknownKey, "%s", key)
	}
	g.scans[key] = scan
	return nil
}

// Scan returns the keyed scan at key, shared read-only with the loop-closure
// engine.
func (g *Graph) Scan(key Key) (pointcloud.PointCloud, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	scan, ok := g.scans[key]
	return scan, ok
}

// ScanKeys returns the keys that have scans, sorted.
func (g *Graph) ScanKeys() []Key {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Key, 0, len(g.scans))
	for key := range g.scans {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Package lamp wires the factor handlers, the loop-closure engine, and the
// robust solver around a shared pose graph, and drives them with estimate
// and publish timers. It is the single writer of the graph; multi-step
// sequences (drain → closures → optimize) run under its lock.
package lamp

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/AngelRodriguez8008/NeBuLa-LAMP/handlers"
	"github.com/AngelRodriguez8008/NeBuLa-LAMP/loopclosure"
	"github.com/AngelRodriguez8008/NeBuLa-LAMP/pointcloud"
	"github.com/AngelRodriguez8008/NeBuLa-LAMP/posegraph"
	"github.com/AngelRodriguez8008/NeBuLa-LAMP/rpgo"
	"github.com/AngelRodriguez8008/NeBuLa-LAMP/spatialmath"
)

type stampedScan struct {
	stamp time.Time
	cloud pointcloud.PointCloud
}

// Lamp is the SLAM back end.
type Lamp struct {
	mu     sync.Mutex
	logger golog.Logger
	cfg    Config
	clock  clock.Clock

	graph  *posegraph.Graph
	solver *rpgo.RobustSolver
	engine *loopclosure.Engine

	odom      *handlers.OdometryHandler
	artifacts *handlers.ArtifactHandler
	uwb       *handlers.UWBHandler
	manual    *handlers.ManualHandler

	scanBuffer []stampedScan

	subMu       sync.Mutex
	subscribers []chan *posegraph.Msg

	lastSavedPath string

	cancel                  context.CancelFunc
	activeBackgroundWorkers sync.WaitGroup
}

// New builds the back end and seeds the graph with the initial prior at the
// origin of the fixed frame.
func New(cfg Config, logger golog.Logger) (*Lamp, error) {
	return NewWithClock(cfg, clock.New(), logger)
}

// NewWithClock is New with an injectable clock for tests.
func NewWithClock(cfg Config, clk clock.Clock, logger golog.Logger) (*Lamp, error) {
	if err := cfg.Validate("lamp"); err != nil {
		return nil, err
	}

	graph := posegraph.NewGraph(cfg.FixedFrame, logger)
	initialKey := posegraph.NewKey(cfg.robotPrefix(), 0)
	priorCov := posegraph.IsoCovariance(cfg.PriorRotSigma*cfg.PriorRotSigma, cfg.PriorTransSigma*cfg.PriorTransSigma)
	if err := graph.Initialize(initialKey, spatialmath.NewZeroPose(), priorCov); err != nil {
		return nil, err
	}

	solver, err := rpgo.NewRobustSolver(graph, cfg.Solver, logger)
	if err != nil {
		return nil, err
	}
	engine, err := loopclosure.NewEngine(graph, cfg.LoopClosure, logger)
	if err != nil {
		return nil, err
	}

	l := &Lamp{
		logger:    logger,
		cfg:       cfg,
		clock:     clk,
		graph:     graph,
		solver:    solver,
		engine:    engine,
		odom:      handlers.NewOdometryHandler(cfg.LoopClosure.TranslationThresholdKF, logger),
		artifacts: handlers.NewArtifactHandler(cfg.artifactPrefix(), logger),
		uwb:       handlers.NewUWBHandler(cfg.uwbPrefix(), cfg.UWBRangeMode, logger),
		manual:    handlers.NewManualHandler(logger),
	}
	engine.MarkPending(initialKey)
	return l, nil
}

// Graph returns the shared pose graph.
func (l *Lamp) Graph() *posegraph.Graph {
	return l.graph
}

// Start launches the estimate and publish loops.
func (l *Lamp) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.activeBackgroundWorkers.Add(2)
	goutils.ManagedGo(func() {
		l.timerLoop(ctx, l.cfg.EstimatePeriod, func() {
			if err := l.estimateOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				l.logger.Errorw("estimate tick failed", "error", err)
			}
		})
	}, l.activeBackgroundWorkers.Done)
	goutils.ManagedGo(func() {
		l.timerLoop(ctx, l.cfg.PublishPeriod, l.publishOnce)
	}, l.activeBackgroundWorkers.Done)
}

func (l *Lamp) timerLoop(ctx context.Context, period time.Duration, tick func()) {
	ticker := l.clock.Ticker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

// Close stops the loops and waits for them to drain.
func (l *Lamp) Close() error {
	if l.cancel != nil {
		l.cancel()
	}
	l.activeBackgroundWorkers.Wait()
	l.subMu.Lock()
	for _, ch := range l.subscribers {
		close(ch)
	}
	l.subscribers = nil
	l.subMu.Unlock()
	return nil
}

// AddOdometry ingests one odometry sample.
func (l *Lamp) AddOdometry(msg handlers.PoseStamped) error {
	return l.odom.Ingest(msg)
}

// AddArtifact ingests one artifact detection.
func (l *Lamp) AddArtifact(msg handlers.ArtifactMsg) error {
	return l.artifacts.Ingest(msg)
}

// AddRange ingests one UWB range measurement.
func (l *Lamp) AddRange(msg handlers.RangeMsg) error {
	return l.uwb.Ingest(msg)
}

// AddKeyedScan buffers a stamped scan to be attached to the next admitted
// keyframe.
func (l *Lamp) AddKeyedScan(stamp time.Time, cloud pointcloud.PointCloud) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scanBuffer = append(l.scanBuffer, stampedScan{stamp: stamp, cloud: cloud})
	// bound the buffer; scans older than any future keyframe are useless
	if len(l.scanBuffer) > 64 {
		l.scanBuffer = l.scanBuffer[len(l.scanBuffer)-64:]
	}
}

// Subscribe returns a channel of incremental pose-graph messages. Slow
// subscribers drop messages rather than stall publication.
func (l *Lamp) Subscribe() <-chan *posegraph.Msg {
	ch := make(chan *posegraph.Msg, 8)
	l.subMu.Lock()
	l.subscribers = append(l.subscribers, ch)
	l.subMu.Unlock()
	return ch
}

// estimateOnce drains the handlers, admits keyframes, searches for loop
// closures, and optimizes once if anything changed.
func (l *Lamp) estimateOnce(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	dirty := false
	newKeys := l.stageOdometry(&dirty)
	l.stageArtifacts(&dirty)
	l.stageUWB(&dirty)
	l.stageManual(&dirty)

	for _, key := range newKeys {
		factors, err := l.engine.FindLoopClosures(ctx, key)
		if err != nil {
			return err
		}
		if len(factors) == 0 {
			continue
		}
		changed, err := l.solver.Update(factors, nil, false)
		if err != nil {
			l.logger.Warnw("loop submission failed", "error", err)
			continue
		}
		dirty = dirty || changed
	}

	if !dirty {
		return nil
	}
	if err := l.solver.Optimize(); err != nil {
		// the solver reverted to the last valid estimate; keep running on it
		l.logger.Errorw("optimization failed, keeping prior state", "error", err)
		return nil
	}
	l.refreshArtifactPoses()
	return nil
}

// stageOdometry turns drained odometry deltas into new keyframes.
func (l *Lamp) stageOdometry(dirty *bool) []posegraph.Key {
	batch := l.odom.Drain()
	if !batch.HasData {
		return nil
	}
	var newKeys []posegraph.Key
	for _, f := range batch.Factors {
		lastPose, lastKey, ok := l.graph.LastPose(l.cfg.robotPrefix())
		if !ok {
			l.logger.Errorw("no last pose for robot prefix")
			return newKeys
		}
		key := lastKey.Next()
		f.KeyFrom = lastKey
		f.KeyTo = key
		node := posegraph.Node{
			Key:   key,
			Stamp: f.Stamps[1],
			Pose:  spatialmath.Compose(lastPose, f.Transform),
		}
		changed, err := l.solver.Update([]posegraph.Factor{f}, []posegraph.Node{node}, false)
		if err != nil {
			l.logger.Warnw("odometry staging failed", "error", err)
			continue
		}
		*dirty = *dirty || changed
		l.engine.MarkPending(key)
		if scan, ok := l.takeScanNear(f.Stamps[1]); ok {
			if err := l.graph.AttachScan(key, scan); err != nil {
				l.logger.Warnw("attaching scan", "key", key.String(), "error", err)
			} else {
				l.engine.MarkAdmitted(key)
			}
		}
		newKeys = append(newKeys, key)
	}
	return newKeys
}

// takeScanNear pops the buffered scan closest to the stamp within tolerance.
func (l *Lamp) takeScanNear(stamp time.Time) (pointcloud.PointCloud, bool) {
	bestIdx := -1
	var bestGap time.Duration
	for i, s := range l.scanBuffer {
		gap := s.stamp.Sub(stamp)
		if gap < 0 {
			gap = -gap
		}
		if bestIdx < 0 || gap < bestGap {
			bestIdx, bestGap = i, gap
		}
	}
	if bestIdx < 0 || bestGap > l.cfg.ScanStampTolerance {
		return nil, false
	}
	scan := l.scanBuffer[bestIdx].cloud
	l.scanBuffer = append(l.scanBuffer[:bestIdx], l.scanBuffer[bestIdx+1:]...)
	return scan, true
}

// stageArtifacts resolves each detection to the robot key at its stamp and
// stages the landmark node and factor.
func (l *Lamp) stageArtifacts(dirty *bool) {
	batch := l.artifacts.Drain()
	if !batch.HasData {
		return
	}
	for i, f := range batch.Factors {
		poseKey, err := l.graph.ClosestKeyAtTime(l.cfg.robotPrefix(), f.Stamps[0], l.cfg.ScanStampTolerance)
		if err != nil {
			l.logger.Warnw("artifact has no pose key, dropping", "error", err)
			continue
		}
		f.KeyFrom = poseKey
		robotPose, _ := l.graph.GetPose(poseKey)
		node := batch.NewNodes[i]
		node.Pose = spatialmath.Compose(robotPose, f.Transform)
		changed, err := l.solver.Update([]posegraph.Factor{f}, []posegraph.Node{node}, false)
		if err != nil {
			l.logger.Warnw("artifact staging failed", "error", err)
			continue
		}
		*dirty = *dirty || changed
	}
}

// stageUWB resolves range factors to the robot key nearest each measurement
// stamp; anchor priors carry their own keys.
func (l *Lamp) stageUWB(dirty *bool) {
	batch := l.uwb.Drain()
	if !batch.HasData {
		return
	}
	seeded := map[posegraph.Key]bool{}
	var nodes []posegraph.Node
	for _, n := range batch.NewNodes {
		nodes = append(nodes, n)
		seeded[n.Key] = true
	}
	var factors []posegraph.Factor
	for _, f := range batch.Factors {
		if f.Type == posegraph.UWBRangeFactor {
			poseKey, err := l.graph.ClosestKeyAtTime(l.cfg.robotPrefix(), f.Stamps[0], l.cfg.ScanStampTolerance)
			if err != nil {
				l.logger.Warnw("range has no pose key, dropping", "error", err)
				continue
			}
			f.KeyFrom = poseKey
			// seed unseeded anchors one range-length ahead of the observing
			// pose; seeding exactly on it leaves the range residual with a
			// zero gradient
			if seeded[f.KeyTo] {
				for i := range nodes {
					if nodes[i].Key == f.KeyTo && nodes[i].Pose == spatialmath.NewZeroPose() {
						robotPose, _ := l.graph.GetPose(poseKey)
						seedPose := spatialmath.Compose(robotPose,
							spatialmath.NewPoseFromPoint(r3.Vector{X: f.Range}))
						nodes[i].Pose = seedPose
					}
				}
			}
		}
		factors = append(factors, f)
	}
	changed, err := l.solver.Update(factors, nodes, false)
	if err != nil {
		l.logger.Warnw("uwb staging failed", "error", err)
		return
	}
	*dirty = *dirty || changed
}

// stageManual force-stages operator factors; they bypass outlier rejection.
func (l *Lamp) stageManual(dirty *bool) {
	batch := l.manual.Drain()
	if !batch.HasData {
		return
	}
	if err := l.solver.ForceUpdate(batch.Factors, nil); err != nil {
		l.logger.Warnw("manual factors failed", "error", err)
		return
	}
	*dirty = true
}

// refreshArtifactPoses pushes the optimized landmark estimates back to the
// artifact handler.
func (l *Lamp) refreshArtifactPoses() {
	for _, key := range l.graph.Keys() {
		if key.Prefix() != l.cfg.artifactPrefix() {
			continue
		}
		if pose, ok := l.graph.GetPose(key); ok {
			l.artifacts.UpdateGlobalPose(key, pose)
		}
	}
}

// publishOnce serializes the incremental diff, hands it to subscribers, and
// clears it.
func (l *Lamp) publishOnce() {
	msg := l.graph.ToIncrementalMsg(l.clock.Now())
	if len(msg.Nodes) == 0 && len(msg.Edges) == 0 && len(msg.Priors) == 0 {
		return
	}
	l.graph.ClearIncremental()

	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subscribers {
		select {
		case ch <- msg:
		default:
			l.logger.Debugw("subscriber lagging, dropping message")
		}
	}
}

package posegraph

import (
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/AngelRodriguez8008/NeBuLa-LAMP/spatialmath"
)

// Header stamps a pose-graph message.
type Header struct {
	Stamp      time.Time `json:"stamp"`
	FixedFrame string    `json:"fixed_frame"`
}

// NodeMsg is one pose variable in a published graph.
type NodeMsg struct {
	Key   Key              `json:"key"`
	Stamp time.Time        `json:"stamp"`
	Pose  spatialmath.Pose `json:"pose"`
	ID    string           `json:"id,omitempty"`
}

// EdgeMsg is one non-prior factor in a published graph. Covariance is the
// row-major 6×6, or a single element for range edges.
type EdgeMsg struct {
	KeyFrom    Key              `json:"key_from"`
	KeyTo      Key              `json:"key_to"`
	Type       string           `json:"type"`
	Pose       spatialmath.Pose `json:"pose"`
	Range      float64          `json:"range,omitempty"`
	Covariance []float64        `json:"covariance"`
}

// PriorMsg is one prior factor in a published graph.
type PriorMsg struct {
	Key        Key              `json:"key"`
	Pose       spatialmath.Pose `json:"pose"`
	Covariance []float64        `json:"covariance"`
}

// Msg is the published snapshot or delta of the graph.
type Msg struct {
	Header      Header     `json:"header"`
	Nodes       []NodeMsg  `json:"nodes"`
	Edges       []EdgeMsg  `json:"edges"`
	Priors      []PriorMsg `json:"priors"`
	Incremental bool       `json:"incremental"`
}

func covToSlice(cov *mat.SymDense) []float64 {
	if cov == nil {
		return nil
	}
	n := cov.SymmetricDim()
	out := make([]float64, 0, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out = append(out, cov.At(i, j))
		}
	}
	return out
}

func (g *Graph) nodeMsgLocked(key Key) NodeMsg {
	node := g.nodes[key]
	return NodeMsg{Key: key, Stamp: node.Stamp, Pose: node.Pose, ID: node.ID}
}

func factorToEdgeMsg(f Factor) EdgeMsg {
	msg := EdgeMsg{
		KeyFrom:    f.KeyFrom,
		KeyTo:      f.KeyTo,
		Type:       f.Type.String(),
		Pose:       f.Transform,
		Covariance: covToSlice(f.Covariance),
	}
	if f.Type == UWBRangeFactor {
		msg.Range = f.Range
		msg.Covariance = []float64{f.RangeSigma * f.RangeSigma}
	}
	return msg
}

// ToMsg serializes the whole graph.
func (g *Graph) ToMsg(now time.Time) *Msg {
	g.mu.RLock()
	defer g.mu.RUnlock()
	msg := &Msg{Header: Header{Stamp: now, FixedFrame: g.fixedFrame}}
	for _, key := range g.order {
		msg.Nodes = append(msg.Nodes, g.nodeMsgLocked(key))
	}
	for _, f := range g.factors {
		if f.Type == PriorFactor {
			msg.Priors = append(msg.Priors, PriorMsg{Key: f.KeyFrom, Pose: f.Transform, Covariance: covToSlice(f.Covariance)})
			continue
		}
		msg.Edges = append(msg.Edges, factorToEdgeMsg(f))
	}
	return msg
}

// ToIncrementalMsg serializes only what was added since the last
// ClearIncremental.
func (g *Graph) ToIncrementalMsg(now time.Time) *Msg {
	g.mu.RLock()
	defer g.mu.RUnlock()
	msg := &Msg{Header: Header{Stamp: now, FixedFrame: g.fixedFrame}, Incremental: true}
	for _, key := range g.valuesNew {
		msg.Nodes = append(msg.Nodes, g.nodeMsgLocked(key))
	}
	for _, idx := range g.edgesNew {
		f := g.factors[idx]
		if f.Type == PriorFactor {
			msg.Priors = append(msg.Priors, PriorMsg{Key: f.KeyFrom, Pose: f.Transform, Covariance: covToSlice(f.Covariance)})
			continue
		}
		msg.Edges = append(msg.Edges, factorToEdgeMsg(f))
	}
	return msg
}

// ClearIncremental atomically resets the diff sets after a publication.
func (g *Graph) ClearIncremental() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.valuesNew = nil
	g.edgesNew = nil
}

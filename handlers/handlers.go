// Package handlers ingests the heterogeneous measurement streams (odometry,
// artifact detections, UWB ranges, operator factors) into deterministic,
// time-aligned factor batches ready to be added to the graph. Handlers never
// mutate the graph; they only consume their own buffers.
package handlers

import (
	"github.com/pkg/errors"

	"github.com/AngelRodriguez8008/NeBuLa-LAMP/posegraph"
)

// ErrInsufficientOdometry is returned when a requested time cannot be
// bracketed by buffered odometry samples.
var ErrInsufficientOdometry = errors.New("insufficient odometry")

// FactorBatch is the handler → core contract: a drained set of factor
// records. Factors carry the exact measurement stamps they were built from,
// so replaying the same inputs reproduces the same batch. Key fields the
// handler cannot know (the pose key a measurement attaches to) are left zero
// for the core to resolve.
type FactorBatch struct {
	HasData bool
	Type    string
	Factors []posegraph.Factor
	// NewNodes are landmark nodes the batch introduces (artifact and anchor
	// keys). Their poses are seeds the core may refine before tracking.
	NewNodes []posegraph.Node
}

// Handler is one measurement source. Ingestion methods are source-specific;
// Drain consumes the internal queue.
type Handler interface {
	Name() string
	Drain() FactorBatch
}

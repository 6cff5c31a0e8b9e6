// Package pointcloud defines the LiDAR scan container used for keyed scans
// and provides PCD serialization, a nearest-neighbor index, and ICP
// registration between two scans.
package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
)

// MetaData tracks the bounding box of a cloud as points are added.
type MetaData struct {
	MinX, MaxX float64
	MinY, MaxY float64
	MinZ, MaxZ float64
}

// PointCloud is a container of 3D points. The basic implementation is sparse
// and unordered.
type PointCloud interface {
	// Size returns the number of points in the cloud.
	Size() int

	// MetaData returns the bounding-box metadata.
	MetaData() MetaData

	// Set places the given point in the cloud.
	Set(p r3.Vector) error

	// At reports whether a point exists at the given position.
	At(x, y, z float64) bool

	// Iterate calls fn for every point in the cloud until fn returns false.
	Iterate(fn func(p r3.Vector) bool)
}

// NewMetaData returns metadata with an empty bounding box.
func NewMetaData() MetaData {
	return MetaData{
		MinX: math.MaxFloat64,
		MinY: math.MaxFloat64,
		MinZ: math.MaxFloat64,
		MaxX: -math.MaxFloat64,
		MaxY: -math.MaxFloat64,
		MaxZ: -math.MaxFloat64,
	}
}

// Merge grows the bounding box to include p.
func (meta *MetaData) Merge(p r3.Vector) {
	if p.X > meta.MaxX {
		meta.MaxX = p.X
	}
	if p.Y > meta.MaxY {
		meta.MaxY = p.Y
	}
	if p.Z > meta.MaxZ {
		meta.MaxZ = p.Z
	}
	if p.X < meta.MinX {
		meta.MinX = p.X
	}
	if p.Y < meta.MinY {
		meta.MinY = p.Y
	}
	if p.Z < meta.MinZ {
		meta.MinZ = p.Z
	}
}

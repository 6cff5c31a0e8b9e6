package pointcloud

import (
	"github.com/golang/geo/r3"

	"github.com/AngelRodriguez8008/NeBuLa-LAMP/spatialmath"
)

// basicPointCloud is the basic implementation of the PointCloud interface
// backed by a point slice with a position index for dedup.
type basicPointCloud struct {
	points   []r3.Vector
	indexMap map[r3.Vector]int
	meta     MetaData
}

// New returns an empty PointCloud backed by a basicPointCloud.
func New() PointCloud {
	return NewWithPrealloc(0)
}

// NewWithPrealloc returns an empty, preallocated PointCloud backed by a
// basicPointCloud.
func NewWithPrealloc(size int) PointCloud {
	return &basicPointCloud{
		points:   make([]r3.Vector, 0, size),
		indexMap: make(map[r3.Vector]int, size),
		meta:     NewMetaData(),
	}
}

func (cloud *basicPointCloud) Size() int {
	return len(cloud.points)
}

func (cloud *basicPointCloud) MetaData() MetaData {
	return cloud.meta
}

func (cloud *basicPointCloud) At(x, y, z float64) bool {
	_, ok := cloud.indexMap[r3.Vector{X: x, Y: y, Z: z}]
	return ok
}

func (cloud *basicPointCloud) Set(p r3.Vector) error {
	if i, ok := cloud.indexMap[p]; ok {
		cloud.points[i] = p
		return nil
	}
	cloud.indexMap[p] = len(cloud.points)
	cloud.points = append(cloud.points, p)
	cloud.meta.Merge(p)
	return nil
}

func (cloud *basicPointCloud) Iterate(fn func(p r3.Vector) bool) {
	for _, p := range cloud.points {
		if !fn(p) {
			return
		}
	}
}

// ApplyOffset returns a new cloud with every point transformed by pose.
func ApplyOffset(cloud PointCloud, pose spatialmath.Pose) PointCloud {
	out := NewWithPrealloc(cloud.Size())
	cloud.Iterate(func(p r3.Vector) bool {
		//nolint:errcheck
		out.Set(pose.TransformPoint(p))
		return true
	})
	return out
}

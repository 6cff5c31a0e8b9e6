package pointcloud

import (
	"sort"

	"github.com/golang/geo/r3"
)

// KDTree is a static k-d tree over the points of a cloud, used for
// nearest-neighbor lookups during registration.
type KDTree struct {
	root *kdNode
	size int
}

type kdNode struct {
	point       r3.Vector
	axis        int
	left, right *kdNode
}

// ToKDTree creates a KDTree from the points of the given cloud.
func ToKDTree(cloud PointCloud) *KDTree {
	points := make([]r3.Vector, 0, cloud.Size())
	cloud.Iterate(func(p r3.Vector) bool {
		points = append(points, p)
		return true
	})
	return &KDTree{root: buildKD(points, 0), size: len(points)}
}

func buildKD(points []r3.Vector, depth int) *kdNode {
	if len(points) == 0 {
		return nil
	}
	axis := depth % 3
	sort.Slice(points, func(i, j int) bool {
		return axisValue(points[i], axis) < axisValue(points[j], axis)
	})
	mid := len(points) / 2
	return &kdNode{
		point: points[mid],
		axis:  axis,
		left:  buildKD(points[:mid], depth+1),
		right: buildKD(points[mid+1:], depth+1),
	}
}

func axisValue(p r3.Vector, axis int) float64 {
	switch axis {
	case 0:
		return p.X
	case 1:
		return p.Y
	default:
		return p.Z
	}
}

// Size returns the number of indexed points.
func (t *KDTree) Size() int {
	return t.size
}

// NearestNeighbor returns the closest indexed point to p and the squared
// distance to it. ok is false for an empty tree.
func (t *KDTree) NearestNeighbor(p r3.Vector) (nearest r3.Vector, sqDist float64, ok bool) {
	if t.root == nil {
		return r3.Vector{}, 0, false
	}
	best := t.root.point
	bestSq := p.Sub(best).Norm2()
	searchKD(t.root, p, &best, &bestSq)
	return best, bestSq, true
}

func searchKD(n *kdNode, p r3.Vector, best *r3.Vector, bestSq *float64) {
	if n == nil {
		return
	}
	if d := p.Sub(n.point).Norm2(); d < *bestSq {
		*bestSq = d
		*best = n.point
	}
	diff := axisValue(p, n.axis) - axisValue(n.point, n.axis)
	near, far := n.left, n.right
	if diff > 0 {
		near, far = far, near
	}
	searchKD(near, p, best, bestSq)
	if diff*diff < *bestSq {
		searchKD(far, p, best, bestSq)
	}
}

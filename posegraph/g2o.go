package posegraph

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/AngelRodriguez8008/NeBuLa-LAMP/spatialmath"
)

// The g2o text form stores information matrices over (x y z qx qy qz),
// translation first, while the in-memory covariances are rotation first.
// permuteTransFirst converts between the two orderings (it is its own
// inverse).
func permuteTransFirst(m *mat.SymDense) *mat.SymDense {
	perm := [6]int{3, 4, 5, 0, 1, 2}
	out := mat.NewSymDense(6, nil)
	for i := 0; i < 6; i++ {
		for j := i; j < 6; j++ {
			out.SetSym(i, j, m.At(perm[i], perm[j]))
		}
	}
	return out
}

func invertSym(s *mat.SymDense) (*mat.SymDense, error) {
	var chol mat.Cholesky
	if !chol.Factorize(s) {
		return nil, errors.New("matrix not positive definite")
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

func writePose(w io.Writer, p spatialmath.Pose) error {
	q := p.Orientation()
	t := p.Point()
	_, err := fmt.Fprintf(w, "%.12g %.12g %.12g %.12g %.12g %.12g %.12g",
		t.X, t.Y, t.Z, q.Imag, q.Jmag, q.Kmag, q.Real)
	return err
}

func writeInfoUpper(w io.Writer, info *mat.SymDense) error {
	for i := 0; i < 6; i++ {
		for j := i; j < 6; j++ {
			if _, err := fmt.Fprintf(w, " %.12g", info.At(i, j)); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteG2O writes the vertices and the relative-pose factors in standard g2o
// text form. Priors and range factors are carried by the archive manifest
// instead, mirroring what standard g2o writers do.
func (g *Graph) WriteG2O(w io.Writer) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.writeG2OLocked(w)
}

func (g *Graph) writeG2OLocked(w io.Writer) error {
	for _, key := range g.order {
		node := g.nodes[key]
		if _, err := fmt.Fprintf(w, "VERTEX_SE3:QUAT %d ", uint64(key)); err != nil {
			return err
		}
		if err := writePose(w, node.Pose); err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	for _, f := range g.factors {
		switch f.Type {
		case PriorFactor, UWBRangeFactor:
			continue
		case OdometryFactor, BetweenFactor, LoopFactor, ArtifactFactor:
		}
		info := IsoCovariance(1, 1)
		if f.Covariance != nil {
			inv, err := invertSym(f.Covariance)
			if err != nil {
				return errors.Wrapf(err, "factor %s->%s covariance", f.KeyFrom, f.KeyTo)
			}
			info = permuteTransFirst(inv)
		}
		if _, err := fmt.Fprintf(w, "EDGE_SE3:QUAT %d %d ", uint64(f.KeyFrom), uint64(f.KeyTo)); err != nil {
			return err
		}
		if err := writePose(w, f.Transform); err != nil {
			return err
		}
		if err := writeInfoUpper(w, info); err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}

type g2oVertex struct {
	key  Key
	pose spatialmath.Pose
}

type g2oEdge struct {
	from, to Key
	pose     spatialmath.Pose
	cov      *mat.SymDense
}

func parsePoseFields(fields []string) (spatialmath.Pose, error) {
	vals := make([]float64, 7)
	for i := range vals {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return spatialmath.NewZeroPose(), err
		}
		vals[i] = v
	}
	return spatialmath.NewPose(
		r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]},
		quat.Number{Real: vals[6], Imag: vals[3], Jmag: vals[4], Kmag: vals[5]},
	), nil
}

func parseG2O(r io.Reader) ([]g2oVertex, []g2oEdge, error) {
	var vertices []g2oVertex
	var edges []g2oEdge
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "VERTEX_SE3:QUAT":
			if len(fields) != 9 {
				return nil, nil, errors.Errorf("malformed vertex line %q", line)
			}
			id, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "vertex id in %q", line)
			}
			pose, err := parsePoseFields(fields[2:9])
			if err != nil {
				return nil, nil, errors.Wrapf(err, "vertex pose in %q", line)
			}
			vertices = append(vertices, g2oVertex{key: Key(id), pose: pose})
		case "EDGE_SE3:QUAT":
			if len(fields) != 10+21 {
				return nil, nil, errors.Errorf("malformed edge line %q", line)
			}
			from, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "edge id in %q", line)
			}
			to, err := strconv.ParseUint(fields[2], 10, 64)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "edge id in %q", line)
			}
			pose, err := parsePoseFields(fields[3:10])
			if err != nil {
				return nil, nil, errors.Wrapf(err, "edge pose in %q", line)
			}
			info := mat.NewSymDense(6, nil)
			pos := 10
			for i := 0; i < 6; i++ {
				for j := i; j < 6; j++ {
					v, err := strconv.ParseFloat(fields[pos], 64)
					if err != nil {
						return nil, nil, errors.Wrapf(err, "edge info in %q", line)
					}
					info.SetSym(i, j, v)
					pos++
				}
			}
			cov, err := invertSym(permuteTransFirst(info))
			if err != nil {
				return nil, nil, errors.Wrapf(err, "edge information in %q", line)
			}
			edges = append(edges, g2oEdge{from: Key(from), to: Key(to), pose: pose, cov: cov})
		default:
			return nil, nil, errors.Errorf("unsupported g2o record %q", fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return vertices, edges, nil
}

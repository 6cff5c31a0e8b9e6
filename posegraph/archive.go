package posegraph

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/geo/r3"
	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/AngelRodriguez8008/NeBuLa-LAMP/pointcloud"
	"github.com/AngelRodriguez8008/NeBuLa-LAMP/spatialmath"
)

// archiveFormatVersion is bumped on any incompatible layout change; Load
// refuses other versions.
const archiveFormatVersion = 1

const (
	manifestName = "manifest.json"
	graphName    = "graph.g2o"
	scanDir      = "scans"
)

type manifestNode struct {
	Key        string    `json:"key"`
	Stamp      time.Time `json:"stamp"`
	ID         string    `json:"id,omitempty"`
	Covariance []float64 `json:"covariance,omitempty"`
}

type manifestEdge struct {
	Type   string      `json:"type"`
	Stamps []time.Time `json:"stamps"`
}

type manifestPrior struct {
	Key        string    `json:"key"`
	Pose       []float64 `json:"pose"`
	Covariance []float64 `json:"covariance"`
}

type manifestRange struct {
	KeyFrom string      `json:"key_from"`
	KeyTo   string      `json:"key_to"`
	Range   float64     `json:"range"`
	Sigma   float64     `json:"sigma"`
	Stamps  []time.Time `json:"stamps"`
}

type archiveManifest struct {
	FormatVersion int             `json:"format_version"`
	RobotPrefix   string          `json:"robot_prefix"`
	FixedFrame    string          `json:"fixed_frame"`
	InitialKey    string          `json:"initial_key"`
	Initialized   bool            `json:"initialized"`
	NumNodes      int             `json:"num_nodes"`
	NumFactors    int             `json:"num_factors"`
	Nodes         []manifestNode  `json:"nodes"`
	Edges         []manifestEdge  `json:"edges"`
	Priors        []manifestPrior `json:"priors"`
	Ranges        []manifestRange `json:"ranges"`
	ScanKeys      []string        `json:"scan_keys"`
}

func poseToArr(p spatialmath.Pose) []float64 {
	t := p.Point()
	q := p.Orientation()
	return []float64{t.X, t.Y, t.Z, q.Imag, q.Jmag, q.Kmag, q.Real}
}

func poseFromArr(a []float64) (spatialmath.Pose, error) {
	if len(a) != 7 {
		return spatialmath.NewZeroPose(), errors.Errorf("pose array has %d elements", len(a))
	}
	return spatialmath.NewPose(
		r3.Vector{X: a[0], Y: a[1], Z: a[2]},
		quat.Number{Real: a[6], Imag: a[3], Jmag: a[4], Kmag: a[5]},
	), nil
}

func covFromSlice(vals []float64) (*mat.SymDense, error) {
	if vals == nil {
		return nil, nil
	}
	if len(vals) != 36 {
		return nil, errors.Errorf("covariance slice has %d elements", len(vals))
	}
	out := mat.NewSymDense(6, nil)
	for i := 0; i < 6; i++ {
		for j := i; j < 6; j++ {
			out.SetSym(i, j, (vals[6*i+j]+vals[6*j+i])/2)
		}
	}
	return out, nil
}

func (g *Graph) buildManifestLocked() *archiveManifest {
	m := &archiveManifest{
		FormatVersion: archiveFormatVersion,
		RobotPrefix:   string(g.initialKey.Prefix()),
		FixedFrame:    g.fixedFrame,
		InitialKey:    g.initialKey.String(),
		Initialized:   g.initialized,
		NumNodes:      len(g.nodes),
		NumFactors:    len(g.factors),
	}
	for _, key := range g.order {
		node := g.nodes[key]
		m.Nodes = append(m.Nodes, manifestNode{
			Key:        key.String(),
			Stamp:      node.Stamp,
			ID:         node.ID,
			Covariance: covToSlice(node.Covariance),
		})
	}
	for _, f := range g.factors {
		switch f.Type {
		case PriorFactor:
			m.Priors = append(m.Priors, manifestPrior{
				Key:        f.KeyFrom.String(),
				Pose:       poseToArr(f.Transform),
				Covariance: covToSlice(f.Covariance),
			})
		case UWBRangeFactor:
			m.Ranges = append(m.Ranges, manifestRange{
				KeyFrom: f.KeyFrom.String(),
				KeyTo:   f.KeyTo.String(),
				Range:   f.Range,
				Sigma:   f.RangeSigma,
				Stamps:  []time.Time{f.Stamps[0], f.Stamps[1]},
			})
		default:
			m.Edges = append(m.Edges, manifestEdge{
				Type:   f.Type.String(),
				Stamps: []time.Time{f.Stamps[0], f.Stamps[1]},
			})
		}
	}
	for key := range g.scans {
		m.ScanKeys = append(m.ScanKeys, key.String())
	}
	return m
}

// Save writes the graph to a zip archive at path: manifest.json, graph.g2o,
// and one PCD per keyed scan. The write is atomic via a temp file and
// rename.
func (g *Graph) Save(path string) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "creating temp archive")
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			err = multierr.Combine(err, os.Remove(tmpName))
		}
	}()

	zw := zip.NewWriter(tmp)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestSpeed)
	})

	g.mu.RLock()
	writeErr := g.writeArchiveLocked(zw)
	g.mu.RUnlock()
	if writeErr != nil {
		return multierr.Combine(writeErr, zw.Close(), tmp.Close())
	}
	if err := multierr.Combine(zw.Close(), tmp.Close()); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (g *Graph) writeArchiveLocked(zw *zip.Writer) error {
	mw, err := zw.Create(manifestName)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(mw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(g.buildManifestLocked()); err != nil {
		return errors.Wrap(err, "encoding manifest")
	}

	gw, err := zw.Create(graphName)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := g.writeG2OLocked(&buf); err != nil {
		return errors.Wrap(err, "writing g2o")
	}
	if _, err := gw.Write(buf.Bytes()); err != nil {
		return err
	}

	for key, scan := range g.scans {
		sw, err := zw.Create(scanDir + "/" + key.String() + ".pcd")
		if err != nil {
			return err
		}
		if err := pointcloud.ToPCD(scan, sw, pointcloud.PCDBinary); err != nil {
			return errors.Wrapf(err, "writing scan %s", key)
		}
	}
	return nil
}

// Load replaces the graph's state with the archive's contents. It fails with
// ErrCorruptArchive on version mismatch, malformed contents, or a referenced
// scan missing from the archive.
func (g *Graph) Load(path string) (err error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return errors.Wrapf(ErrCorruptArchive, "opening %s: %v", path, err)
	}
	defer func() {
		err = multierr.Combine(err, zr.Close())
	}()

	files := map[string]*zip.File{}
	for _, f := range zr.File {
		files[f.Name] = f
	}

	m, err := readManifest(files)
	if err != nil {
		return err
	}
	if m.FormatVersion != archiveFormatVersion {
		return errors.Wrapf(ErrCorruptArchive, "format version %d, want %d", m.FormatVersion, archiveFormatVersion)
	}

	loaded := NewGraph(m.FixedFrame, g.logger)
	if err := loaded.restore(m, files); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.fixedFrame = loaded.fixedFrame
	g.nodes = loaded.nodes
	g.order = loaded.order
	g.factors = loaded.factors
	g.stamps = loaded.stamps
	g.scans = loaded.scans
	g.initialized = loaded.initialized
	g.initialKey = loaded.initialKey
	// a freshly loaded graph publishes in full
	g.valuesNew = loaded.valuesNew
	g.edgesNew = loaded.edgesNew
	return nil
}

func readManifest(files map[string]*zip.File) (*archiveManifest, error) {
	mf, ok := files[manifestName]
	if !ok {
		return nil, errors.Wrap(ErrCorruptArchive, "missing manifest.json")
	}
	rc, err := mf.Open()
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptArchive, "opening manifest: %v", err)
	}
	defer rc.Close() //nolint:errcheck
	var m archiveManifest
	if err := json.NewDecoder(rc).Decode(&m); err != nil {
		return nil, errors.Wrapf(ErrCorruptArchive, "decoding manifest: %v", err)
	}
	return &m, nil
}

func (g *Graph) restore(m *archiveManifest, files map[string]*zip.File) error {
	gf, ok := files[graphName]
	if !ok {
		return errors.Wrap(ErrCorruptArchive, "missing graph.g2o")
	}
	rc, err := gf.Open()
	if err != nil {
		return errors.Wrapf(ErrCorruptArchive, "opening graph.g2o: %v", err)
	}
	vertices, edges, err := parseG2O(rc)
	if cerr := rc.Close(); cerr != nil {
		return multierr.Combine(err, cerr)
	}
	if err != nil {
		return errors.Wrapf(ErrCorruptArchive, "parsing graph.g2o: %v", err)
	}
	if len(vertices) != len(m.Nodes) || len(vertices) != m.NumNodes {
		return errors.Wrapf(ErrCorruptArchive, "vertex count mismatch: g2o %d, manifest %d", len(vertices), m.NumNodes)
	}
	if len(edges) != len(m.Edges) {
		return errors.Wrapf(ErrCorruptArchive, "edge count mismatch: g2o %d, manifest %d", len(edges), len(m.Edges))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for i, v := range vertices {
		mn := m.Nodes[i]
		key, err := ParseKey(mn.Key)
		if err != nil || key != v.key {
			return errors.Wrapf(ErrCorruptArchive, "node %d key mismatch", i)
		}
		cov, err := covFromSlice(mn.Covariance)
		if err != nil {
			return errors.Wrapf(ErrCorruptArchive, "node %s covariance: %v", mn.Key, err)
		}
		if err := g.trackNodeLocked(Node{
			Key:          key,
			Stamp:        mn.Stamp,
			FixedFrameID: m.FixedFrame,
			Pose:         v.pose,
			Covariance:   cov,
			ID:           mn.ID,
		}); err != nil {
			return errors.Wrapf(ErrCorruptArchive, "restoring node %s: %v", mn.Key, err)
		}
	}

	for _, p := range m.Priors {
		key, err := ParseKey(p.Key)
		if err != nil {
			return errors.Wrapf(ErrCorruptArchive, "prior key %q", p.Key)
		}
		pose, err := poseFromArr(p.Pose)
		if err != nil {
			return errors.Wrapf(ErrCorruptArchive, "prior pose for %s: %v", p.Key, err)
		}
		cov, err := covFromSlice(p.Covariance)
		if err != nil {
			return errors.Wrapf(ErrCorruptArchive, "prior covariance for %s: %v", p.Key, err)
		}
		if err := g.trackFactorLocked(Factor{
			Type: PriorFactor, KeyFrom: key, KeyTo: key, Transform: pose, Covariance: cov,
		}); err != nil {
			return errors.Wrapf(ErrCorruptArchive, "restoring prior %s: %v", p.Key, err)
		}
	}

	for i, e := range edges {
		me := m.Edges[i]
		ft, ok := ParseFactorType(me.Type)
		if !ok {
			return errors.Wrapf(ErrCorruptArchive, "edge %d has unknown type %q", i, me.Type)
		}
		f := Factor{Type: ft, KeyFrom: e.from, KeyTo: e.to, Transform: e.pose, Covariance: e.cov}
		if len(me.Stamps) == 2 {
			f.Stamps = [2]time.Time{me.Stamps[0], me.Stamps[1]}
		}
		if err := g.trackFactorLocked(f); err != nil {
			return errors.Wrapf(ErrCorruptArchive, "restoring edge %d: %v", i, err)
		}
	}

	for _, r := range m.Ranges {
		from, err := ParseKey(r.KeyFrom)
		if err != nil {
			return errors.Wrapf(ErrCorruptArchive, "range key %q", r.KeyFrom)
		}
		to, err := ParseKey(r.KeyTo)
		if err != nil {
			return errors.Wrapf(ErrCorruptArchive, "range key %q", r.KeyTo)
		}
		f := Factor{Type: UWBRangeFactor, KeyFrom: from, KeyTo: to, Transform: spatialmath.NewZeroPose(), Range: r.Range, RangeSigma: r.Sigma}
		if len(r.Stamps) == 2 {
			f.Stamps = [2]time.Time{r.Stamps[0], r.Stamps[1]}
		}
		if err := g.trackFactorLocked(f); err != nil {
			return errors.Wrapf(ErrCorruptArchive, "restoring range %s->%s: %v", r.KeyFrom, r.KeyTo, err)
		}
	}

	if len(g.factors) != m.NumFactors {
		return errors.Wrapf(ErrCorruptArchive, "factor count mismatch: restored %d, manifest %d", len(g.factors), m.NumFactors)
	}

	for _, sk := range m.ScanKeys {
		key, err := ParseKey(sk)
		if err != nil {
			return errors.Wrapf(ErrCorruptArchive, "scan key %q", sk)
		}
		sf, ok := files[scanDir+"/"+sk+".pcd"]
		if !ok {
			return errors.Wrapf(ErrCorruptArchive, "scan %s referenced but missing", sk)
		}
		rc, err := sf.Open()
		if err != nil {
			return errors.Wrapf(ErrCorruptArchive, "opening scan %s: %v", sk, err)
		}
		scan, err := pointcloud.ReadPCD(rc)
		if cerr := rc.Close(); cerr != nil {
			return multierr.Combine(err, cerr)
		}
		if err != nil {
			return errors.Wrapf(ErrCorruptArchive, "reading scan %s: %v", sk, err)
		}
		g.scans[key] = scan
	}

	if m.Initialized {
		key, err := ParseKey(m.InitialKey)
		if err != nil {
			return errors.Wrapf(ErrCorruptArchive, "initial key %q", m.InitialKey)
		}
		g.initialized = true
		g.initialKey = key
	}
	return nil
}

package pointcloud

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// PCDType is the data layout of a pcd file.
type PCDType int

const (
	// PCDAscii is the ascii layout.
	PCDAscii PCDType = 0
	// PCDBinary is the little-endian binary layout.
	PCDBinary PCDType = 1
)

// ToPCD writes the cloud to out in PCD v.7 format with x y z fields.
func ToPCD(cloud PointCloud, out io.Writer, outputType PCDType) error {
	if _, err := fmt.Fprintf(out, "VERSION .7\n"+
		"FIELDS x y z\n"+
		"SIZE 4 4 4\n"+
		"TYPE F F F\n"+
		"COUNT 1 1 1\n"+
		"WIDTH %d\n"+
		"HEIGHT 1\n"+
		"VIEWPOINT 0 0 0 1 0 0 0\n"+
		"POINTS %d\n",
		cloud.Size(), cloud.Size()); err != nil {
		return err
	}
	switch outputType {
	case PCDBinary:
		if _, err := fmt.Fprintf(out, "DATA binary\n"); err != nil {
			return err
		}
	case PCDAscii:
		if _, err := fmt.Fprintf(out, "DATA ascii\n"); err != nil {
			return err
		}
	default:
		return errors.Errorf("unsupported pcd output type %v", outputType)
	}

	var err error
	cloud.Iterate(func(p r3.Vector) bool {
		switch outputType {
		case PCDBinary:
			buf := make([]byte, 12)
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(p.X)))
			binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(float32(p.Y)))
			binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(float32(p.Z)))
			_, err = out.Write(buf)
		case PCDAscii:
			_, err = fmt.Fprintf(out, "%f %f %f\n", p.X, p.Y, p.Z)
		}
		return err == nil
	})
	return err
}

type pcdHeader struct {
	fields int
	points int
	data   PCDType
}

// ReadPCD reads an x y z PCD file, ascii or binary.
func ReadPCD(inRaw io.Reader) (PointCloud, error) {
	in := bufio.NewReader(inRaw)
	header := pcdHeader{fields: 3}
	for {
		line, err := in.ReadString('\n')
		if err != nil {
			return nil, errors.Wrap(err, "error reading pcd header")
		}
		line, _, _ = strings.Cut(line, "#")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, value, _ := strings.Cut(line, " ")
		switch name {
		case "FIELDS":
			tokens := strings.Fields(value)
			if len(tokens) != 3 || tokens[0] != "x" || tokens[1] != "y" || tokens[2] != "z" {
				return nil, errors.Errorf("unsupported pcd fields %q", value)
			}
		case "POINTS":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid POINTS value %q", value)
			}
			header.points = n
		case "DATA":
			switch value {
			case "ascii":
				header.data = PCDAscii
			case "binary":
				header.data = PCDBinary
			default:
				return nil, errors.Errorf("unsupported pcd data layout %q", value)
			}
			return readPCDData(in, header)
		}
	}
}

func readPCDData(in *bufio.Reader, header pcdHeader) (PointCloud, error) {
	pc := NewWithPrealloc(header.points)
	for i := 0; i < header.points; i++ {
		var p r3.Vector
		switch header.data {
		case PCDAscii:
			line, err := in.ReadString('\n')
			if err != nil {
				return nil, err
			}
			tokens := strings.Fields(strings.TrimSpace(line))
			if len(tokens) != header.fields {
				return nil, errors.Errorf("unexpected number of fields in point %d", i)
			}
			vals := make([]float64, header.fields)
			for j, token := range tokens {
				vals[j], err = strconv.ParseFloat(token, 64)
				if err != nil {
					return nil, errors.Wrapf(err, "invalid point %d field %q", i, token)
				}
			}
			p = r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]}
		case PCDBinary:
			buf := make([]byte, 12)
			if _, err := io.ReadFull(in, buf); err != nil {
				return nil, errors.Wrapf(err, "short read at point %d", i)
			}
			p = r3.Vector{
				X: float64(math.Float32frombits(binary.LittleEndian.Uint32(buf))),
				Y: float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[4:]))),
				Z: float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[8:]))),
			}
		}
		if err := pc.Set(p); err != nil {
			return nil, err
		}
	}
	return pc, nil
}

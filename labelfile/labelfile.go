// Package labelfile reads and writes the per-image label files, the results
// file and the CSV export of a working directory.
//
// Label files hold one detection per line as six whitespace-separated
// numbers: class cx cy w h confidence, box values normalized to [0,1].
package labelfile

import (
	"bufio"
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"EggDetServer/geometry"
	iface "EggDetServer/interface"
)

// ErrNotExist reports a missing label or results file.
var ErrNotExist = fs.ErrNotExist

const fieldsPerLine = 6

// Read parses the label file at path. A missing file returns an error
// matching ErrNotExist.
func Read(path string) (iface.DetectionSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read label file %s", path)
	}
	set, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parse label file %s", path)
	}
	return set, nil
}

// Parse decodes label file contents. Blank lines are ignored.
func Parse(data []byte) (iface.DetectionSet, error) {
	set := iface.DetectionSet{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != fieldsPerLine {
			return nil, errors.Errorf("line %d: want %d fields, got %d", line, fieldsPerLine, len(fields))
		}
		var v [fieldsPerLine]float64
		for i, f := range fields {
			n, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d field %d", line, i+1)
			}
			v[i] = n
		}
		set = append(set, iface.Detection{
			Class:      int(v[0]),
			Box:        geometry.CenterSizeBox{CX: v[1], CY: v[2], W: v[3], H: v[4]},
			Confidence: v[5],
		})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return set, nil
}

// Format encodes set with fixed-point fields, one detection per line.
func Format(set iface.DetectionSet) []byte {
	var buf bytes.Buffer
	for _, d := range set {
		fmt.Fprintf(&buf, "%f %f %f %f %f %f\n",
			float64(d.Class), d.Box.CX, d.Box.CY, d.Box.W, d.Box.H, d.Confidence)
	}
	return buf.Bytes()
}

// Write replaces the label file at path with set, creating parent
// directories as needed.
func Write(path string, set iface.DetectionSet) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create label directory")
	}
	if err := os.WriteFile(path, Format(set), 0o644); err != nil {
		return errors.Wrapf(err, "write label file %s", path)
	}
	return nil
}

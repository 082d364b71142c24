package engine

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	iface "EggDetServer/interface"
	"EggDetServer/labelfile"
)

// ReplayDetector serves label files produced earlier by another detector,
// stored as <dir>/<image stem>.txt. Images without a stored file have no
// detections.
type ReplayDetector struct {
	name string
	dir  string
}

// NewReplayDetector replays the label files in dir.
func NewReplayDetector(name, dir string) (*ReplayDetector, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrap(err, "replay directory")
	}
	if !info.IsDir() {
		return nil, errors.Errorf("replay path %s is not a directory", dir)
	}
	return &ReplayDetector{name: name, dir: dir}, nil
}

func (d *ReplayDetector) Detect(ctx context.Context, req iface.DetectRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored, err := labelfile.Read(d.path(req.ImagePath))
	if errors.Is(err, labelfile.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	set := Select(req, stored)
	if len(set) == 0 {
		return nil
	}
	return labelfile.Write(req.LabelPath, set)
}

func (d *ReplayDetector) path(image string) string {
	return filepath.Join(d.dir, labelfile.Stem(image)+".txt")
}

func (d *ReplayDetector) Name() string { return d.name }

func (d *ReplayDetector) Close() error { return nil }

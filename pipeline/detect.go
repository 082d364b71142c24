package pipeline

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	iface "EggDetServer/interface"
	"EggDetServer/labelfile"
	"EggDetServer/nms"
	"EggDetServer/postprocess"
)

// DetectOptions are the detector and suppression parameters of a run.
type DetectOptions struct {
	IoUThreshold  float64
	ClassAgnostic bool
	Classes       []int
	Confidence    float64
	MaxDetections int
}

// DefaultDetectOptions matches the settings the models were tuned with.
func DefaultDetectOptions() DetectOptions {
	return DetectOptions{
		IoUThreshold:  nms.DefaultIoUThreshold,
		ClassAgnostic: true,
		Classes:       []int{iface.ClassFertilized, iface.ClassUnfertilized},
		Confidence:    0.25,
		MaxDetections: 500,
	}
}

// DetectRunner runs the detector over every image of a workspace, filters
// the raw detections and records per-image counts.
type DetectRunner struct {
	Workspace labelfile.Workspace
	Detector  iface.Detector
	Options   DetectOptions
	Observer  Observer
	Log       *zap.Logger
}

// Run processes the workspace images in order. An image for which the
// detector leaves no label file is skipped without a result row. Progress
// advances once per image examined, skipped or not.
//
// The results file is written only after every image was processed, so a
// failed or cancelled run leaves the previous results file in place. Label
// files already rewritten before the failure stay on disk.
func (r *DetectRunner) Run(ctx context.Context, sink iface.ProgressSink) (iface.ResultTable, error) {
	log := r.logger()
	obs := observerOrNop(r.Observer)
	if sink == nil {
		sink = iface.ProgressFunc(nil)
	}

	images, err := r.Workspace.Images()
	if err != nil {
		return nil, err
	}
	log.Info("detection started",
		zap.String("dir", r.Workspace.Root),
		zap.String("model", r.Detector.Name()),
		zap.Int("images", len(images)))

	cfg := nms.Config{IoUThreshold: r.Options.IoUThreshold, ClassAgnostic: r.Options.ClassAgnostic}
	table := iface.ResultTable{}
	for i, name := range images {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "detection stopped after %d of %d images", i, len(images))
		}

		res, ok, err := r.processImage(ctx, name, cfg)
		if err != nil {
			return nil, err
		}
		if ok {
			table = append(table, res)
			obs.ObserveImage(StageDetect, ResultRecorded)
		} else {
			log.Debug("no detections, image skipped", zap.String("image", name))
			obs.ObserveImage(StageDetect, ResultSkipped)
		}
		sink.Progress(i + 1)
	}

	if err := labelfile.WriteResults(r.Workspace.ResultsPath(), table); err != nil {
		return nil, err
	}
	totals := table.Totals()
	log.Info("detection finished",
		zap.Int("recorded", len(table)),
		zap.Int("fertilized", totals.Fertilized),
		zap.Int("unfertilized", totals.Unfertilized))
	return table, nil
}

func (r *DetectRunner) processImage(ctx context.Context, name string, cfg nms.Config) (iface.ImageResult, bool, error) {
	stem := labelfile.Stem(name)
	req := iface.DetectRequest{
		ImagePath:     r.Workspace.ImagePath(name),
		LabelPath:     r.Workspace.LabelPath(stem),
		Classes:       r.Options.Classes,
		Confidence:    r.Options.Confidence,
		MaxDetections: r.Options.MaxDetections,
	}

	// A label file left by an earlier run must not stand in for this one.
	if err := os.Remove(req.LabelPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return iface.ImageResult{}, false, errors.Wrapf(err, "remove stale label file for %s", name)
	}
	if err := r.Detector.Detect(ctx, req); err != nil {
		return iface.ImageResult{}, false, errors.Wrapf(err, "detect %s", name)
	}

	raw, err := labelfile.Read(req.LabelPath)
	if errors.Is(err, labelfile.ErrNotExist) {
		return iface.ImageResult{}, false, nil
	}
	if err != nil {
		return iface.ImageResult{}, false, err
	}
	if len(raw) == 0 {
		return iface.ImageResult{}, false, nil
	}

	filtered, counts := postprocess.FilterWith(raw, cfg)
	if err := labelfile.Write(req.LabelPath, filtered); err != nil {
		return iface.ImageResult{}, false, err
	}
	observerOrNop(r.Observer).ObserveDetections(len(raw), len(filtered))
	r.logger().Debug("image filtered",
		zap.String("image", name),
		zap.Int("raw", len(raw)),
		zap.Int("kept", len(filtered)))
	return iface.ImageResult{Image: stem, Counts: counts}, true, nil
}

func (r *DetectRunner) logger() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

//go:build gocv

package engine

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"EggDetServer/geometry"
	iface "EggDetServer/interface"
	"EggDetServer/labelfile"
)

// DetectorLineWidth is the outline width of the detector's own renderings.
const DetectorLineWidth = 3

// OpenCVDetector runs a YOLOv8 ONNX export through the OpenCV DNN module.
type OpenCVDetector struct {
	spec ModelSpec
	net  gocv.Net
	size image.Point
	log  *zap.Logger
}

// NewOpenCVDetector loads spec.Path.
func NewOpenCVDetector(spec ModelSpec, log *zap.Logger) (iface.Detector, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if _, err := os.Stat(spec.Path); err != nil {
		return nil, errors.Wrap(err, "model file")
	}
	net := gocv.ReadNetFromONNX(spec.Path)
	if net.Empty() {
		return nil, errors.Errorf("failed to load ONNX model %s", spec.Path)
	}
	net.SetPreferableBackend(gocv.NetBackendOpenCV)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	edge := spec.InputSize
	if edge <= 0 {
		edge = DefaultInputSize
	}
	if spec.RenderLineWidth <= 0 {
		spec.RenderLineWidth = DetectorLineWidth
	}
	log.Info("onnx model loaded", zap.String("model", spec.Name), zap.String("path", spec.Path), zap.Int("input", edge))
	return &OpenCVDetector{spec: spec, net: net, size: image.Pt(edge, edge), log: log}, nil
}

func (d *OpenCVDetector) Detect(ctx context.Context, req iface.DetectRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	img := gocv.IMRead(req.ImagePath, gocv.IMReadColor)
	if img.Empty() {
		return errors.Errorf("cannot decode image %s", req.ImagePath)
	}
	defer img.Close()

	blob := gocv.BlobFromImage(img, 1.0/255.0, d.size, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()
	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	set := SelectSuppressed(req, d.decode(output), DetectorIoUThreshold)
	if d.spec.RenderDir != "" {
		if err := d.render(img, req.ImagePath, set); err != nil {
			d.log.Warn("detector rendering failed", zap.String("image", req.ImagePath), zap.Error(err))
		}
	}
	if len(set) == 0 {
		return nil
	}
	return labelfile.Write(req.LabelPath, set)
}

// decode reads a [1, 4+classes, anchors] YOLOv8 head. Boxes come out in
// input pixels and are normalized by the input edge.
func (d *OpenCVDetector) decode(output gocv.Mat) iface.DetectionSet {
	dims := output.Size()
	if len(dims) != 3 || dims[1] <= 4 {
		return nil
	}
	rows := output.Reshape(1, dims[1])
	defer rows.Close()
	anchors := gocv.NewMat()
	defer anchors.Close()
	gocv.Transpose(rows, &anchors)

	sx, sy := 1/float64(d.size.X), 1/float64(d.size.Y)
	set := iface.DetectionSet{}
	for i := 0; i < anchors.Rows(); i++ {
		class, best := 0, float32(0)
		for j := 4; j < anchors.Cols(); j++ {
			if s := anchors.GetFloatAt(i, j); s > best {
				class, best = j-4, s
			}
		}
		box := geometry.CenterSizeBox{
			CX: float64(anchors.GetFloatAt(i, 0)),
			CY: float64(anchors.GetFloatAt(i, 1)),
			W:  float64(anchors.GetFloatAt(i, 2)),
			H:  float64(anchors.GetFloatAt(i, 3)),
		}.Scale(sx, sy)
		set = append(set, iface.Detection{Class: class, Box: box, Confidence: float64(best)})
	}
	return set
}

func (d *OpenCVDetector) render(img gocv.Mat, imagePath string, set iface.DetectionSet) error {
	if err := os.MkdirAll(d.spec.RenderDir, 0o755); err != nil {
		return err
	}
	out := img.Clone()
	defer out.Close()
	for _, det := range set {
		c := color.RGBA{R: 255, B: 255}
		if det.Class == iface.ClassFertilized {
			c = color.RGBA{R: 155, G: 255}
		}
		gocv.Rectangle(&out, geometry.PixelRect(det.Box, img.Cols(), img.Rows()), c, d.spec.RenderLineWidth)
	}
	path := filepath.Join(d.spec.RenderDir, labelfile.Stem(imagePath)+".png")
	if !gocv.IMWrite(path, out) {
		return errors.Errorf("write %s", path)
	}
	return nil
}

func (d *OpenCVDetector) Name() string { return d.spec.Name }

func (d *OpenCVDetector) Close() error {
	return d.net.Close()
}

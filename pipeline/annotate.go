package pipeline

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"EggDetServer/geometry"
	iface "EggDetServer/interface"
	"EggDetServer/labelfile"
)

// DefaultLineWidth is the outline width of annotation rectangles in pixels.
const DefaultLineWidth = 10

// Palette maps class labels to outline colors. Labels without an entry use
// Default.
type Palette struct {
	Classes map[int]color.Color
	Default color.Color
}

// DefaultPalette draws fertilized eggs green and everything else purple.
func DefaultPalette() Palette {
	return Palette{
		Classes: map[int]color.Color{iface.ClassFertilized: color.RGBA{R: 155, G: 255, A: 255}},
		Default: color.RGBA{R: 255, B: 255, A: 255},
	}
}

// ParsePalette builds a Palette from hex colors such as "#9bff00".
func ParsePalette(classes map[int]string, def string) (Palette, error) {
	p := Palette{Classes: make(map[int]color.Color, len(classes))}
	for class, hex := range classes {
		c, err := colorful.Hex(hex)
		if err != nil {
			return Palette{}, errors.Wrapf(err, "color of class %d", class)
		}
		p.Classes[class] = c
	}
	c, err := colorful.Hex(def)
	if err != nil {
		return Palette{}, errors.Wrap(err, "default color")
	}
	p.Default = c
	return p, nil
}

// Color returns the outline color of class.
func (p Palette) Color(class int) color.Color {
	if c, ok := p.Classes[class]; ok {
		return c
	}
	if p.Default == nil {
		return DefaultPalette().Default
	}
	return p.Default
}

// AnnotateOptions control how annotated copies look.
type AnnotateOptions struct {
	LineWidth     float64
	Palette       Palette
	ThumbnailSize int // max side of the preview, 0 disables previews
}

// DefaultAnnotateOptions returns the standard line width and palette with
// 500px previews.
func DefaultAnnotateOptions() AnnotateOptions {
	return AnnotateOptions{
		LineWidth:     DefaultLineWidth,
		Palette:       DefaultPalette(),
		ThumbnailSize: 500,
	}
}

// AnnotateRunner draws the filtered detections of every workspace image
// onto a copy of it.
type AnnotateRunner struct {
	Workspace labelfile.Workspace
	Options   AnnotateOptions
	Observer  Observer
	Log       *zap.Logger
}

// Run annotates the workspace images in order and returns how many
// annotated copies were written. Images without a label file are skipped.
// Progress advances once per image examined.
func (r *AnnotateRunner) Run(ctx context.Context, sink iface.ProgressSink) (int, error) {
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}
	obs := observerOrNop(r.Observer)
	if sink == nil {
		sink = iface.ProgressFunc(nil)
	}

	images, err := r.Workspace.Images()
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(r.Workspace.AnnotatedDir(), 0o755); err != nil {
		return 0, errors.Wrap(err, "create annotation directory")
	}
	log.Info("annotation started", zap.String("dir", r.Workspace.Root), zap.Int("images", len(images)))

	annotated := 0
	for i, name := range images {
		if err := ctx.Err(); err != nil {
			return annotated, errors.Wrapf(err, "annotation stopped after %d of %d images", i, len(images))
		}

		stem := labelfile.Stem(name)
		set, err := labelfile.Read(r.Workspace.LabelPath(stem))
		switch {
		case errors.Is(err, labelfile.ErrNotExist):
			log.Debug("no label file, image skipped", zap.String("image", name))
			obs.ObserveImage(StageAnnotate, ResultSkipped)
		case err != nil:
			return annotated, err
		default:
			if err := r.annotate(name, stem, set); err != nil {
				return annotated, err
			}
			annotated++
			obs.ObserveImage(StageAnnotate, ResultAnnotated)
		}
		sink.Progress(i + 1)
	}
	log.Info("annotation finished", zap.Int("annotated", annotated))
	return annotated, nil
}

func (r *AnnotateRunner) annotate(name, stem string, set iface.DetectionSet) error {
	src, err := imaging.Open(r.Workspace.ImagePath(name))
	if err != nil {
		return errors.Wrapf(err, "open image %s", name)
	}
	out := Draw(src, set, r.Options)

	if err := imaging.Save(out, r.Workspace.AnnotatedPath(stem)); err != nil {
		return errors.Wrapf(err, "save annotated %s", name)
	}
	if r.Options.ThumbnailSize > 0 {
		if err := saveThumbnail(out, r.Workspace.ThumbnailPath(stem), r.Options.ThumbnailSize); err != nil {
			return errors.Wrapf(err, "save thumbnail of %s", name)
		}
	}
	return nil
}

// Draw returns a copy of src with one rectangle outline per detection.
// Normalized boxes are scaled to the image size and rounded to whole pixels.
func Draw(src image.Image, set iface.DetectionSet, opts AnnotateOptions) image.Image {
	b := src.Bounds()
	dc := gg.NewContextForImage(src)
	dc.SetLineWidth(opts.LineWidth)
	for _, d := range set {
		rect := geometry.PixelRect(d.Box, b.Dx(), b.Dy())
		dc.DrawRectangle(float64(rect.Min.X), float64(rect.Min.Y), float64(rect.Dx()), float64(rect.Dy()))
		dc.SetColor(opts.Palette.Color(d.Class))
		dc.Stroke()
	}
	return dc.Image()
}

func saveThumbnail(img image.Image, path string, size int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	thumb := resize.Thumbnail(uint(size), uint(size), img, resize.Lanczos3)
	return imaging.Save(thumb, path)
}

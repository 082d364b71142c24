package labelfile

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

const (
	predictDir   = "predict"
	labelsDir    = "labels"
	annotatedDir = "annotated_images"
	thumbsDir    = "thumbnails"
	resultsName  = "prediction_counts.txt"
)

// imageExts lists the extensions treated as input images.
var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true,
	".gif": true, ".tif": true, ".tiff": true,
}

// Workspace maps a working directory of input images to the locations of
// everything derived from them.
type Workspace struct {
	Root string
}

// LabelPath is where the label file of the image named stem lives.
func (w Workspace) LabelPath(stem string) string {
	return filepath.Join(w.Root, predictDir, labelsDir, stem+".txt")
}

// ResultsPath is the location of the persisted result table.
func (w Workspace) ResultsPath() string {
	return filepath.Join(w.Root, predictDir, resultsName)
}

// AnnotatedDir holds the annotated copies of the input images.
func (w Workspace) AnnotatedDir() string {
	return filepath.Join(w.Root, predictDir, annotatedDir)
}

// AnnotatedPath is where the annotated copy of stem is written.
func (w Workspace) AnnotatedPath(stem string) string {
	return filepath.Join(w.AnnotatedDir(), stem+".png")
}

// ThumbnailPath is where the preview of the annotated copy of stem is written.
func (w Workspace) ThumbnailPath(stem string) string {
	return filepath.Join(w.Root, predictDir, thumbsDir, stem+".png")
}

// ImagePath joins an image file name onto the root.
func (w Workspace) ImagePath(name string) string {
	return filepath.Join(w.Root, name)
}

// Images lists the image files directly under Root in lexical order.
// Directories and files with other extensions are left out.
func (w Workspace) Images() ([]string, error) {
	entries, err := os.ReadDir(w.Root)
	if err != nil {
		return nil, errors.Wrapf(err, "list images in %s", w.Root)
	}
	return lo.FilterMap(entries, func(e os.DirEntry, _ int) (string, bool) {
		return e.Name(), !e.IsDir() && IsImage(e.Name())
	}), nil
}

// IsImage reports whether name carries a supported image extension.
func IsImage(name string) bool {
	return imageExts[strings.ToLower(filepath.Ext(name))]
}

// Stem strips the directory and extension from name.
func Stem(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Package engine provides the detector collaborators that produce raw label
// files, and a registry that resolves model names to them.
package engine

import (
	"github.com/pkg/errors"
)

var (
	ErrUnknownModel      = errors.New("unknown model")
	ErrEngineUnavailable = errors.New("detector engine not available in this build")
)

// Engine kinds accepted in a ModelSpec.
const (
	EngineRemote = "remote"
	EngineReplay = "replay"
	EngineOpenCV = "opencv"
)

// Detector states.
const (
	IDLE  = 0x0003
	BUSY  = 0x0004
	ERROR = 0x0005
)

// DefaultInputSize is the square input edge of the bundled YOLO models.
const DefaultInputSize = 640

// ModelSpec declares one named model.
type ModelSpec struct {
	Name   string `yaml:"name" json:"name"`
	Engine string `yaml:"engine" json:"engine"`
	// URL of the inference endpoint for remote engines.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
	// Path is the ONNX file for opencv engines and the directory of
	// precomputed label files for replay engines.
	Path      string `yaml:"path,omitempty" json:"path,omitempty"`
	InputSize int    `yaml:"inputSize,omitempty" json:"inputSize,omitempty"`
	// RenderDir, when set, makes the opencv engine save its own annotated
	// copy of every image there, outlined RenderLineWidth pixels wide.
	RenderDir       string `yaml:"renderDir,omitempty" json:"renderDir,omitempty"`
	RenderLineWidth int    `yaml:"renderLineWidth,omitempty" json:"renderLineWidth,omitempty"`
}

// DefaultModels lists the three bundled YOLO checkpoints.
func DefaultModels() []ModelSpec {
	return []ModelSpec{
		{Name: "sgd", Engine: EngineOpenCV, Path: "models/yolov8_sgd.onnx", InputSize: DefaultInputSize},
		{Name: "adam", Engine: EngineOpenCV, Path: "models/yolov8_adam.onnx", InputSize: DefaultInputSize},
		{Name: "adam_w", Engine: EngineOpenCV, Path: "models/yolov8_adam_w.onnx", InputSize: DefaultInputSize},
	}
}

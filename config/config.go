// Package config loads the service configuration from a YAML file.
package config

import (
	"bytes"
	"io"
	"os"
	"runtime"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"EggDetServer/engine"
	"EggDetServer/logger"
	"EggDetServer/nms"
	"EggDetServer/pipeline"
)

// DefaultClassColor is used for classes without an entry in ClassColors.
const DefaultClassColor = "default"

type Detection struct {
	IoUThreshold  float64 `yaml:"iouThreshold"`
	ClassAgnostic bool    `yaml:"classAgnostic"`
	Confidence    float64 `yaml:"confidence"`
	Classes       []int   `yaml:"classes"`
	MaxDetections int     `yaml:"maxDetections"`
	DefaultModel  string  `yaml:"defaultModel"`
}

type Annotation struct {
	// Skip disables annotation after a detection run.
	Skip          bool              `yaml:"skip"`
	LineWidth     float64           `yaml:"lineWidth"`
	ClassColors   map[string]string `yaml:"classColors"`
	ThumbnailSize int               `yaml:"thumbnailSize"`
}

type Config struct {
	WorkDir     string `yaml:"workDir"`
	WorkersNum  int    `yaml:"workersNum"`
	QueueSize   int    `yaml:"queueSize"`
	HTTPPort    int    `yaml:"httpPort"`
	RPCPort     int    `yaml:"rpcPort"`
	MetricsPort int    `yaml:"metricsPort"`
	NotifyURL   string `yaml:"notifyURL"`

	Detection  Detection          `yaml:"detection"`
	Annotation Annotation         `yaml:"annotation"`
	Models     []engine.ModelSpec `yaml:"models"`
	Log        logger.Options     `yaml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		WorkDir:     "test_images",
		QueueSize:   4,
		HTTPPort:    8080,
		RPCPort:     50051,
		MetricsPort: 50053,
		Detection: Detection{
			IoUThreshold:  nms.DefaultIoUThreshold,
			ClassAgnostic: true,
			Confidence:    0.25,
			Classes:       []int{0, 1},
			MaxDetections: 500,
			DefaultModel:  "sgd",
		},
		Annotation: Annotation{
			LineWidth: pipeline.DefaultLineWidth,
			ClassColors: map[string]string{
				"0":               "#9bff00",
				DefaultClassColor: "#ff00ff",
			},
			ThumbnailSize: 500,
		},
		Models: engine.DefaultModels(),
		Log:    logger.Options{Level: "info", Encoding: "json", MaxSizeMB: 100, MaxBackups: 3},
	}
}

// Load reads path on top of Default. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, cfg.Validate()
	}
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	if err := Decode(bytes.NewReader(data), &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parse %s", path)
	}
	return cfg, cfg.Validate()
}

// Decode overlays YAML from r onto cfg. Unknown keys are rejected.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Workers returns the worker count, one per CPU when unset.
func (c Config) Workers() int {
	if c.WorkersNum <= 0 {
		return runtime.NumCPU()
	}
	return c.WorkersNum
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var err error
	if c.WorkDir == "" {
		err = multierr.Append(err, errors.New("workDir is required"))
	}
	if t := c.Detection.IoUThreshold; t < 0 || t > 1 {
		err = multierr.Append(err, errors.Errorf("detection.iouThreshold %v outside [0,1]", t))
	}
	if t := c.Detection.Confidence; t < 0 || t > 1 {
		err = multierr.Append(err, errors.Errorf("detection.confidence %v outside [0,1]", t))
	}
	if c.Detection.MaxDetections < 0 {
		err = multierr.Append(err, errors.New("detection.maxDetections must not be negative"))
	}
	if c.Annotation.LineWidth < 0 {
		err = multierr.Append(err, errors.New("annotation.lineWidth must not be negative"))
	}
	if c.Annotation.ThumbnailSize < 0 {
		err = multierr.Append(err, errors.New("annotation.thumbnailSize must not be negative"))
	}
	if _, perr := c.Palette(); perr != nil {
		err = multierr.Append(err, perr)
	}

	seen := map[string]bool{}
	for _, m := range c.Models {
		if m.Name == "" {
			err = multierr.Append(err, errors.New("model without name"))
			continue
		}
		if seen[m.Name] {
			err = multierr.Append(err, errors.Errorf("model %q declared twice", m.Name))
		}
		seen[m.Name] = true
	}
	if !seen[c.Detection.DefaultModel] {
		err = multierr.Append(err, errors.Errorf("default model %q is not declared", c.Detection.DefaultModel))
	}
	return err
}

// DetectOptions converts the detection section for the pipeline.
func (c Config) DetectOptions() pipeline.DetectOptions {
	return pipeline.DetectOptions{
		IoUThreshold:  c.Detection.IoUThreshold,
		ClassAgnostic: c.Detection.ClassAgnostic,
		Classes:       append([]int(nil), c.Detection.Classes...),
		Confidence:    c.Detection.Confidence,
		MaxDetections: c.Detection.MaxDetections,
	}
}

// AnnotateOptions converts the annotation section for the pipeline.
func (c Config) AnnotateOptions() (pipeline.AnnotateOptions, error) {
	p, err := c.Palette()
	if err != nil {
		return pipeline.AnnotateOptions{}, err
	}
	return pipeline.AnnotateOptions{
		LineWidth:     c.Annotation.LineWidth,
		Palette:       p,
		ThumbnailSize: c.Annotation.ThumbnailSize,
	}, nil
}

// Palette parses annotation.classColors. Keys are class labels or
// DefaultClassColor.
func (c Config) Palette() (pipeline.Palette, error) {
	classes := map[int]string{}
	def := "#ff00ff"
	for key, hex := range c.Annotation.ClassColors {
		if key == DefaultClassColor {
			def = hex
			continue
		}
		class, err := strconv.Atoi(key)
		if err != nil {
			return pipeline.Palette{}, errors.Errorf("annotation.classColors key %q is not a class label", key)
		}
		classes[class] = hex
	}
	return pipeline.ParsePalette(classes, def)
}

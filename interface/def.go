package iface

import (
	"fmt"
	"strings"

	"EggDetServer/geometry"
)

// Class labels emitted by the egg detector. Any label other than
// ClassFertilized is counted as unfertilized.
const (
	ClassFertilized   = 0
	ClassUnfertilized = 1
)

// Detection is one detector candidate. Box is normalized to the image size.
type Detection struct {
	Class      int                    `json:"class"`
	Box        geometry.CenterSizeBox `json:"box"`
	Confidence float64                `json:"confidence"`
}

// DetectionSet is the ordered detection list of a single image. Raw and
// filtered sets are distinct values; filtering never edits a set in place.
type DetectionSet []Detection

// Counts tallies filtered detections per class.
type Counts struct {
	Fertilized   int `json:"fertilized"`
	Unfertilized int `json:"unfertilized"`
}

// Add increments the counter that label belongs to.
func (c *Counts) Add(label int) {
	if label == ClassFertilized {
		c.Fertilized++
		return
	}
	c.Unfertilized++
}

// Total returns the number of counted detections.
func (c Counts) Total() int {
	return c.Fertilized + c.Unfertilized
}

// ImageResult is the count summary of one processed image.
type ImageResult struct {
	Image  string `json:"image"`
	Counts Counts `json:"counts"`
}

// String renders r in results-file order: name, unfertilized, fertilized.
func (r ImageResult) String() string {
	return fmt.Sprintf("%s %d %d", r.Image, r.Counts.Unfertilized, r.Counts.Fertilized)
}

// ResultTable holds one ImageResult per recorded image in directory order.
type ResultTable []ImageResult

// Totals sums the counts of every row.
func (t ResultTable) Totals() Counts {
	var c Counts
	for _, r := range t {
		c.Fertilized += r.Counts.Fertilized
		c.Unfertilized += r.Counts.Unfertilized
	}
	return c
}

func (t ResultTable) String() string {
	lines := make([]string, len(t))
	for i, r := range t {
		lines[i] = r.String()
	}
	return strings.Join(lines, "\n")
}

// DetectRequest describes a single detector invocation. The detector writes
// its raw detections for ImagePath to LabelPath, or writes nothing when it
// found none.
type DetectRequest struct {
	ImagePath     string
	LabelPath     string
	Classes       []int
	Confidence    float64
	MaxDetections int
}

// Wants reports whether class is one of the requested classes. An empty
// class list accepts every class.
func (r DetectRequest) Wants(class int) bool {
	if len(r.Classes) == 0 {
		return true
	}
	for _, c := range r.Classes {
		if c == class {
			return true
		}
	}
	return false
}

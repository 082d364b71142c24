// Package geometry converts boxes between the corner and center/size encodings
// and measures their overlap.
//
// Detector output uses CenterSizeBox with coordinates normalized to [0,1];
// overlap is always measured in corner space.
package geometry

import (
	"fmt"
	"image"
	"math"
)

// CornerBox is an axis-aligned box given by its top-left (X1,Y1) and
// bottom-right (X2,Y2) corners.
type CornerBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// CenterSizeBox is an axis-aligned box given by its center and extent.
type CenterSizeBox struct {
	CX float64 `json:"cx"`
	CY float64 `json:"cy"`
	W  float64 `json:"w"`
	H  float64 `json:"h"`
}

// ToCorner converts b to corner space.
func (b CenterSizeBox) ToCorner() CornerBox {
	return CornerBox{
		X1: b.CX - b.W/2,
		Y1: b.CY - b.H/2,
		X2: b.CX + b.W/2,
		Y2: b.CY + b.H/2,
	}
}

// Scale multiplies the horizontal components by sx and the vertical ones by sy.
func (b CenterSizeBox) Scale(sx, sy float64) CenterSizeBox {
	return CenterSizeBox{CX: b.CX * sx, CY: b.CY * sy, W: b.W * sx, H: b.H * sy}
}

// Normalized reports whether every component lies in [0,1].
func (b CenterSizeBox) Normalized() bool {
	for _, v := range [...]float64{b.CX, b.CY, b.W, b.H} {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return false
		}
	}
	return true
}

// Finite reports whether no component is NaN or infinite.
func (b CenterSizeBox) Finite() bool {
	for _, v := range [...]float64{b.CX, b.CY, b.W, b.H} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Clip limits the corners of a normalized box to the unit square. A box
// already inside it is returned unchanged.
func (b CenterSizeBox) Clip() CenterSizeBox {
	c := b.ToCorner()
	if c.X1 >= 0 && c.Y1 >= 0 && c.X2 <= 1 && c.Y2 <= 1 {
		return b
	}
	return CornerBox{
		X1: clamp01(c.X1), Y1: clamp01(c.Y1),
		X2: clamp01(c.X2), Y2: clamp01(c.Y2),
	}.ToCenterSize()
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

func (b CenterSizeBox) String() string {
	return fmt.Sprintf("center (%f, %f) size %fx%f", b.CX, b.CY, b.W, b.H)
}

// ToCenterSize converts b to center/size space.
func (b CornerBox) ToCenterSize() CenterSizeBox {
	return CenterSizeBox{
		CX: (b.X1 + b.X2) / 2,
		CY: (b.Y1 + b.Y2) / 2,
		W:  b.X2 - b.X1,
		H:  b.Y2 - b.Y1,
	}
}

// Width of the box, never negative.
func (b CornerBox) Width() float64 {
	return math.Max(0, b.X2-b.X1)
}

// Height of the box, never negative.
func (b CornerBox) Height() float64 {
	return math.Max(0, b.Y2-b.Y1)
}

// Area of the box, zero for degenerate boxes.
func (b CornerBox) Area() float64 {
	return b.Width() * b.Height()
}

// Intersection returns the overlapping area of b and other. Disjoint boxes
// yield 0.
func (b CornerBox) Intersection(other CornerBox) float64 {
	w := math.Min(b.X2, other.X2) - math.Max(b.X1, other.X1)
	h := math.Min(b.Y2, other.Y2) - math.Max(b.Y1, other.Y1)
	return math.Max(0, w) * math.Max(0, h)
}

// Rect rounds b to the nearest integer pixel corners.
func (b CornerBox) Rect() image.Rectangle {
	return image.Rect(
		int(math.Round(b.X1)), int(math.Round(b.Y1)),
		int(math.Round(b.X2)), int(math.Round(b.Y2)),
	).Canon()
}

func (b CornerBox) String() string {
	return fmt.Sprintf("(%f, %f), (%f, %f)", b.X1, b.Y1, b.X2, b.Y2)
}

// IoU returns the intersection over union of a and b. A zero union, which
// only happens for a pair of zero-area boxes, yields 0.
func IoU(a, b CornerBox) float64 {
	inter := a.Intersection(b)
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// PixelRect scales a normalized center/size box to an image of the given
// dimensions and rounds its corners to the nearest pixel.
func PixelRect(b CenterSizeBox, width, height int) image.Rectangle {
	return b.Scale(float64(width), float64(height)).ToCorner().Rect()
}

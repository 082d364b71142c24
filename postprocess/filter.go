// Package postprocess turns one image's raw detector output into a
// deduplicated detection set and its class counts.
package postprocess

import (
	"EggDetServer/geometry"
	iface "EggDetServer/interface"
	"EggDetServer/nms"
)

// Filter suppresses overlapping detections across classes and tallies the
// survivors. Survivors keep their class and confidence and appear in
// descending confidence order. An empty input returns an empty set and zero
// counts.
func Filter(raw iface.DetectionSet, iouThreshold float64) (iface.DetectionSet, iface.Counts) {
	return FilterWith(raw, nms.Config{IoUThreshold: iouThreshold, ClassAgnostic: true})
}

// FilterWith is Filter with an explicit suppression config.
func FilterWith(raw iface.DetectionSet, cfg nms.Config) (iface.DetectionSet, iface.Counts) {
	var counts iface.Counts
	if len(raw) == 0 {
		return iface.DetectionSet{}, counts
	}

	boxes := make([]geometry.CornerBox, len(raw))
	scores := make([]float64, len(raw))
	labels := make([]int, len(raw))
	for i, d := range raw {
		boxes[i] = d.Box.ToCorner()
		scores[i] = d.Confidence
		labels[i] = d.Class
	}

	kept := nms.Suppress(boxes, scores, labels, cfg)
	filtered := make(iface.DetectionSet, kept.Len())
	for i, idx := range kept.Indices {
		filtered[i] = iface.Detection{
			Class:      raw[idx].Class,
			Box:        kept.Boxes[i].ToCenterSize(),
			Confidence: raw[idx].Confidence,
		}
		counts.Add(raw[idx].Class)
	}
	return filtered, counts
}

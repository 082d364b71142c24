package engine

import (
	"sort"

	"EggDetServer/geometry"
	iface "EggDetServer/interface"
	"EggDetServer/nms"
)

// DetectorIoUThreshold is the overlap above which raw anchors of a YOLO head
// are merged before the MaxDetections cap applies.
const DetectorIoUThreshold = 0.7

// Select applies the request's class, confidence and count limits to
// detector output that was already suppressed. Boxes are clipped to the unit
// square and candidates with non-finite or empty boxes are dropped. The
// strongest MaxDetections candidates are kept, in descending confidence
// order.
func Select(req iface.DetectRequest, candidates iface.DetectionSet) iface.DetectionSet {
	return truncate(req, accept(req, candidates))
}

// SelectSuppressed is Select for raw anchors: class-agnostic NMS at iou runs
// on the accepted candidates before the MaxDetections cap, so duplicates of
// one strong object cannot crowd out weaker distinct ones.
func SelectSuppressed(req iface.DetectRequest, raw iface.DetectionSet, iou float64) iface.DetectionSet {
	set := accept(req, raw)
	if len(set) == 0 {
		return set
	}
	boxes := make([]geometry.CornerBox, len(set))
	scores := make([]float64, len(set))
	for i, d := range set {
		boxes[i] = d.Box.ToCorner()
		scores[i] = d.Confidence
	}
	res := nms.Suppress(boxes, scores, nil, nms.Config{IoUThreshold: iou, ClassAgnostic: true})
	kept := make(iface.DetectionSet, len(res.Indices))
	for i, idx := range res.Indices {
		kept[i] = set[idx]
	}
	return truncate(req, kept)
}

// accept filters by class, confidence and box validity and sorts by
// descending confidence, ties in input order.
func accept(req iface.DetectRequest, in iface.DetectionSet) iface.DetectionSet {
	out := make(iface.DetectionSet, 0, len(in))
	for _, d := range in {
		if d.Confidence < req.Confidence || !req.Wants(d.Class) || !d.Box.Finite() {
			continue
		}
		d.Box = d.Box.Clip()
		if d.Box.W <= 0 || d.Box.H <= 0 || !d.Box.Normalized() {
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

func truncate(req iface.DetectRequest, set iface.DetectionSet) iface.DetectionSet {
	if req.MaxDetections > 0 && len(set) > req.MaxDetections {
		return set[:req.MaxDetections]
	}
	return set
}

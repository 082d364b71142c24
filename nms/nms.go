// Package nms implements greedy non-maximum suppression over corner boxes.
package nms

import (
	"sort"

	"EggDetServer/geometry"
)

// DefaultIoUThreshold is the overlap above which a lower-scoring box is dropped.
const DefaultIoUThreshold = 0.5

// Config defines parameters for non-maximum suppression.
type Config struct {
	IoUThreshold  float64 // Overlap threshold for suppression.
	ClassAgnostic bool    // If false, suppress only within the same label.
}

// Result holds the surviving boxes in selection order together with the
// positions they occupied in the input.
type Result struct {
	Boxes   []geometry.CornerBox
	Indices []int
}

// Len returns the number of surviving boxes.
func (r Result) Len() int {
	return len(r.Indices)
}

// Suppress runs greedy NMS over the parallel slices boxes, scores and labels.
//
// Boxes are visited by descending score; equal scores keep their input order.
// Each visited box that has not been suppressed is selected, and every later
// box whose IoU with it exceeds cfg.IoUThreshold is dropped. When
// cfg.ClassAgnostic is false a box is only dropped if it also carries the
// selected box's label. A nil labels slice puts every box in one class.
//
// Only the first min(len(boxes), len(scores)) entries are considered. Empty
// input yields an empty Result.
func Suppress(boxes []geometry.CornerBox, scores []float64, labels []int, cfg Config) Result {
	n := min(len(boxes), len(scores))
	if n == 0 {
		return Result{Boxes: []geometry.CornerBox{}, Indices: []int{}}
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	labelOf := func(i int) int {
		if i < len(labels) {
			return labels[i]
		}
		return 0
	}

	suppressed := make([]bool, n)
	out := Result{
		Boxes:   make([]geometry.CornerBox, 0, n),
		Indices: make([]int, 0, n),
	}
	for pos, idx := range order {
		if suppressed[pos] {
			continue
		}
		anchor := boxes[idx]
		out.Boxes = append(out.Boxes, anchor)
		out.Indices = append(out.Indices, idx)

		for rest := pos + 1; rest < n; rest++ {
			if suppressed[rest] {
				continue
			}
			cand := order[rest]
			if !cfg.ClassAgnostic && labelOf(cand) != labelOf(idx) {
				continue
			}
			if geometry.IoU(anchor, boxes[cand]) > cfg.IoUThreshold {
				suppressed[rest] = true
			}
		}
	}
	return out
}

// Package pipeline holds the two batch jobs run over a working directory:
// detection with post-filtering, and annotation of the filtered results.
//
// Both runners walk the images strictly one after another and report the
// cumulative number of images examined after each one.
package pipeline

// Stage names a batch job kind.
type Stage string

const (
	StageDetect   Stage = "detect"
	StageAnnotate Stage = "annotate"
)

// Per-image results reported to an Observer.
const (
	ResultRecorded  = "recorded"
	ResultAnnotated = "annotated"
	ResultSkipped   = "skipped"
)

// Observer receives per-image statistics. monitor.Metrics implements it.
type Observer interface {
	ObserveImage(stage Stage, result string)
	ObserveDetections(raw, kept int)
}

type nopObserver struct{}

func (nopObserver) ObserveImage(Stage, string) {}
func (nopObserver) ObserveDetections(int, int) {}

func observerOrNop(o Observer) Observer {
	if o == nil {
		return nopObserver{}
	}
	return o
}

package iface

import "context"

// Detector is the external model. Implementations are not required to be
// reentrant; callers serialize access.
type Detector interface {
	Detect(ctx context.Context, req DetectRequest) error
	Name() string
	Close() error
}

// ProgressSink receives the cumulative number of images a job has examined.
type ProgressSink interface {
	Progress(count int)
}

// ProgressFunc adapts a plain function to ProgressSink.
type ProgressFunc func(count int)

func (f ProgressFunc) Progress(count int) {
	if f != nil {
		f(count)
	}
}

// Outcome is the terminal signal of a background task: exactly one of
// Payload or Err is meaningful.
type Outcome struct {
	Payload any
	Err     error
}

// Success reports whether the task completed without error.
func (o Outcome) Success() bool {
	return o.Err == nil
}

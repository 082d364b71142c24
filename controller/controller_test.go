package controller

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"EggDetServer/geometry"
	iface "EggDetServer/interface"
	"EggDetServer/labelfile"
	"EggDetServer/pipeline"
	"EggDetServer/taskpool"
)

type stubDetector struct {
	labels  map[string]iface.DetectionSet
	err     error
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (d *stubDetector) Detect(ctx context.Context, req iface.DetectRequest) error {
	if d.started != nil {
		d.once.Do(func() { close(d.started) })
	}
	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if d.err != nil {
		return d.err
	}
	set := d.labels[labelfile.Stem(req.ImagePath)]
	if len(set) == 0 {
		return nil
	}
	return labelfile.Write(req.LabelPath, set)
}

func (d *stubDetector) Name() string { return "stub" }
func (d *stubDetector) Close() error { return nil }

type stubModels struct {
	det iface.Detector
}

func (m stubModels) Get(name string) (iface.Detector, string, error) {
	if name == "missing" {
		return nil, "", errors.New("no such model")
	}
	if name == "" {
		name = "sgd"
	}
	return m.det, name, nil
}

type jobRecord struct {
	stage   pipeline.Stage
	outcome string
}

type stubMetrics struct {
	mu     sync.Mutex
	jobs   []jobRecord
	images int
}

func (m *stubMetrics) ObserveImage(pipeline.Stage, string) {
	m.mu.Lock()
	m.images++
	m.mu.Unlock()
}

func (m *stubMetrics) ObserveDetections(int, int) {}

func (m *stubMetrics) ObserveJob(stage pipeline.Stage, outcome string, _ time.Duration) {
	m.mu.Lock()
	m.jobs = append(m.jobs, jobRecord{stage, outcome})
	m.mu.Unlock()
}

func (m *stubMetrics) snapshot() []jobRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]jobRecord{}, m.jobs...)
}

type chanNotifier chan Event

func (n chanNotifier) Notify(_ context.Context, ev Event) error {
	n <- ev
	return nil
}

func newWorkspace(t *testing.T, names ...string) labelfile.Workspace {
	t.Helper()
	root := t.TempDir()
	for _, n := range names {
		img := image.NewNRGBA(image.Rect(0, 0, 40, 40))
		require.NoError(t, imaging.Save(img, filepath.Join(root, n)))
	}
	return labelfile.Workspace{Root: root}
}

func newController(t *testing.T, ws labelfile.Workspace, det iface.Detector, opts ...Option) *Controller {
	t.Helper()
	pool := taskpool.New(2, 4, zaptest.NewLogger(t))
	t.Cleanup(pool.Close)
	return New(pool, stubModels{det: det}, Options{
		Workspace: ws,
		Detect:    pipeline.DefaultDetectOptions(),
		Annotate:  pipeline.DefaultAnnotateOptions(),
	}, zaptest.NewLogger(t), opts...)
}

func waitIdle(t *testing.T, c *Controller) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := c.Wait(ctx)
	require.NoError(t, err)
	return s
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func box(class int, cx, cy float64, conf float64) iface.Detection {
	return iface.Detection{Class: class, Box: geometry.CenterSizeBox{CX: cx, CY: cy, W: 0.2, H: 0.2}, Confidence: conf}
}

func TestDetectThenAnnotate(t *testing.T) {
	ws := newWorkspace(t, "a.png", "b.png")
	det := &stubDetector{labels: map[string]iface.DetectionSet{
		"a": {box(0, 0.3, 0.3, 0.9), box(1, 0.31, 0.31, 0.5), box(1, 0.7, 0.7, 0.8)},
	}}
	metrics := &stubMetrics{}
	notes := make(chanNotifier, 4)
	c := newController(t, ws, det, WithMetrics(metrics), WithNotifier(notes))
	events, unsubscribe := c.Subscribe(64)
	defer unsubscribe()

	id, err := c.Start("sgd")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	s := waitIdle(t, c)
	assert.Equal(t, StateIdle, s.State)
	assert.Empty(t, s.LastError)

	want := iface.ResultTable{{Image: "a", Counts: iface.Counts{Fertilized: 1, Unfertilized: 1}}}
	assert.Equal(t, want, c.Results())

	got := drain(events)
	kinds := make([]string, len(got))
	for i, ev := range got {
		kinds[i] = string(ev.Stage) + ":" + string(ev.Kind)
	}
	assert.Equal(t, []string{
		"detect:started", "detect:progress", "detect:progress", "detect:result",
		"annotate:started", "annotate:progress", "annotate:progress", "annotate:result",
	}, kinds)

	assert.Equal(t, id, got[0].Job)
	assert.Equal(t, 2, got[0].Total)
	assert.Equal(t, 50.0, got[1].Percent)
	assert.Equal(t, 100.0, got[2].Percent)
	assert.Equal(t, want, got[3].Results)
	assert.Equal(t, StateAnnotating, got[3].State)
	assert.Equal(t, "sgd", got[4].Model)
	assert.Equal(t, 1, got[7].Images)
	assert.Equal(t, StateIdle, got[7].State)

	_, err = os.Stat(ws.AnnotatedPath("a"))
	assert.NoError(t, err)

	assert.Equal(t, []jobRecord{
		{pipeline.StageDetect, OutcomeSuccess},
		{pipeline.StageAnnotate, OutcomeSuccess},
	}, metrics.snapshot())

	for i := 0; i < 2; i++ {
		select {
		case ev := <-notes:
			assert.Equal(t, EventResult, ev.Kind)
		case <-time.After(5 * time.Second):
			t.Fatal("notification missing")
		}
	}
}

func TestBusy(t *testing.T) {
	ws := newWorkspace(t, "a.png")
	det := &stubDetector{started: make(chan struct{}), release: make(chan struct{})}
	c := newController(t, ws, det)

	_, err := c.Start("")
	require.NoError(t, err)
	<-det.started

	assert.True(t, c.Busy())
	s := c.State()
	assert.Equal(t, StateDetecting, s.State)
	assert.Equal(t, pipeline.StageDetect, s.Stage)
	assert.Equal(t, 1, s.Total)

	_, err = c.Start("sgd")
	assert.ErrorIs(t, err, ErrBusy)
	_, err = c.StartAnnotation()
	assert.ErrorIs(t, err, ErrBusy)

	close(det.release)
	waitIdle(t, c)
	assert.False(t, c.Busy())

	_, err = c.StartAnnotation()
	require.NoError(t, err)
	waitIdle(t, c)
}

func TestCancel(t *testing.T) {
	ws := newWorkspace(t, "a.png", "b.png")
	det := &stubDetector{started: make(chan struct{}), release: make(chan struct{})}
	metrics := &stubMetrics{}
	c := newController(t, ws, det, WithMetrics(metrics))

	assert.ErrorIs(t, c.Cancel(), ErrNoJob)

	_, err := c.Start("sgd")
	require.NoError(t, err)
	<-det.started
	require.NoError(t, c.Cancel())

	s := waitIdle(t, c)
	assert.Contains(t, s.LastError, "canceled")
	assert.Equal(t, []jobRecord{{pipeline.StageDetect, OutcomeCancelled}}, metrics.snapshot())

	_, err = os.Stat(ws.AnnotatedDir())
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestDetectionFailure(t *testing.T) {
	ws := newWorkspace(t, "a.png")
	require.NoError(t, labelfile.WriteResults(ws.ResultsPath(), iface.ResultTable{{Image: "old"}}))
	det := &stubDetector{err: errors.New("cuda out of memory")}
	notes := make(chanNotifier, 1)
	c := newController(t, ws, det, WithNotifier(notes))
	events, unsubscribe := c.Subscribe(16)
	defer unsubscribe()

	_, err := c.Start("sgd")
	require.NoError(t, err)
	s := waitIdle(t, c)
	assert.Contains(t, s.LastError, "cuda out of memory")

	got := drain(events)
	require.Len(t, got, 2)
	assert.Equal(t, EventError, got[1].Kind)
	assert.True(t, got[1].Terminal())
	assert.Equal(t, pipeline.StageDetect, got[1].Stage)

	select {
	case ev := <-notes:
		assert.Equal(t, EventError, ev.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("notification missing")
	}

	require.NoError(t, c.LoadResults())
	assert.Equal(t, iface.ResultTable{{Image: "old"}}, c.Results())
}

func TestSkipAnnotation(t *testing.T) {
	ws := newWorkspace(t, "a.png")
	det := &stubDetector{labels: map[string]iface.DetectionSet{"a": {box(0, 0.5, 0.5, 0.9)}}}
	pool := taskpool.New(1, 1, zaptest.NewLogger(t))
	defer pool.Close()
	c := New(pool, stubModels{det: det}, Options{
		Workspace:      ws,
		Detect:         pipeline.DefaultDetectOptions(),
		SkipAnnotation: true,
	}, nil)

	_, err := c.Start("sgd")
	require.NoError(t, err)
	waitIdle(t, c)
	assert.Len(t, c.Results(), 1)
	_, err = os.Stat(ws.AnnotatedDir())
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestUnknownModel(t *testing.T) {
	c := newController(t, newWorkspace(t), &stubDetector{})
	_, err := c.Start("missing")
	assert.Error(t, err)
	assert.False(t, c.Busy())
}

func TestLoadResultsMissing(t *testing.T) {
	c := newController(t, newWorkspace(t), &stubDetector{})
	err := c.LoadResults()
	assert.True(t, errors.Is(err, labelfile.ErrNotExist))
	assert.Empty(t, c.Results())
}

func TestSubscribe(t *testing.T) {
	var h hub
	ch, stop := h.subscribe(1)
	h.publish(Event{Kind: EventStarted})
	h.publish(Event{Kind: EventProgress})
	assert.Equal(t, EventStarted, (<-ch).Kind)
	stop()
	stop()
	_, ok := <-ch
	assert.False(t, ok)
	h.publish(Event{Kind: EventProgress})
}

// Package controller owns the job lifecycle of a working directory: it keeps
// at most one detection or annotation job active, chains annotation after a
// successful detection and fans job events out to subscribers.
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	iface "EggDetServer/interface"
	"EggDetServer/labelfile"
	"EggDetServer/pipeline"
	"EggDetServer/taskpool"
)

var (
	ErrBusy  = errors.New("a job is already running")
	ErrNoJob = errors.New("no job is running")
)

// State is the controller's activity.
type State string

const (
	StateIdle       State = "idle"
	StateDetecting  State = "detecting"
	StateAnnotating State = "annotating"
)

// Job outcomes reported to Metrics.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeCancelled = "cancelled"
)

// Detectors resolves a model name to a detector. Unknown names resolve to
// the default model; the returned string is the name actually used.
type Detectors interface {
	Get(name string) (iface.Detector, string, error)
}

// Metrics records per-image and per-job statistics.
type Metrics interface {
	pipeline.Observer
	ObserveJob(stage pipeline.Stage, outcome string, elapsed time.Duration)
}

// Notifier is told about every finished job.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Options configure the jobs a Controller runs.
type Options struct {
	Workspace labelfile.Workspace
	Detect    pipeline.DetectOptions
	Annotate  pipeline.AnnotateOptions
	// SkipAnnotation disables the automatic annotation run after a
	// successful detection.
	SkipAnnotation bool
	NotifyTimeout  time.Duration
}

// Option customizes a Controller.
type Option func(*Controller)

// WithMetrics records job statistics in m.
func WithMetrics(m Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithNotifier reports finished jobs to n.
func WithNotifier(n Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

type job struct {
	handle  *taskpool.Handle
	stage   pipeline.Stage
	model   string
	total   int
	started time.Time
}

// Controller serializes jobs over one working directory.
type Controller struct {
	pool     *taskpool.Pool
	models   Detectors
	opts     Options
	metrics  Metrics
	notifier Notifier
	log      *zap.Logger

	mu        sync.Mutex
	state     State
	current   *job
	processed int
	lastErr   string
	results   iface.ResultTable
	idle      chan struct{}

	hub hub
}

// New returns an idle Controller that submits its jobs to pool.
func New(pool *taskpool.Pool, models Detectors, opts Options, log *zap.Logger, options ...Option) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 10 * time.Second
	}
	idle := make(chan struct{})
	close(idle)
	c := &Controller{
		pool:    pool,
		models:  models,
		opts:    opts,
		log:     log,
		state:   StateIdle,
		results: iface.ResultTable{},
		idle:    idle,
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Workspace returns the working directory the controller operates on.
func (c *Controller) Workspace() labelfile.Workspace {
	return c.opts.Workspace
}

// Start submits a detection job using the named model and returns its ID.
// It fails with ErrBusy while another job is active.
func (c *Controller) Start(model string) (string, error) {
	det, name, err := c.models.Get(model)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return "", ErrBusy
	}
	return c.submitLocked(pipeline.StageDetect, name, c.detectTask(det))
}

// StartAnnotation submits an annotation job over the current label files.
func (c *Controller) StartAnnotation() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return "", ErrBusy
	}
	return c.submitLocked(pipeline.StageAnnotate, "", c.annotateTask())
}

// Cancel stops the active job. The job ends with a failure event.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ErrNoJob
	}
	c.log.Info("cancelling job", zap.String("id", c.current.handle.ID), zap.String("stage", string(c.current.stage)))
	c.current.handle.Cancel()
	return nil
}

// Snapshot describes the controller at one point in time.
type Snapshot struct {
	State     State          `json:"state"`
	Job       string         `json:"job,omitempty"`
	Stage     pipeline.Stage `json:"stage,omitempty"`
	Model     string         `json:"model,omitempty"`
	Processed int            `json:"processed"`
	Total     int            `json:"total"`
	LastError string         `json:"lastError,omitempty"`
}

// State returns a snapshot of the current activity.
func (c *Controller) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{State: c.state, Processed: c.processed, LastError: c.lastErr}
	if c.current != nil {
		s.Job = c.current.handle.ID
		s.Stage = c.current.stage
		s.Model = c.current.model
		s.Total = c.current.total
	}
	return s
}

// Busy reports whether a job is active.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != StateIdle
}

// Results returns a copy of the last recorded result table.
func (c *Controller) Results() iface.ResultTable {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append(iface.ResultTable{}, c.results...)
}

// LoadResults replaces the in-memory table with the persisted results file.
func (c *Controller) LoadResults() error {
	table, err := labelfile.ReadResults(c.opts.Workspace.ResultsPath())
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.results = table
	c.mu.Unlock()
	c.log.Info("results loaded", zap.Int("images", len(table)))
	return nil
}

// Wait blocks until no job is active, including a chained annotation, and
// returns the final snapshot.
func (c *Controller) Wait(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()
	select {
	case <-idle:
		return c.State(), nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Subscribe returns a channel receiving every subsequent event and a
// function that ends the subscription. Events are dropped for a subscriber
// whose buffer is full.
func (c *Controller) Subscribe(buffer int) (<-chan Event, func()) {
	return c.hub.subscribe(buffer)
}

func (c *Controller) detectTask(det iface.Detector) taskpool.TaskFunc {
	r := &pipeline.DetectRunner{
		Workspace: c.opts.Workspace,
		Detector:  det,
		Options:   c.opts.Detect,
		Observer:  c.observer(),
		Log:       c.log.Named("pipeline.detect"),
	}
	return func(ctx context.Context, sink iface.ProgressSink) (any, error) {
		return r.Run(ctx, sink)
	}
}

func (c *Controller) annotateTask() taskpool.TaskFunc {
	r := &pipeline.AnnotateRunner{
		Workspace: c.opts.Workspace,
		Options:   c.opts.Annotate,
		Observer:  c.observer(),
		Log:       c.log.Named("pipeline.annotate"),
	}
	return func(ctx context.Context, sink iface.ProgressSink) (any, error) {
		return r.Run(ctx, sink)
	}
}

func (c *Controller) observer() pipeline.Observer {
	if c.metrics == nil {
		return nil
	}
	return c.metrics
}

func (c *Controller) submitLocked(stage pipeline.Stage, model string, task taskpool.TaskFunc) (string, error) {
	total := 0
	if images, err := c.opts.Workspace.Images(); err == nil {
		total = len(images)
	}
	j := &job{stage: stage, model: model, total: total, started: time.Now()}
	h, err := c.pool.Submit(string(stage), task, taskpool.Callbacks{
		OnProgress: func(n int) { c.onProgress(j, n) },
		OnResult:   func(v any) { c.onResult(j, v) },
		OnError:    func(err error) { c.onError(j, err) },
	})
	if err != nil {
		return "", errors.Wrapf(err, "submit %s job", stage)
	}
	j.handle = h

	if c.state == StateIdle {
		c.idle = make(chan struct{})
	}
	c.current = j
	c.state = stateOf(stage)
	c.processed = 0
	c.lastErr = ""

	c.log.Info("job started",
		zap.String("id", h.ID),
		zap.String("stage", string(stage)),
		zap.String("model", model),
		zap.Int("images", total))
	c.hub.publish(c.eventLocked(j, EventStarted))
	return h.ID, nil
}

func (c *Controller) onProgress(j *job, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processed = n
	ev := c.eventLocked(j, EventProgress)
	ev.Count = n
	ev.Percent = percent(n, j.total)
	c.hub.publish(ev)
}

func (c *Controller) onResult(j *job, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elapsed := time.Since(j.started)
	if c.metrics != nil {
		c.metrics.ObserveJob(j.stage, OutcomeSuccess, elapsed)
	}

	ev := c.eventLocked(j, EventResult)
	ev.Count = c.processed
	ev.Percent = percent(c.processed, j.total)
	switch v := payload.(type) {
	case iface.ResultTable:
		c.results = v
		ev.Results = append(iface.ResultTable{}, v...)
		ev.Images = len(v)
	case int:
		ev.Images = v
	}
	c.log.Info("job finished",
		zap.String("id", j.handle.ID),
		zap.String("stage", string(j.stage)),
		zap.Int("images", ev.Images),
		zap.Duration("elapsed", elapsed))

	if j.stage == pipeline.StageDetect && !c.opts.SkipAnnotation {
		ev.State = StateAnnotating
		c.hub.publish(ev)
		c.notify(ev)
		if _, err := c.submitLocked(pipeline.StageAnnotate, j.model, c.annotateTask()); err != nil {
			c.log.Error("annotation not started", zap.Error(err))
			c.finishLocked(err.Error())
			ev = c.eventLocked(j, EventError)
			ev.Stage = pipeline.StageAnnotate
			ev.Error = err.Error()
			c.hub.publish(ev)
		}
		return
	}

	c.finishLocked("")
	ev.State = StateIdle
	c.hub.publish(ev)
	c.notify(ev)
}

func (c *Controller) onError(j *job, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elapsed := time.Since(j.started)
	outcome := OutcomeFailure
	if errors.Is(err, context.Canceled) {
		outcome = OutcomeCancelled
	}
	if c.metrics != nil {
		c.metrics.ObserveJob(j.stage, outcome, elapsed)
	}
	c.log.Error("job failed",
		zap.String("id", j.handle.ID),
		zap.String("stage", string(j.stage)),
		zap.String("outcome", outcome),
		zap.Duration("elapsed", elapsed),
		zap.Error(err))

	c.finishLocked(err.Error())
	ev := c.eventLocked(j, EventError)
	ev.Count = c.processed
	ev.Percent = percent(c.processed, j.total)
	ev.Error = err.Error()
	c.hub.publish(ev)
	c.notify(ev)
}

func (c *Controller) finishLocked(lastErr string) {
	c.state = StateIdle
	c.current = nil
	c.lastErr = lastErr
	close(c.idle)
}

func (c *Controller) eventLocked(j *job, kind EventKind) Event {
	return Event{
		Job:   j.handle.ID,
		Stage: j.stage,
		Model: j.model,
		Kind:  kind,
		Total: j.total,
		State: c.state,
		Time:  time.Now(),
	}
}

func (c *Controller) notify(ev Event) {
	if c.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.NotifyTimeout)
		defer cancel()
		if err := c.notifier.Notify(ctx, ev); err != nil {
			c.log.Warn("job notification failed", zap.String("id", ev.Job), zap.Error(err))
		}
	}()
}

func stateOf(stage pipeline.Stage) State {
	if stage == pipeline.StageAnnotate {
		return StateAnnotating
	}
	return StateDetecting
}

func percent(n, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(n) * 100 / float64(total)
}

// Package taskpool runs long jobs on a bounded set of worker goroutines and
// reports their progress and outcome through callbacks.
//
// Every submitted task gets its own dispatcher goroutine that invokes the
// callbacks one at a time, in order: progress counts never decrease, exactly
// one of OnResult or OnError ends the sequence, and nothing is delivered
// after it. Slow callbacks never stall a worker.
package taskpool

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	iface "EggDetServer/interface"
)

var (
	ErrClosed    = errors.New("task pool closed")
	ErrQueueFull = errors.New("task queue full")
)

// DefaultQueueSize is used when New is given a non-positive queue size.
const DefaultQueueSize = 16

// TaskFunc is a unit of background work. It should return promptly once ctx
// is done and report cumulative progress through sink.
type TaskFunc func(ctx context.Context, sink iface.ProgressSink) (any, error)

// Callbacks receive the events of one task. Any of them may be nil.
type Callbacks struct {
	OnProgress func(count int)
	OnResult   func(payload any)
	OnError    func(err error)
}

// PanicError is the failure reported for a task that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

type jobPackage struct {
	handle *Handle
	task   TaskFunc
	box    *mailbox
}

// Pool is a fixed set of workers fed from a bounded queue.
type Pool struct {
	jobQueue chan jobPackage
	log      *zap.Logger
	size     int

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New starts size workers, or one per CPU when size is not positive.
func New(size, queueSize int, log *zap.Logger) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{
		jobQueue: make(chan jobPackage, queueSize),
		log:      log,
		size:     size,
	}
	p.startWorkers()
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

func (p *Pool) startWorkers() {
	p.wg.Add(p.size)
	for i := 0; i < p.size; i++ {
		go p.runWorker(i)
	}
}

func (p *Pool) runWorker(workerID int) {
	defer p.wg.Done()
	// cgo 检测器有线程相关状态，worker 固定在一个 OS 线程上
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	p.log.Debug("worker started", zap.Int("worker", workerID))
	for job := range p.jobQueue {
		p.execute(workerID, job)
	}
	p.log.Debug("worker stopped", zap.Int("worker", workerID))
}

func (p *Pool) execute(workerID int, job jobPackage) {
	h := job.handle
	defer h.cancel()

	var out iface.Outcome
	func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("task panicked",
					zap.Int("worker", workerID),
					zap.String("task", h.Name),
					zap.String("id", h.ID),
					zap.Any("panic", r))
				out = iface.Outcome{Err: &PanicError{Value: r, Stack: debug.Stack()}}
			}
		}()
		if err := h.ctx.Err(); err != nil {
			out = iface.Outcome{Err: err}
			return
		}
		p.log.Debug("task running", zap.Int("worker", workerID), zap.String("task", h.Name), zap.String("id", h.ID))
		payload, err := job.task(h.ctx, job.box)
		out = iface.Outcome{Payload: payload, Err: err}
	}()
	job.box.finish(out)
}

// Submit queues task without blocking and returns its handle. It fails with
// ErrQueueFull when every queue slot is taken and with ErrClosed after Close.
func (p *Pool) Submit(name string, task TaskFunc, cb Callbacks) (*Handle, error) {
	if task == nil {
		return nil, errors.New("nil task")
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		ID:     uuid.New().String(),
		Name:   name,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	box := newMailbox()
	job := jobPackage{handle: h, task: task, box: box}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		cancel()
		return nil, ErrClosed
	}
	select {
	case p.jobQueue <- job:
	default:
		cancel()
		return nil, ErrQueueFull
	}
	go box.dispatch(h, cb, p.log)
	return h, nil
}

// Close stops accepting tasks and waits until every queued and running task
// has finished. Calling it more than once is safe.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobQueue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Handle tracks one submitted task.
type Handle struct {
	ID   string
	Name string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	outcome iface.Outcome
}

// Cancel asks the task to stop. A task still waiting in the queue fails
// with context.Canceled without running.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed once the terminal callback has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Outcome returns the terminal outcome. It is only meaningful after Done is
// closed.
func (h *Handle) Outcome() iface.Outcome {
	select {
	case <-h.done:
		return h.outcome
	default:
		return iface.Outcome{}
	}
}

// Wait blocks until the task has finished or ctx is done.
func (h *Handle) Wait(ctx context.Context) (iface.Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, nil
	case <-ctx.Done():
		return iface.Outcome{}, ctx.Err()
	}
}

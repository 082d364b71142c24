package taskpool

import (
	"sync"

	"go.uber.org/zap"

	iface "EggDetServer/interface"
)

type event struct {
	count    int
	terminal bool
	outcome  iface.Outcome
}

// mailbox buffers the events of one task between the worker that produces
// them and the dispatcher goroutine that delivers them.
type mailbox struct {
	mu       sync.Mutex
	pending  []event
	last     int
	finished bool
	wake     chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

// Progress implements iface.ProgressSink. Counts lower than the last one
// and calls after the task finished are dropped.
func (m *mailbox) Progress(count int) {
	m.mu.Lock()
	if m.finished || count < m.last {
		m.mu.Unlock()
		return
	}
	m.last = count
	m.pending = append(m.pending, event{count: count})
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) finish(out iface.Outcome) {
	m.mu.Lock()
	if m.finished {
		m.mu.Unlock()
		return
	}
	m.finished = true
	m.pending = append(m.pending, event{terminal: true, outcome: out})
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() []event {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := m.pending
	m.pending = nil
	return batch
}

func (m *mailbox) dispatch(h *Handle, cb Callbacks, log *zap.Logger) {
	for range m.wake {
		for _, ev := range m.take() {
			if !ev.terminal {
				if cb.OnProgress != nil {
					safeCall(log, h, "progress", func() { cb.OnProgress(ev.count) })
				}
				continue
			}
			h.outcome = ev.outcome
			if ev.outcome.Err != nil {
				if cb.OnError != nil {
					safeCall(log, h, "error", func() { cb.OnError(ev.outcome.Err) })
				}
			} else if cb.OnResult != nil {
				safeCall(log, h, "result", func() { cb.OnResult(ev.outcome.Payload) })
			}
			close(h.done)
			return
		}
	}
}

func safeCall(log *zap.Logger, h *Handle, kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("callback panicked",
				zap.String("task", h.Name),
				zap.String("id", h.ID),
				zap.String("callback", kind),
				zap.Any("panic", r))
		}
	}()
	fn()
}

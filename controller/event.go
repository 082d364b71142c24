package controller

import (
	"sync"
	"time"

	iface "EggDetServer/interface"
	"EggDetServer/pipeline"
)

// EventKind distinguishes job events.
type EventKind string

const (
	EventStarted  EventKind = "started"
	EventProgress EventKind = "progress"
	EventResult   EventKind = "result"
	EventError    EventKind = "error"
)

// Event is one step of a job as seen by subscribers. State is the
// controller state right after the event.
type Event struct {
	Job     string            `json:"job"`
	Stage   pipeline.Stage    `json:"stage"`
	Model   string            `json:"model,omitempty"`
	Kind    EventKind         `json:"kind"`
	State   State             `json:"state"`
	Count   int               `json:"count"`
	Total   int               `json:"total"`
	Percent float64           `json:"percent"`
	Images  int               `json:"images,omitempty"`
	Results iface.ResultTable `json:"results,omitempty"`
	Error   string            `json:"error,omitempty"`
	Time    time.Time         `json:"time"`
}

// Terminal reports whether ev ends a job.
func (ev Event) Terminal() bool {
	return ev.Kind == EventResult || ev.Kind == EventError
}

type hub struct {
	mu   sync.RWMutex
	next int
	subs map[int]chan Event
}

func (h *hub) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[int]chan Event)
	}
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *hub) publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

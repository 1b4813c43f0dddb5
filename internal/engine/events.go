package engine

import (
	"sync"

	"github.com/geneflow/geneflow-go/internal/state"
)

// Hub fans status reports out to in-process watchers of a job
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan *state.Report]struct{}
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan *state.Report]struct{})}
}

// Subscribe returns a channel receiving reports for jobID and a function
// that ends the subscription and closes the channel
func (h *Hub) Subscribe(jobID string) (<-chan *state.Report, func()) {
	ch := make(chan *state.Report, 16)
	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[chan *state.Report]struct{})
	}
	h.subs[jobID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[jobID], ch)
			if len(h.subs[jobID]) == 0 {
				delete(h.subs, jobID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers r to every watcher of its job. Slow watchers miss
// reports rather than block the scheduler.
func (h *Hub) Publish(r *state.Report) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[r.Job.ID] {
		select {
		case ch <- r:
		default:
		}
	}
}

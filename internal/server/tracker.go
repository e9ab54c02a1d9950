package server

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/michaelbrown/coderunner/internal/executor"
	"github.com/michaelbrown/coderunner/internal/stream"
)

// ActiveExecution describes one in-flight execution.
type ActiveExecution struct {
	ID        string    `json:"id"`
	Language  string    `json:"language"`
	Transport string    `json:"transport"`
	Remote    string    `json:"remote,omitempty"`
	Message   string    `json:"message,omitempty"` // latest progress message
	StartedAt time.Time `json:"started_at"`
}

// Tracker tracks which executions are running.
type Tracker struct {
	mu     sync.RWMutex
	active map[string]*ActiveExecution
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active: make(map[string]*ActiveExecution),
	}
}

// Add registers an execution.
func (t *Tracker) Add(ae ActiveExecution) {
	if ae.StartedAt.IsZero() {
		ae.StartedAt = time.Now().UTC()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[ae.ID] = &ae
}

// Get returns a copy of an active execution if it exists.
func (t *Tracker) Get(id string) (ActiveExecution, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ae, ok := t.active[id]
	if !ok {
		return ActiveExecution{}, false
	}
	return *ae, true
}

// Update records the latest progress message of an execution.
func (t *Tracker) Update(id, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ae, ok := t.active[id]; ok {
		ae.Message = message
	}
}

// Remove drops a finished execution.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, id)
}

// List returns active executions, oldest first.
func (t *Tracker) List() []ActiveExecution {
	t.mu.RLock()
	out := make([]ActiveExecution, 0, len(t.active))
	for _, ae := range t.active {
		out = append(out, *ae)
	}
	t.mu.RUnlock()

	slices.SortFunc(out, func(a, b ActiveExecution) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return out
}

// Len returns the number of active executions.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.active)
}

// Wait blocks until no execution is active or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for t.Len() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// trackedSink forwards events and mirrors progress into the tracker.
type trackedSink struct {
	executor.Sink
	tracker *Tracker
	id      string
}

func (s trackedSink) Emit(ev stream.Event) error {
	if ev.Kind == stream.KindProgress {
		s.tracker.Update(s.id, ev.Message)
	}
	return s.Sink.Emit(ev)
}

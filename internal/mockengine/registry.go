package mockengine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var errCancelledByClient = errors.New("cancelled via HTTP API")

// RunState tracks one streamed run.
type RunState struct {
	RunID       string
	Broadcaster *Broadcaster
	Cancel      context.CancelCauseFunc
	StartedAt   time.Time

	mu        sync.Mutex
	done      bool
	cancelled bool
	completed bool
}

func (rs *RunState) markCancelled() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if !rs.done {
		rs.cancelled = true
	}
}

func (rs *RunState) finish(completed bool) {
	rs.mu.Lock()
	rs.done = true
	rs.completed = completed
	rs.mu.Unlock()
	rs.Broadcaster.Close()
}

// RunStatus is a point-in-time view of a run.
type RunStatus struct {
	RunID     string
	Done      bool
	Cancelled bool
	Completed bool
	Frames    int
}

func (rs *RunState) Status() RunStatus {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return RunStatus{
		RunID:     rs.RunID,
		Done:      rs.done,
		Cancelled: rs.cancelled,
		Completed: rs.completed,
		Frames:    len(rs.Broadcaster.History()),
	}
}

// RunRegistry tracks every streamed run this server has started.
type RunRegistry struct {
	mu   sync.RWMutex
	runs map[string]*RunState
}

func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: make(map[string]*RunState)}
}

// Register adds a run. It fails if the id is already taken.
func (r *RunRegistry) Register(rs *RunState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[rs.RunID]; exists {
		return fmt.Errorf("run %s already exists", rs.RunID)
	}
	r.runs[rs.RunID] = rs
	return nil
}

func (r *RunRegistry) Get(runID string) (*RunState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.runs[runID]
	return rs, ok
}

// List returns run ids in order.
func (r *RunRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CancelAll cancels every run with the given reason.
func (r *RunRegistry) CancelAll(reason string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rs := range r.runs {
		if rs.Cancel != nil {
			rs.Cancel(errors.New(reason))
		}
	}
}

// Package cancel tracks in-flight Engine sessions and cancels them within a
// bounded latency, closing whatever transport handle the session holds.
package cancel

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/danshapiro/decisiongraph/internal/logging"
)

// ErrCancelled is the context cause of a cancelled session.
var ErrCancelled = errors.New("session cancelled")

// DefaultTarget is the cancellation latency objective.
const DefaultTarget = 150 * time.Millisecond

type Status string

const (
	StatusCancelled Status = "cancelled"
	StatusNotFound  Status = "not_found"
)

type Request struct {
	SessionID string
	// Timestamp marks when the caller asked; latency is measured from it.
	// Zero means "now".
	Timestamp time.Time
	// Timeout bounds how long Cancel waits for the handle to close. Zero
	// uses the manager target.
	Timeout time.Duration
}

type Result struct {
	Status    Status
	SessionID string
	Latency   time.Duration
	// TimedOut is set when the handle was still closing at the deadline.
	// The session is cancelled regardless.
	TimedOut bool
}

// Controller is one registered session.
type Controller struct {
	id      string
	ctx     context.Context
	cancel  context.CancelCauseFunc
	started time.Time

	cancelled atomic.Bool

	mu     sync.Mutex
	handle io.Closer
	closed bool
}

func (c *Controller) ID() string               { return c.id }
func (c *Controller) Context() context.Context { return c.ctx }
func (c *Controller) Done() <-chan struct{}    { return c.ctx.Done() }
func (c *Controller) Cancelled() bool          { return c.cancelled.Load() }
func (c *Controller) StartedAt() time.Time     { return c.started }

// abort flips the flag, cancels the context and closes the handle. Only the
// first call does any work; it reports whether it was the first.
func (c *Controller) abort() (first bool, closeErr error) {
	if !c.cancelled.CompareAndSwap(false, true) {
		return false, nil
	}
	c.cancel(ErrCancelled)
	return true, c.closeHandle()
}

func (c *Controller) closeHandle() error {
	c.mu.Lock()
	h := c.handle
	if c.closed || h == nil {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return h.Close()
}

// attach binds h; if the session was already cancelled h is closed at once.
func (c *Controller) attach(h io.Closer) bool {
	c.mu.Lock()
	if c.cancelled.Load() {
		c.mu.Unlock()
		if h != nil {
			_ = h.Close()
		}
		return false
	}
	c.handle = h
	c.closed = false
	c.mu.Unlock()
	return true
}

type Options struct {
	Target time.Duration
	Logger logging.Logger
}

type Manager struct {
	target time.Duration
	log    logging.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*Controller

	stats stats
}

func NewManager(opts Options) *Manager {
	if opts.Target <= 0 {
		opts.Target = DefaultTarget
	}
	return &Manager{
		target:   opts.Target,
		log:      logging.OrNoOp(opts.Logger),
		now:      time.Now,
		sessions: map[string]*Controller{},
	}
}

func (m *Manager) Target() time.Duration { return m.target }

// StartSession registers id with an optional handle. The returned
// controller's context is derived from ctx and is cancelled by Cancel.
// Registering an id twice replaces (and cancels) the older session.
func (m *Manager) StartSession(ctx context.Context, id string, handle io.Closer) *Controller {
	cctx, cancel := context.WithCancelCause(ctx)
	c := &Controller{id: id, ctx: cctx, cancel: cancel, started: m.now(), handle: handle}

	m.mu.Lock()
	old := m.sessions[id]
	m.sessions[id] = c
	m.mu.Unlock()

	if old != nil {
		m.log.Warn("session %s registered twice; cancelling the older one", id)
		_, _ = old.abort()
	}
	return c
}

// Attach binds a transport opened after registration. It returns false (and
// closes handle) when the session is unknown or already cancelled.
func (m *Manager) Attach(id string, handle io.Closer) bool {
	c, ok := m.Lookup(id)
	if !ok {
		if handle != nil {
			_ = handle.Close()
		}
		return false
	}
	return c.attach(handle)
}

// Finish deregisters a session that ended on its own.
func (m *Manager) Finish(id string) {
	m.mu.Lock()
	c := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if c != nil {
		c.cancel(context.Canceled)
	}
}

func (m *Manager) Lookup(id string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sessions[id]
	return c, ok
}

// Active is the number of registered sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Cancel aborts a session. Unknown ids return not_found without waiting.
// A second cancel of the same live session reports cancelled again and is
// not counted twice.
func (m *Manager) Cancel(req Request) Result {
	start := req.Timestamp
	if start.IsZero() {
		start = m.now()
	}
	c, ok := m.Lookup(req.SessionID)
	if !ok {
		m.stats.notFound.Add(1)
		return Result{Status: StatusNotFound, SessionID: req.SessionID, Latency: m.now().Sub(start)}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.target
	}

	done := make(chan bool, 1)
	go func() {
		first, err := c.abort()
		if err != nil {
			m.log.Debug("session %s: close handle: %v", req.SessionID, err)
		}
		done <- first
	}()

	res := Result{Status: StatusCancelled, SessionID: req.SessionID}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	first := true
	select {
	case first = <-done:
	case <-timer.C:
		res.TimedOut = true
		m.log.Warn("session %s: handle still closing after %s", req.SessionID, timeout)
	}
	res.Latency = m.now().Sub(start)
	if first {
		m.stats.record(res.Latency, m.target)
	}
	return res
}

// Cleanup cancels every registered session concurrently and empties the
// registry. Safe to call repeatedly.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			m.Cancel(Request{SessionID: id})
			m.Finish(id)
			return nil
		})
	}
	return g.Wait()
}

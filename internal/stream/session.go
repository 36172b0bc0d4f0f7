package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"mime"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danshapiro/decisiongraph/internal/cancel"
	"github.com/danshapiro/decisiongraph/internal/contract"
	"github.com/danshapiro/decisiongraph/internal/sse"
	"github.com/danshapiro/decisiongraph/internal/transport"
)

type State string

const (
	StateIdle        State = "idle"
	StateConnecting  State = "connecting"
	StateStarted     State = "started"
	StateProgressing State = "progressing"
	StateInterim     State = "interim"
	StateFallback    State = "fallback"
	StateComplete    State = "complete"
	StateError       State = "error"
	StateCancelled   State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateError || s == StateCancelled
}

// Diagnostics describes how a session went.
type Diagnostics struct {
	SessionID         string
	RunID             string
	ConnectAttempts   int
	FramesReceived    int
	LastEventID       string
	FallbackReason    string
	States            []State
	OpenLatency       time.Duration
	FirstFrameLatency time.Duration
	CancelNotified    bool
	CancelNotifyError string
}

type Session struct {
	t    *Transport
	ctrl *cancel.Controller
	req  Request

	events chan Event

	// observed is set once the reader has seen the cancellation; from then
	// on Next delivers nothing.
	observed atomic.Bool

	mu       sync.Mutex
	state    State
	diag     Diagnostics
	started  time.Time
	lastTick int
	percent  float64
	terminal bool
}

func newSession(t *Transport, ctrl *cancel.Controller, req Request) *Session {
	return &Session{
		t:        t,
		ctrl:     ctrl,
		req:      req,
		events:   make(chan Event, eventBuffer),
		state:    StateIdle,
		diag:     Diagnostics{SessionID: ctrl.ID(), States: []State{StateIdle}},
		started:  time.Now(),
		lastTick: -1,
	}
}

func (s *Session) ID() string { return s.ctrl.ID() }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RunID is the Engine run id, empty until the started frame arrives.
func (s *Session) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.diag.RunID
}

func (s *Session) Diagnostics() Diagnostics {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.diag
	d.States = append([]State(nil), s.diag.States...)
	return d
}

// Next blocks for the next event. It returns false once the session has
// ended; after cancellation is observed nothing more is delivered, even
// events that were already buffered.
func (s *Session) Next() (Event, bool) {
	ev, ok := <-s.events
	if !ok || s.isCancelled() {
		return nil, false
	}
	return ev, true
}

// Wait drains the session and returns its report.
func (s *Session) Wait() (contract.Report, error) {
	for {
		ev, ok := s.Next()
		if !ok {
			return contract.Report{}, s.endErr()
		}
		switch e := ev.(type) {
		case Done:
			return e.Report, nil
		case Error:
			return contract.Report{}, e.Err
		}
	}
}

// Cancel cancels the session through the manager.
func (s *Session) Cancel() cancel.Result {
	return s.t.cancels.Cancel(cancel.Request{SessionID: s.ID(), Timestamp: time.Now()})
}

func (s *Session) isCancelled() bool {
	return s.ctrl.Cancelled() || s.observed.Load()
}

func (s *Session) endErr() error {
	if s.isCancelled() {
		return ErrCancelled
	}
	return contract.NewError(contract.CodeServerError, "stream ended without a result")
}

func (s *Session) transition(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == to || s.state.Terminal() {
		return
	}
	s.state = to
	s.diag.States = append(s.diag.States, to)
}

// ctxDone is true while running when the session was cancelled through the
// manager or the caller's context.
func (s *Session) ctxDone() bool { return s.ctrl.Context().Err() != nil }

func (s *Session) emit(ev Event) bool {
	if s.ctxDone() {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-s.ctrl.Done():
		return false
	}
}

func (s *Session) finishWith(ev Event, state State) {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	s.terminal = true
	s.mu.Unlock()
	if s.emit(ev) {
		s.transition(state)
	}
}

func (s *Session) fail(e *contract.Error) {
	s.t.log.Info("session %s: %s", s.ID(), e)
	s.finishWith(Error{Err: e.Canonical()}, StateError)
}

func (s *Session) complete(rep contract.Report, fallback bool) {
	s.finishWith(Done{Report: rep, Fallback: fallback}, StateComplete)
}

func (s *Session) run() {
	defer close(s.events)
	defer s.t.cancels.Finish(s.ID())

	if s.req.SyncOnly {
		s.handleOutcome(outcome{fallback: "streaming unavailable"})
	} else {
		s.transition(StateConnecting)
		s.handleOutcome(s.stream())
	}

	s.mu.Lock()
	terminal := s.terminal && s.state.Terminal()
	s.mu.Unlock()
	if !terminal && s.ctxDone() {
		s.onCancelled()
	}
}

// outcome is what the streaming attempt left for the session to do.
type outcome struct {
	done     bool
	fallback string
	err      *contract.Error
}

func (s *Session) stream() outcome {
	ctx := s.ctrl.Context()

	req, err := s.t.client.NewRequest(ctx, http.MethodPost, transport.PathStream, s.req.Body)
	if err != nil {
		return outcome{err: contract.AsError(err)}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if s.req.IdempotencyKey != "" {
		req.Header.Set(transport.HeaderIdempotencyKey, s.req.IdempotencyKey)
	}

	s.mu.Lock()
	s.diag.ConnectAttempts++
	s.mu.Unlock()
	openStart := time.Now()
	resp, err := s.t.client.Send(req)
	if err != nil {
		if s.ctxDone() {
			return outcome{}
		}
		return outcome{fallback: fmt.Sprintf("connect failed: %s", contract.AsError(err).Message)}
	}
	defer resp.Body.Close()
	s.mu.Lock()
	s.diag.OpenLatency = time.Since(openStart)
	s.mu.Unlock()

	if resp.StatusCode == http.StatusNotFound {
		return outcome{fallback: "stream endpoint not found (404)"}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e := transport.ErrorFromResponse(resp, time.Now())
		if terminalCode(e.Code) {
			return outcome{err: e}
		}
		return outcome{fallback: fmt.Sprintf("stream open failed (status %d): %s", resp.StatusCode, e.Message)}
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "text/event-stream" {
		return outcome{fallback: fmt.Sprintf("stream answered with %q instead of text/event-stream", mt)}
	}
	if !s.t.cancels.Attach(s.ID(), resp.Body) {
		return outcome{}
	}

	var result outcome
	perr := sse.Parse(ctx, resp.Body, func(ev sse.Event) error {
		o, stop := s.handleFrame(ev)
		if stop {
			result = o
			return sse.ErrStop
		}
		return nil
	})
	switch {
	case s.ctxDone():
		return outcome{}
	case result.done || result.err != nil || result.fallback != "":
		return result
	case perr != nil:
		return outcome{fallback: fmt.Sprintf("stream read failed: %v", perr)}
	default:
		return outcome{fallback: "stream ended before complete"}
	}
}

// handleFrame applies one frame. stop ends parsing with the given outcome.
func (s *Session) handleFrame(ev sse.Event) (outcome, bool) {
	s.mu.Lock()
	s.diag.FramesReceived++
	if ev.ID != "" {
		s.diag.LastEventID = ev.ID
	}
	if s.diag.FramesReceived == 1 {
		s.diag.FirstFrameLatency = time.Since(s.started)
	}
	runID := s.diag.RunID
	s.mu.Unlock()

	if s.ctxDone() {
		return outcome{}, true
	}

	if runID == "" && ev.Event != "started" && ev.Event != "error" {
		return outcome{fallback: fmt.Sprintf("protocol fault: first frame was %q, want started", ev.Event)}, true
	}

	switch ev.Event {
	case "started":
		var f struct {
			RunID string `json:"run_id"`
		}
		if err := json.Unmarshal(ev.Data, &f); err != nil || f.RunID == "" {
			return outcome{fallback: "protocol fault: started frame without run_id"}, true
		}
		if runID != "" {
			return outcome{}, false
		}
		s.mu.Lock()
		s.diag.RunID = f.RunID
		s.mu.Unlock()
		s.transition(StateStarted)
		s.emit(Hello{SessionID: s.ID(), RunID: f.RunID})

	case "progress":
		if tick, ok := s.progress(ev.Data); ok {
			s.transition(StateProgressing)
			s.emit(tick)
		}

	case "interim":
		s.transition(StateInterim)
		s.emit(Interim{Data: json.RawMessage(bytes.Clone(ev.Data))})

	case "complete":
		rep, err := s.t.norm.Normalize(ev.Data, s.req.Seed)
		if err != nil {
			return outcome{err: contract.AsError(err)}, true
		}
		s.finalTick()
		s.complete(rep, false)
		return outcome{done: true}, true

	case "error":
		var p contract.Payload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			p = contract.Payload{Error: string(ev.Data)}
		}
		e := contract.ErrorFromPayload(0, &p, nil)
		if terminalCode(e.Code) {
			return outcome{err: e}, true
		}
		return outcome{fallback: fmt.Sprintf("engine stream error %s: %s", e.Code, e.Message)}, true

	default:
		s.t.log.Debug("session %s: ignoring frame %q", s.ID(), ev.Event)
	}
	return outcome{}, false
}

// progress maps a progress frame onto the tick scale. Percent is capped at
// 99 until completion and neither it nor the tick index moves backwards.
func (s *Session) progress(data []byte) (Tick, bool) {
	var f struct {
		Percent *float64 `json:"percent"`
		Pct     *float64 `json:"pct"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return Tick{}, false
	}
	p := f.Percent
	if p == nil {
		p = f.Pct
	}
	if p == nil || math.IsNaN(*p) {
		return Tick{}, false
	}
	pct := math.Max(0, math.Min(99, *p))

	s.mu.Lock()
	defer s.mu.Unlock()
	if pct < s.percent {
		pct = s.percent
	}
	s.percent = pct
	idx := int(math.Floor(pct * float64(s.t.ticks) / 100))
	if idx <= s.lastTick {
		return Tick{}, false
	}
	s.lastTick = idx
	return Tick{Index: idx, Total: s.t.ticks, Percent: pct}, true
}

// finalTick emits the last tick on completion.
func (s *Session) finalTick() {
	s.mu.Lock()
	if s.lastTick >= s.t.ticks {
		s.mu.Unlock()
		return
	}
	s.lastTick = s.t.ticks
	s.percent = 100
	s.mu.Unlock()
	s.emit(Tick{Index: s.t.ticks, Total: s.t.ticks, Percent: 100})
}

func (s *Session) handleOutcome(o outcome) {
	switch {
	case s.ctxDone():
		return
	case o.done:
		return
	case o.err != nil:
		s.fail(o.err)
	case o.fallback != "":
		s.fallback(o.fallback)
	}
}

// fallback reruns the same body on the sync path.
func (s *Session) fallback(reason string) {
	s.mu.Lock()
	s.diag.FallbackReason = reason
	s.mu.Unlock()
	if s.ctxDone() {
		return
	}
	if s.t.sync == nil {
		s.fail(contract.NewError(contract.CodeServerError, "stream failed and no sync path is configured: %s", reason))
		return
	}
	s.t.log.Warn("session %s: falling back to sync: %s", s.ID(), reason)
	s.transition(StateFallback)

	payload, err := s.t.sync.Run(s.ctrl.Context(), s.req.Body, s.req.IdempotencyKey)
	if s.ctxDone() {
		return
	}
	if err != nil {
		s.fail(contract.AsError(err))
		return
	}
	rep, err := s.t.norm.Normalize(payload, s.req.Seed)
	if err != nil {
		s.fail(contract.AsError(err))
		return
	}
	s.complete(rep, true)
}

func (s *Session) onCancelled() {
	s.observed.Store(true)
	s.mu.Lock()
	s.terminal = true
	s.state = StateCancelled
	s.diag.States = append(s.diag.States, StateCancelled)
	target := s.diag.RunID
	s.mu.Unlock()
	if target == "" {
		target = s.ID()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctrl.Context()), s.t.notifyTimeout)
	defer cancel()
	_, err := s.t.client.Call(ctx, http.MethodPost, transport.CancelPath(target), []byte(`{}`), nil)

	s.mu.Lock()
	s.diag.CancelNotified = err == nil
	if err != nil {
		s.diag.CancelNotifyError = err.Error()
	}
	s.mu.Unlock()
	if err != nil {
		s.t.log.Debug("session %s: cancel notification for %s failed: %v", s.ID(), target, err)
	}
}

func terminalCode(c contract.Code) bool {
	switch c {
	case contract.CodeBadInput, contract.CodeLimitExceeded, contract.CodeUnauthorized, contract.CodeRateLimited:
		return true
	}
	return false
}

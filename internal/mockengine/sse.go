package mockengine

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
)

// Frame is one encoded SSE event. IDs start at 1 and follow send order.
type Frame struct {
	ID    int
	Event string
	Data  json.RawMessage
}

// subscriberSlack is the live-frame headroom beyond the replayed history.
const subscriberSlack = 64

type subscriber struct {
	ch chan Frame
}

// Broadcaster records one run's frames and fans them out. Late subscribers
// receive the whole history before live frames; a subscriber whose buffer
// fills is disconnected.
type Broadcaster struct {
	mu     sync.Mutex
	frames []Frame
	subs   map[*subscriber]struct{}
	closed bool
	ended  chan struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: map[*subscriber]struct{}{}, ended: make(chan struct{})}
}

// Send encodes data and publishes it as the next frame. Frames sent after
// Close are discarded.
func (b *Broadcaster) Send(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", event, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	f := Frame{ID: len(b.frames) + 1, Event: event, Data: raw}
	b.frames = append(b.frames, f)
	for s := range b.subs {
		select {
		case s.ch <- f:
		default:
			b.drop(s)
		}
	}
	return nil
}

// drop requires b.mu.
func (b *Broadcaster) drop(s *subscriber) {
	delete(b.subs, s)
	close(s.ch)
}

// Subscribe returns the frame channel, a channel closed when the run ends
// (not when this subscriber is dropped), and an unsubscribe func.
func (b *Broadcaster) Subscribe() (<-chan Frame, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &subscriber{ch: make(chan Frame, len(b.frames)+subscriberSlack)}
	for _, f := range b.frames {
		s.ch <- f
	}
	if b.closed {
		close(s.ch)
		return s.ch, b.ended, func() {}
	}
	b.subs[s] = struct{}{}
	return s.ch, b.ended, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[s]; ok {
			b.drop(s)
		}
	}
}

// Close ends the run. It is safe to call more than once.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ended)
	for s := range b.subs {
		b.drop(s)
	}
}

func (b *Broadcaster) History() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.frames)
}

// WriteSSE serves a run's frames as an event stream until the run ends or
// the client disconnects.
func WriteSSE(w http.ResponseWriter, r *http.Request, b *Broadcaster) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "streaming not supported")
		return
	}
	frames, _, unsub := b.Subscribe()
	defer unsub()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, ": connected\n\n")
	fl.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if err := writeFrame(w, f); err != nil {
				return
			}
			fl.Flush()
		}
	}
}

func writeFrame(w io.Writer, f Frame) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", f.ID, f.Event, f.Data)
	return err
}

package stream

import (
	"encoding/json"

	"github.com/danshapiro/decisiongraph/internal/contract"
)

// Event is what a Session delivers: Hello, Tick, Interim, then exactly one
// of Done or Error.
type Event interface {
	isEvent()
}

// Hello reports the Engine's run id from the started frame.
type Hello struct {
	SessionID string
	RunID     string
}

// Tick is a progress step. Index never decreases and stays below Total
// until the run completes.
type Tick struct {
	Index   int
	Total   int
	Percent float64
}

// Interim carries an intermediate Engine payload verbatim.
type Interim struct {
	Data json.RawMessage
}

// Done carries the normalized report. Fallback is set when the report came
// from the sync path after the stream failed.
type Done struct {
	Report   contract.Report
	Fallback bool
}

// Error is a terminal failure in the canonical taxonomy.
type Error struct {
	Err *contract.Error
}

func (Hello) isEvent()   {}
func (Tick) isEvent()    {}
func (Interim) isEvent() {}
func (Done) isEvent()    {}
func (Error) isEvent()   {}

// Handlers is the callback form of a session. Nil handlers are skipped.
type Handlers struct {
	OnHello   func(Hello)
	OnTick    func(Tick)
	OnInterim func(Interim)
	OnDone    func(Done)
	OnError   func(Error)
}

// Dispatch drains s into h. It returns nil after Done, the canonical error
// after Error, and ErrCancelled when the session was cancelled first.
func Dispatch(s *Session, h Handlers) error {
	for {
		ev, ok := s.Next()
		if !ok {
			return s.endErr()
		}
		switch e := ev.(type) {
		case Hello:
			if h.OnHello != nil {
				h.OnHello(e)
			}
		case Tick:
			if h.OnTick != nil {
				h.OnTick(e)
			}
		case Interim:
			if h.OnInterim != nil {
				h.OnInterim(e)
			}
		case Done:
			if h.OnDone != nil {
				h.OnDone(e)
			}
			return nil
		case Error:
			if h.OnError != nil {
				h.OnError(e)
			}
			return e.Err
		}
	}
}

// Package stream runs Engine requests over Server-Sent Events with a state
// machine that falls back to the sync path when the stream cannot finish.
package stream

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/decisiongraph/internal/cancel"
	"github.com/danshapiro/decisiongraph/internal/logging"
	"github.com/danshapiro/decisiongraph/internal/normalize"
	"github.com/danshapiro/decisiongraph/internal/transport"
)

// ErrCancelled ends a session that was cancelled before its terminal event.
var ErrCancelled = cancel.ErrCancelled

const (
	DefaultTickCount     = 5
	defaultNotifyTimeout = 2 * time.Second
	eventBuffer          = 16
)

type Options struct {
	// TickCount is the number of progress ticks a run is divided into.
	TickCount int
	// NotifyTimeout bounds the out-of-band cancel notification.
	NotifyTimeout time.Duration
	Logger        logging.Logger
}

// Transport opens streaming sessions. sync may be nil, in which case every
// fallback becomes a terminal SERVER_ERROR.
type Transport struct {
	client  *transport.Client
	sync    *transport.Sync
	norm    *normalize.Normalizer
	cancels *cancel.Manager

	ticks         int
	notifyTimeout time.Duration
	log           logging.Logger
}

func New(c *transport.Client, sync *transport.Sync, norm *normalize.Normalizer, cancels *cancel.Manager, opts Options) *Transport {
	if opts.TickCount <= 0 {
		opts.TickCount = DefaultTickCount
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = defaultNotifyTimeout
	}
	if cancels == nil {
		cancels = cancel.NewManager(cancel.Options{Logger: opts.Logger})
	}
	return &Transport{
		client:        c,
		sync:          sync,
		norm:          norm,
		cancels:       cancels,
		ticks:         opts.TickCount,
		notifyTimeout: opts.NotifyTimeout,
		log:           logging.OrNoOp(opts.Logger),
	}
}

// Request is one streaming run. Body is the encoded wire request and is
// reused verbatim on fallback.
type Request struct {
	Body           []byte
	Seed           int64
	IdempotencyKey string
	// SyncOnly skips the stream and runs the sync path directly, still
	// delivering through the session.
	SyncOnly bool
}

// Start registers a session with the cancel manager and begins streaming in
// the background. Cancelling ctx cancels the session.
func (t *Transport) Start(ctx context.Context, req Request) *Session {
	id := ulid.Make().String()
	ctrl := t.cancels.StartSession(ctx, id, nil)
	s := newSession(t, ctrl, req)
	go s.run()
	return s
}

// Cancels exposes the manager sessions are registered with.
func (t *Transport) Cancels() *cancel.Manager { return t.cancels }

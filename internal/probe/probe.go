// Package probe decides once per process whether the Engine can stream.
package probe

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/danshapiro/decisiongraph/internal/contract"
	"github.com/danshapiro/decisiongraph/internal/logging"
	"github.com/danshapiro/decisiongraph/internal/transport"
)

// Result is the outcome of one capability check. Err is set when the check
// itself failed; StreamingAvailable is then false.
type Result struct {
	StreamingAvailable bool
	Version            contract.Version
	CheckedAt          time.Time
	Err                *contract.Error
}

type Options struct {
	Timeout time.Duration
	// Disabled short-circuits every probe to "not available" without I/O.
	Disabled bool
	Logger   logging.Logger
}

type Prober struct {
	client   *transport.Client
	timeout  time.Duration
	disabled bool
	log      logging.Logger
	now      func() time.Time

	group singleflight.Group

	mu     sync.RWMutex
	cached *Result
}

func New(c *transport.Client, opts Options) *Prober {
	if opts.Timeout <= 0 {
		opts.Timeout = 1500 * time.Millisecond
	}
	return &Prober{
		client:   c,
		timeout:  opts.Timeout,
		disabled: opts.Disabled,
		log:      logging.OrNoOp(opts.Logger),
		now:      time.Now,
	}
}

const flightKey = "version"

// Probe returns the cached result, checking the Engine on first use.
// Concurrent first callers share one request.
func (p *Prober) Probe(ctx context.Context) Result {
	if r, ok := p.Cached(); ok {
		return r
	}
	return p.check(ctx)
}

// Reprobe discards the cached result and checks again.
func (p *Prober) Reprobe(ctx context.Context) Result {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
	p.group.Forget(flightKey)
	return p.check(ctx)
}

// Cached returns the last result without I/O.
func (p *Prober) Cached() (Result, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cached == nil {
		return Result{}, false
	}
	return *p.cached, true
}

func (p *Prober) check(ctx context.Context) Result {
	ch := p.group.DoChan(flightKey, func() (any, error) {
		// Detached so that one caller giving up does not fail the others.
		r := p.fetch(context.WithoutCancel(ctx))
		p.mu.Lock()
		p.cached = &r
		p.mu.Unlock()
		return r, nil
	})
	select {
	case res := <-ch:
		return res.Val.(Result)
	case <-ctx.Done():
		return Result{CheckedAt: p.now(), Err: contract.AsError(ctx.Err())}
	}
}

func (p *Prober) fetch(ctx context.Context) Result {
	if p.disabled {
		return Result{CheckedAt: p.now()}
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var v contract.Version
	if err := p.client.GetJSON(ctx, transport.PathVersion, &v); err != nil {
		e := contract.AsError(err)
		p.log.Info("capability probe failed, streaming disabled: %s", e)
		return Result{CheckedAt: p.now(), Err: e}
	}
	r := Result{StreamingAvailable: SupportsStreaming(v), Version: v, CheckedAt: p.now()}
	p.log.Debug("engine api=%s build=%s streaming=%v", v.API, v.Build, r.StreamingAvailable)
	return r
}

// SupportsStreaming reads the streaming capability from a version document.
// Either a true "streaming"/"sse" capability or a listed feature counts.
func SupportsStreaming(v contract.Version) bool {
	for _, k := range []string{"streaming", "stream", "sse"} {
		if v.Capabilities[k] {
			return true
		}
	}
	for _, f := range v.Features {
		switch strings.ToLower(strings.TrimSpace(f)) {
		case "streaming", "stream", "sse":
			return true
		}
	}
	return false
}

// Package limits fetches the Engine's size caps and records where they came
// from. Substituting built-in defaults is a policy decision, never implicit.
package limits

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/danshapiro/decisiongraph/internal/contract"
	"github.com/danshapiro/decisiongraph/internal/etag"
	"github.com/danshapiro/decisiongraph/internal/logging"
	"github.com/danshapiro/decisiongraph/internal/transport"
)

type Source string

const (
	SourceLive     Source = "live"
	SourceFallback Source = "fallback"
)

// Policy decides what happens when the live fetch fails.
type Policy string

const (
	FallbackDefaults Policy = "fallback"
	FallbackNever    Policy = "never"
)

// ParsePolicy maps the config value onto a Policy. Anything unrecognized is
// FallbackNever.
func ParsePolicy(s string) Policy {
	if Policy(s) == FallbackDefaults {
		return FallbackDefaults
	}
	return FallbackNever
}

// CacheKey is the etag cache key for GET /v1/limits.
const CacheKey = "limits"

// Fetch is the outcome of one limits lookup. When OK is false, Err holds
// the canonical error and Data is zero. Cancelled marks a lookup the caller
// abandoned; the policy is not applied to it.
type Fetch struct {
	OK        bool
	Source    Source
	Data      contract.Limits
	Reason    string
	Err       *contract.Error
	Cancelled bool
	FetchedAt time.Time
}

type Options struct {
	Policy Policy
	// Cache defaults to a private in-memory cache.
	Cache  *etag.Cache
	Logger logging.Logger
	Now    func() time.Time
}

type Fetcher struct {
	client *transport.Client
	policy Policy
	cache  *etag.Cache
	log    logging.Logger
	now    func() time.Time

	group singleflight.Group

	mu   sync.Mutex
	last time.Time
}

func New(c *transport.Client, opts Options) *Fetcher {
	if opts.Policy == "" {
		opts.Policy = FallbackNever
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Cache == nil {
		opts.Cache = etag.Open(context.Background(), nil, etag.Options{Logger: opts.Logger, Now: opts.Now})
	}
	return &Fetcher{
		client: c,
		policy: opts.Policy,
		cache:  opts.Cache,
		log:    logging.OrNoOp(opts.Logger),
		now:    opts.Now,
	}
}

func (f *Fetcher) Policy() Policy { return f.policy }

// Fetch returns live limits when the Engine answers, otherwise applies the
// policy. Concurrent calls share one request.
func (f *Fetcher) Fetch(ctx context.Context) Fetch {
	ch := f.group.DoChan(CacheKey, func() (any, error) {
		return f.fetch(context.WithoutCancel(ctx)), nil
	})
	select {
	case <-ctx.Done():
		return f.abandoned(ctx.Err())
	case r := <-ch:
		return r.Val.(Fetch)
	}
}

func (f *Fetcher) fetch(ctx context.Context) Fetch {
	lim, err := f.live(ctx)
	if err != nil {
		return f.resolve(contract.AsError(err))
	}
	return Fetch{OK: true, Source: SourceLive, Data: lim, FetchedAt: f.stamp()}
}

func (f *Fetcher) live(ctx context.Context) (contract.Limits, error) {
	body, err := f.cache.Revalidate(ctx, CacheKey, f.client.Revalidator(transport.PathLimits))
	if err != nil {
		return contract.Limits{}, err
	}
	var lim contract.Limits
	if err := json.Unmarshal(body, &lim); err != nil {
		f.cache.Invalidate(CacheKey)
		return contract.Limits{}, contract.NewError(contract.CodeServerError, "decode limits: %v", err)
	}
	if lim.MaxNodes <= 0 || lim.MaxEdges <= 0 {
		f.cache.Invalidate(CacheKey)
		return contract.Limits{}, contract.NewError(contract.CodeServerError, "limits response missing max_nodes/max_edges")
	}
	return lim, nil
}

func (f *Fetcher) resolve(e *contract.Error) Fetch {
	e = e.Canonical()
	if f.policy == FallbackDefaults {
		reason := "live limits unavailable: " + e.Message
		f.log.Warn("limits: using built-in defaults (%s)", reason)
		return Fetch{OK: true, Source: SourceFallback, Data: contract.DefaultLimits(), Reason: reason, FetchedAt: f.stamp()}
	}
	return Fetch{OK: false, Err: e, Reason: e.Message, FetchedAt: f.stamp()}
}

func (f *Fetcher) abandoned(cause error) Fetch {
	e := contract.AsError(cause).Canonical()
	return Fetch{OK: false, Err: e, Reason: "limits lookup abandoned: " + cause.Error(), Cancelled: true, FetchedAt: f.stamp()}
}

// stamp returns a time strictly after the previous one handed out.
func (f *Fetcher) stamp() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.now()
	if !t.After(f.last) {
		t = f.last.Add(time.Nanosecond)
	}
	f.last = t
	return t
}

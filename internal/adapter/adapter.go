// Package adapter is the single surface callers use to talk to the Engine.
// Every operation returns a canonical value or a canonical *contract.Error.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/danshapiro/decisiongraph/internal/cancel"
	"github.com/danshapiro/decisiongraph/internal/config"
	"github.com/danshapiro/decisiongraph/internal/contract"
	"github.com/danshapiro/decisiongraph/internal/etag"
	"github.com/danshapiro/decisiongraph/internal/graphmap"
	"github.com/danshapiro/decisiongraph/internal/limits"
	"github.com/danshapiro/decisiongraph/internal/logging"
	"github.com/danshapiro/decisiongraph/internal/normalize"
	"github.com/danshapiro/decisiongraph/internal/probe"
	"github.com/danshapiro/decisiongraph/internal/stream"
	"github.com/danshapiro/decisiongraph/internal/transport"
)

// ErrCancelled is returned when the caller cancelled an operation. It is the
// only non-canonical error the adapter produces.
var ErrCancelled = cancel.ErrCancelled

// RunRequest is one analysis. TemplateID or Graph is required; a Graph
// replaces the template's own graph.
type RunRequest struct {
	TemplateID    string
	Graph         *graphmap.UIGraph
	Seed          int64
	TreatmentNode string
	OutcomeNode   string
	Samples       int
	Baseline      *float64
	Debug         bool
}

type Option func(*Adapter)

func WithLogger(l logging.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(a *Adapter) { a.httpClient = hc }
}

// WithCacheStore overrides the persistence store chosen by cache.backend.
func WithCacheStore(s etag.Store) Option {
	return func(a *Adapter) { a.store = s; a.storeSet = true }
}

func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

type Adapter struct {
	cfg        *config.Config
	log        logging.Logger
	httpClient *http.Client
	now        func() time.Time
	store      etag.Store
	storeSet   bool

	client  *transport.Client
	cache   *etag.Cache
	limits  *limits.Fetcher
	norm    *normalize.Normalizer
	sync    *transport.Sync
	cancels *cancel.Manager
	streams *stream.Transport
	prober  *probe.Prober
}

// New wires the runtime from cfg. cfg is defaulted and validated; an invalid
// config is returned as an error before any I/O.
func New(cfg *config.Config, opts ...Option) (*Adapter, error) {
	if cfg == nil {
		return nil, errors.New("adapter: nil config")
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	a := &Adapter{cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = logging.New("dgraph", logging.ParseLevel(cfg.Logging.Level), nil)
	}
	if !a.storeSet {
		s, err := etag.NewStore(cfg.Cache)
		if err != nil {
			return nil, err
		}
		a.store = s
	}

	copts := []transport.Option{transport.WithLogger(a.log), transport.WithClock(a.now)}
	if a.httpClient != nil {
		copts = append(copts, transport.WithHTTPClient(a.httpClient))
	}
	a.client = transport.NewClient(cfg.Engine.BaseURL, copts...)
	a.cache = etag.Open(context.Background(), a.store, etag.Options{TTL: cfg.CacheTTL(), Logger: a.log, Now: a.now})
	a.limits = limits.New(a.client, limits.Options{
		Policy: limits.ParsePolicy(cfg.LimitsPolicy),
		Cache:  a.cache,
		Logger: a.log,
		Now:    a.now,
	})
	a.norm = normalize.New(normalize.ParsePolicy(cfg.DeterminismPolicy), normalize.WithLogger(a.log), normalize.WithClock(a.now))
	a.sync = transport.NewSync(a.client, transport.SyncOptions{
		Policy:           transport.RetryPolicyFromConfig(cfg),
		Timeout:          cfg.Timeout(),
		PreflightTimeout: cfg.PreflightTimeout(),
	})
	a.cancels = cancel.NewManager(cancel.Options{Target: cfg.CancelTarget(), Logger: a.log})
	a.streams = stream.New(a.client, a.sync, a.norm, a.cancels, stream.Options{TickCount: cfg.Stream.TickCount, Logger: a.log})
	a.prober = probe.New(a.client, probe.Options{Timeout: cfg.ProbeTimeout(), Disabled: !cfg.StreamEnabled(), Logger: a.log})

	a.log.Debug("adapter: engine=%s mode=%s determinism=%s limits=%s cache=%s",
		cfg.Engine.BaseURL, cfg.Mode, a.norm.Policy(), a.limits.Policy(), cfg.Cache.Backend)
	return a, nil
}

func (a *Adapter) Config() *config.Config { return a.cfg }

// prepared is a request ready for the wire.
type prepared struct {
	body []byte
	seed int64
	key  string
}

func (a *Adapter) prepare(ctx context.Context, req RunRequest) (prepared, error) {
	if req.TemplateID == "" && req.Graph == nil {
		return prepared{}, contract.BadInput("template_id", "template_id or graph is required")
	}
	wire := contract.WireRunRequest{
		TemplateID:    req.TemplateID,
		Seed:          req.Seed,
		TreatmentNode: req.TreatmentNode,
		OutcomeNode:   req.OutcomeNode,
		Samples:       req.Samples,
		Baseline:      req.Baseline,
		Debug:         req.Debug,
	}
	if req.Graph != nil {
		g, err := graphmap.ToWireGraph(*req.Graph)
		if err != nil {
			return prepared{}, err
		}
		if err := a.checkLimits(ctx, g); err != nil {
			return prepared{}, err
		}
		wire.Graph = &g
		wire.ClientHash = graphmap.ComputeClientHash(g, req.Seed)
	} else {
		wire.ClientHash = graphmap.ComputeTemplateHash(req.TemplateID, req.Seed)
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return prepared{}, contract.NewError(contract.CodeServerError, "encode run request: %v", err)
	}
	key, err := graphmap.ComputeRequestKey(wire)
	if err != nil {
		return prepared{}, contract.NewError(contract.CodeServerError, "derive idempotency key: %v", err)
	}
	return prepared{body: body, seed: req.Seed, key: key}, nil
}

// checkLimits enforces the caps locally when they are known. Without them the
// Engine's preflight is the only check.
func (a *Adapter) checkLimits(ctx context.Context, g contract.WireGraph) error {
	f := a.limits.Fetch(ctx)
	if !f.OK {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.log.Warn("adapter: limits unknown (%s); deferring to engine preflight", f.Reason)
		return nil
	}
	if e := graphmap.ValidateLimits(g, f.Data); e != nil {
		return e
	}
	return nil
}

// Run executes one analysis over the sync transport.
func (a *Adapter) Run(ctx context.Context, req RunRequest) (contract.Report, error) {
	p, err := a.prepare(ctx, req)
	if err != nil {
		return contract.Report{}, a.fail(ctx, err)
	}
	payload, err := a.sync.Run(ctx, p.body, p.key)
	if err != nil {
		return contract.Report{}, a.fail(ctx, err)
	}
	rep, err := a.norm.Normalize(payload, p.seed)
	if err != nil {
		return contract.Report{}, a.fail(ctx, err)
	}
	return rep, nil
}

// Stream starts a session, streaming when the Engine supports it and running
// sync behind the same session otherwise. Input errors are returned before a
// session exists.
func (a *Adapter) Stream(ctx context.Context, req RunRequest) (*stream.Session, error) {
	p, err := a.prepare(ctx, req)
	if err != nil {
		return nil, a.fail(ctx, err)
	}
	res := a.prober.Probe(ctx)
	if !res.StreamingAvailable {
		a.log.Debug("adapter: streaming unavailable, using sync session")
	}
	return a.streams.Start(ctx, stream.Request{
		Body:           p.body,
		Seed:           p.seed,
		IdempotencyKey: p.key,
		SyncOnly:       !res.StreamingAvailable,
	}), nil
}

// Cancel cancels a live stream session by id.
func (a *Adapter) Cancel(sessionID string) cancel.Result {
	return a.cancels.Cancel(cancel.Request{SessionID: sessionID, Timestamp: a.now()})
}

func (a *Adapter) CancelMetrics() cancel.Metrics { return a.cancels.Metrics() }

// Reprobe discards the cached capability result and checks again.
func (a *Adapter) Reprobe(ctx context.Context) probe.Result { return a.prober.Reprobe(ctx) }

func (a *Adapter) Health(ctx context.Context) (contract.Health, error) {
	var h contract.Health
	if err := a.client.GetJSON(ctx, transport.PathHealth, &h); err != nil {
		return contract.Health{}, a.fail(ctx, err)
	}
	return h, nil
}

func (a *Adapter) Limits(ctx context.Context) limits.Fetch { return a.limits.Fetch(ctx) }

// Close cancels live sessions and releases the cache store.
func (a *Adapter) Close() error {
	ctx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	err := a.cancels.Cleanup(ctx)
	if c, ok := a.store.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}

// fail flattens err to its canonical form, or ErrCancelled when the caller
// gave up.
func (a *Adapter) fail(ctx context.Context, err error) error {
	if errors.Is(err, ErrCancelled) || errors.Is(ctx.Err(), context.Canceled) {
		return ErrCancelled
	}
	e := contract.AsError(err).Canonical()
	a.log.Debug("adapter: %s", e)
	return e
}

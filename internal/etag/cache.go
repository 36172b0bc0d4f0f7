// Package etag caches conditional-GET responses keyed by resource name and
// persists them as a versioned snapshot through a pluggable Store.
package etag

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/danshapiro/decisiongraph/internal/logging"
)

// SnapshotVersion tags the persisted format. A mismatch discards the snapshot.
const SnapshotVersion = 1

const (
	DefaultTTL     = 5 * time.Minute
	persistTimeout = 2 * time.Second
)

// Entry is one cached resource. Entries are replaced whole, never mutated.
type Entry struct {
	ETag      string    `msgpack:"etag"`
	Data      []byte    `msgpack:"data"`
	Timestamp time.Time `msgpack:"ts"`
}

type snapshot struct {
	Version int              `msgpack:"v"`
	Entries map[string]Entry `msgpack:"entries"`
}

// Store persists an opaque snapshot. Load returns (nil, nil) when empty.
type Store interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
	Clear(ctx context.Context) error
}

type Options struct {
	TTL    time.Duration
	Logger logging.Logger
	Now    func() time.Time
}

type Cache struct {
	ttl   time.Duration
	store Store
	log   logging.Logger
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry

	// saveMu orders snapshots so an older one never overwrites a newer one.
	saveMu sync.Mutex
}

// Open builds a cache and rehydrates it from store. A nil store keeps the
// cache in memory only. Unreadable snapshots are cleared, not returned.
func Open(ctx context.Context, store Store, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Cache{
		ttl:     opts.TTL,
		store:   store,
		log:     logging.OrNoOp(opts.Logger),
		now:     opts.Now,
		entries: map[string]Entry{},
	}
	c.rehydrate(ctx)
	return c
}

func (c *Cache) rehydrate(ctx context.Context) {
	if c.store == nil {
		return
	}
	raw, err := c.store.Load(ctx)
	if err != nil {
		c.log.Warn("etag cache: load snapshot: %v", err)
		return
	}
	if len(raw) == 0 {
		return
	}
	entries, err := decodeSnapshot(raw)
	if err != nil {
		c.log.Warn("etag cache: discarding snapshot: %v", err)
		if err := c.store.Clear(ctx); err != nil {
			c.log.Warn("etag cache: clear snapshot: %v", err)
		}
		return
	}
	now := c.now()
	for k, e := range entries {
		if c.fresh(e, now) {
			c.entries[k] = e
		}
	}
	c.log.Debug("etag cache: rehydrated %d of %d entries", len(c.entries), len(entries))
}

func decodeSnapshot(raw []byte) (map[string]Entry, error) {
	var snap snapshot
	if err := msgpack.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("snapshot version %d, want %d", snap.Version, SnapshotVersion)
	}
	return snap.Entries, nil
}

func (c *Cache) fresh(e Entry, now time.Time) bool {
	return now.Sub(e.Timestamp) < c.ttl
}

// Get returns a fresh entry. Expired entries are dropped on the way out.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	if c.fresh(e, c.now()) {
		return e, true
	}

	c.mu.Lock()
	cur, still := c.entries[key]
	expired := still && cur.Timestamp.Equal(e.Timestamp)
	if expired {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	if expired {
		c.persist()
	}
	return Entry{}, false
}

// GetETag returns the validator of a fresh entry, or "".
func (c *Cache) GetETag(key string) string {
	e, ok := c.Get(key)
	if !ok {
		return ""
	}
	return e.ETag
}

// Set replaces the entry for key.
func (c *Cache) Set(key, etag string, data []byte) {
	e := Entry{ETag: etag, Data: append([]byte(nil), data...), Timestamp: c.now()}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	c.persist()
}

// Touch renews a fresh entry after a 304. It reports whether one existed.
func (c *Cache) Touch(key string) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && c.fresh(e, c.now()) {
		c.entries[key] = Entry{ETag: e.ETag, Data: e.Data, Timestamp: c.now()}
	} else {
		ok = false
	}
	c.mu.Unlock()
	if ok {
		c.persist()
	}
	return ok
}

func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	if ok {
		c.persist()
	}
}

// InvalidateMatching drops every key matching the doublestar pattern, e.g.
// "templates/**". It returns the number removed.
func (c *Cache) InvalidateMatching(pattern string) (int, error) {
	if !doublestar.ValidatePattern(pattern) {
		return 0, fmt.Errorf("etag cache: invalid pattern %q", pattern)
	}
	c.mu.Lock()
	n := 0
	for k := range c.entries {
		if ok, _ := doublestar.Match(pattern, k); ok {
			delete(c.entries, k)
			n++
		}
	}
	c.mu.Unlock()
	if n > 0 {
		c.persist()
	}
	return n, nil
}

// Keys lists cached keys in order, fresh or not.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear empties the cache and the persisted snapshot.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.entries = map[string]Entry{}
	c.mu.Unlock()
	if c.store == nil {
		return nil
	}
	return c.store.Clear(ctx)
}

// persist writes the current snapshot. Failures are logged only.
func (c *Cache) persist() {
	if c.store == nil {
		return
	}
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.RLock()
	snap := snapshot{Version: SnapshotVersion, Entries: make(map[string]Entry, len(c.entries))}
	for k, e := range c.entries {
		snap.Entries[k] = e
	}
	c.mu.RUnlock()

	raw, err := msgpack.Marshal(&snap)
	if err != nil {
		c.log.Warn("etag cache: encode snapshot: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.store.Save(ctx, raw); err != nil {
		c.log.Warn("etag cache: save snapshot: %v", err)
	}
}

// Response is the result of one conditional fetch.
type Response struct {
	Body        []byte
	ETag        string
	NotModified bool
}

// FetchFunc performs a conditional GET, sending etag as If-None-Match when
// it is non-empty.
type FetchFunc func(ctx context.Context, etag string) (Response, error)

// Revalidate serves key through fetch. A 304 renews the cached entry; a full
// response replaces it when the server sent a validator.
func (c *Cache) Revalidate(ctx context.Context, key string, fetch FetchFunc) ([]byte, error) {
	prev, have := c.Get(key)
	res, err := fetch(ctx, prev.ETag)
	if err != nil {
		return nil, err
	}
	if res.NotModified {
		if have {
			c.Touch(key)
			return prev.Data, nil
		}
		if res, err = fetch(ctx, ""); err != nil {
			return nil, err
		}
		if res.NotModified {
			return nil, fmt.Errorf("etag cache: %s: 304 without a cached entry", key)
		}
	}
	if res.ETag != "" {
		c.Set(key, res.ETag, res.Body)
	} else if have {
		c.Invalidate(key)
	}
	return res.Body, nil
}

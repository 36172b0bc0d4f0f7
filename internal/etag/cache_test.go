package etag

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/danshapiro/decisiongraph/internal/config"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestCache_SetGetAndLazyExpiry(t *testing.T) {
	clk := newClock()
	c := Open(context.Background(), nil, Options{Now: clk.Now})

	c.Set("limits", `"v1"`, []byte(`{"max_nodes":50}`))
	e, ok := c.Get("limits")
	require.True(t, ok)
	assert.Equal(t, `"v1"`, e.ETag)
	assert.Equal(t, `{"max_nodes":50}`, string(e.Data))
	assert.Equal(t, `"v1"`, c.GetETag("limits"))

	clk.Advance(4*time.Minute + 59*time.Second)
	_, ok = c.Get("limits")
	assert.True(t, ok)

	clk.Advance(time.Second)
	_, ok = c.Get("limits")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry is dropped on read")
	assert.Empty(t, c.GetETag("limits"))
}

func TestCache_TouchRenews(t *testing.T) {
	clk := newClock()
	c := Open(context.Background(), nil, Options{Now: clk.Now})
	c.Set("templates", `"a"`, []byte(`[]`))

	clk.Advance(4 * time.Minute)
	require.True(t, c.Touch("templates"))
	clk.Advance(4 * time.Minute)
	_, ok := c.Get("templates")
	assert.True(t, ok)

	assert.False(t, c.Touch("missing"))
}

func TestCache_EntriesAreCopies(t *testing.T) {
	c := Open(context.Background(), nil, Options{})
	data := []byte("abc")
	c.Set("k", "e", data)
	data[0] = 'X'
	e, _ := c.Get("k")
	assert.Equal(t, "abc", string(e.Data))
}

func TestCache_InvalidateMatching(t *testing.T) {
	c := Open(context.Background(), nil, Options{})
	c.Set("templates", "1", nil)
	c.Set("templates/t1", "1", nil)
	c.Set("templates/t1/graph", "1", nil)
	c.Set("limits", "1", nil)

	n, err := c.InvalidateMatching("templates/**")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"limits", "templates"}, c.Keys())

	_, err = c.InvalidateMatching("[")
	assert.Error(t, err)

	c.Invalidate("limits")
	assert.Equal(t, []string{"templates"}, c.Keys())
}

func TestCache_RehydratesFromStoreAndDropsExpired(t *testing.T) {
	clk := newClock()
	store := NewMemoryStore()
	first := Open(context.Background(), store, Options{Now: clk.Now})
	first.Set("old", "1", []byte("x"))
	clk.Advance(3 * time.Minute)
	first.Set("new", "2", []byte("y"))

	clk.Advance(3 * time.Minute)
	second := Open(context.Background(), store, Options{Now: clk.Now})
	assert.Equal(t, []string{"new"}, second.Keys())
	e, ok := second.Get("new")
	require.True(t, ok)
	assert.Equal(t, "y", string(e.Data))
}

func TestCache_CorruptSnapshotIsCleared(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), []byte("not msgpack at all \xff\xfe")))

	c := Open(context.Background(), store, Options{})
	assert.Equal(t, 0, c.Len())
	raw, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, raw)
}

func TestCache_VersionMismatchIsCleared(t *testing.T) {
	store := NewMemoryStore()
	raw, err := msgpack.Marshal(&snapshot{Version: SnapshotVersion + 1, Entries: map[string]Entry{
		"limits": {ETag: "x", Timestamp: time.Now()},
	}})
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), raw))

	c := Open(context.Background(), store, Options{})
	assert.Equal(t, 0, c.Len())
	left, _ := store.Load(context.Background())
	assert.Empty(t, left)
}

func TestFileStore_RoundTripAndAtomicReplace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "etag.msgpack")
	store := NewFileStore(path)

	raw, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, raw)

	c := Open(context.Background(), store, Options{})
	c.Set("limits", `"v2"`, []byte(`{}`))

	reopened := Open(context.Background(), NewFileStore(path), Options{})
	assert.Equal(t, `"v2"`, reopened.GetETag("limits"))

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches, "no temp files left behind")

	require.NoError(t, reopened.Clear(context.Background()))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, store.Clear(context.Background()))
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	store, err := NewSQLiteStore(SQLiteOptions{Path: filepath.Join(t.TempDir(), "cache.db")})
	require.NoError(t, err)
	defer store.Close()

	raw, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, raw)

	c := Open(context.Background(), store, Options{})
	c.Set("templates", `"t"`, []byte(`{"templates":[]}`))
	c.Set("templates", `"t2"`, []byte(`{"templates":[{"id":"a"}]}`))

	reopened := Open(context.Background(), store, Options{})
	e, ok := reopened.Get("templates")
	require.True(t, ok)
	assert.Equal(t, `"t2"`, e.ETag)

	require.NoError(t, store.Clear(context.Background()))
	raw, err = store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestRedisStore_RoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	store := NewRedisStore(RedisOptions{Addr: mr.Addr(), Key: "test:etag"})
	defer store.Close()

	c := Open(context.Background(), store, Options{})
	c.Set("limits", `"r1"`, []byte(`{"max_nodes":10}`))
	assert.True(t, mr.Exists("test:etag"))

	reopened := Open(context.Background(), store, Options{})
	assert.Equal(t, `"r1"`, reopened.GetETag("limits"))

	require.NoError(t, reopened.Clear(context.Background()))
	assert.False(t, mr.Exists("test:etag"))
}

func TestRedisStore_LoadFailureIsNotFatal(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	store := NewRedisStore(RedisOptions{Addr: mr.Addr()})
	defer store.Close()
	mr.Close()

	c := Open(context.Background(), store, Options{})
	c.Set("limits", "x", nil)
	assert.Equal(t, "x", c.GetETag("limits"))
}

func TestNewStore_FromConfig(t *testing.T) {
	s, err := NewStore(config.CacheConfig{Backend: config.CacheMemory})
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = NewStore(config.CacheConfig{Backend: config.CacheFile, Path: filepath.Join(t.TempDir(), "c")})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = NewStore(config.CacheConfig{Backend: "etcd"})
	assert.Error(t, err)
}

func TestCache_Revalidate(t *testing.T) {
	ctx := context.Background()
	c := Open(ctx, nil, Options{})

	var sent []string
	notModified := false
	fetch := func(_ context.Context, tag string) (Response, error) {
		sent = append(sent, tag)
		if tag != "" && notModified {
			return Response{NotModified: true}, nil
		}
		return Response{Body: []byte("v1"), ETag: `"a"`}, nil
	}

	body, err := c.Revalidate(ctx, "templates", fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(body))

	notModified = true
	body, err = c.Revalidate(ctx, "templates", fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(body))
	assert.Equal(t, []string{"", `"a"`}, sent)
}

func TestCache_RevalidateStray304Refetches(t *testing.T) {
	ctx := context.Background()
	c := Open(ctx, nil, Options{})

	calls := 0
	_, err := c.Revalidate(ctx, "k", func(context.Context, string) (Response, error) {
		calls++
		return Response{NotModified: true}, nil
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/decisiongraph/internal/contract"
	"github.com/danshapiro/decisiongraph/internal/transport"
)

func versionServer(t *testing.T, status int, body string, delay time.Duration) (*transport.Client, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != transport.PathVersion {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		time.Sleep(delay)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return transport.NewClient(srv.URL), &calls
}

func TestProbe_CachedForProcessLifetime(t *testing.T) {
	c, calls := versionServer(t, 200, `{"api":"v1","capabilities":{"streaming":true}}`, 0)
	p := New(c, Options{})

	r := p.Probe(context.Background())
	assert.True(t, r.StreamingAvailable)
	assert.Nil(t, r.Err)
	assert.Equal(t, "v1", r.Version.API)

	_ = p.Probe(context.Background())
	assert.Equal(t, int32(1), calls.Load())

	_ = p.Reprobe(context.Background())
	assert.Equal(t, int32(2), calls.Load())
}

func TestProbe_ConcurrentFirstCallsShareOneRequest(t *testing.T) {
	c, calls := versionServer(t, 200, `{"features":["sse"]}`, 30*time.Millisecond)
	p := New(c, Options{})

	var wg sync.WaitGroup
	results := make([]Result, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.Probe(context.Background())
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.True(t, r.StreamingAvailable)
	}
}

func TestProbe_FailureMeansUnavailable(t *testing.T) {
	c, _ := versionServer(t, 503, `{"error":"down"}`, 0)
	p := New(c, Options{})
	r := p.Probe(context.Background())
	assert.False(t, r.StreamingAvailable)
	require.NotNil(t, r.Err)
	assert.Equal(t, contract.CodeServerError, r.Err.Code)
}

func TestProbe_TimeoutMeansUnavailable(t *testing.T) {
	c, _ := versionServer(t, 200, `{"capabilities":{"streaming":true}}`, 200*time.Millisecond)
	p := New(c, Options{Timeout: 20 * time.Millisecond})
	r := p.Probe(context.Background())
	assert.False(t, r.StreamingAvailable)
	require.NotNil(t, r.Err)
	assert.Equal(t, contract.CodeTimeout, r.Err.Code)
}

func TestProbe_DisabledSkipsNetwork(t *testing.T) {
	c, calls := versionServer(t, 200, `{"capabilities":{"streaming":true}}`, 0)
	p := New(c, Options{Disabled: true})
	r := p.Probe(context.Background())
	assert.False(t, r.StreamingAvailable)
	assert.Nil(t, r.Err)
	assert.Equal(t, int32(0), calls.Load())
}

func TestSupportsStreaming(t *testing.T) {
	assert.False(t, SupportsStreaming(contract.Version{}))
	assert.False(t, SupportsStreaming(contract.Version{Capabilities: map[string]bool{"streaming": false}}))
	assert.True(t, SupportsStreaming(contract.Version{Capabilities: map[string]bool{"sse": true}}))
	assert.True(t, SupportsStreaming(contract.Version{Features: []string{" Streaming "}}))
}

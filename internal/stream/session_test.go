package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/decisiongraph/internal/cancel"
	"github.com/danshapiro/decisiongraph/internal/config"
	"github.com/danshapiro/decisiongraph/internal/contract"
	"github.com/danshapiro/decisiongraph/internal/normalize"
	"github.com/danshapiro/decisiongraph/internal/transport"
)

const completePayload = `{"result":{"summary":{"conservative":38,"likely":42.5,"optimistic":48,"units":"units"},"confidence":0.85,"response_hash":"sha256:abc"},"execution_ms":450}`

type fakeEngine struct {
	stream func(w http.ResponseWriter, r *http.Request)

	streamCalls atomic.Int32
	runCalls    atomic.Int32
	cancelPaths chan string

	mu      sync.Mutex
	runBody string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{cancelPaths: make(chan string, 4)}
}

func (f *fakeEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == transport.PathStream:
		f.streamCalls.Add(1)
		f.stream(w, r)
	case r.URL.Path == transport.PathValidate:
		_, _ = w.Write([]byte(`{"valid":true}`))
	case r.URL.Path == transport.PathRun:
		f.runCalls.Add(1)
		f.mu.Lock()
		f.runBody = readAll(r)
		f.mu.Unlock()
		_, _ = w.Write([]byte(completePayload))
	case strings.HasSuffix(r.URL.Path, "/cancel"):
		f.cancelPaths <- r.URL.Path
		_, _ = w.Write([]byte(`{"cancelled":true}`))
	default:
		http.NotFound(w, r)
	}
}

func readAll(r *http.Request) string {
	b, _ := io.ReadAll(r.Body)
	return string(b)
}

func sseWriter(w http.ResponseWriter) func(event, data string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	fl := w.(http.Flusher)
	fl.Flush()
	return func(event, data string) {
		_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		fl.Flush()
	}
}

func setup(t *testing.T, fe *fakeEngine) (*Transport, *cancel.Manager) {
	t.Helper()
	srv := httptest.NewServer(fe)
	t.Cleanup(srv.Close)
	client := transport.NewClient(srv.URL)
	policy := transport.RetryPolicy{MaxRetries: 2, Backoff: config.NewBackoff(1, 2, 2)}
	syncT := transport.NewSync(client, transport.SyncOptions{Policy: policy, SkipPreflight: true})
	mgr := cancel.NewManager(cancel.Options{})
	return New(client, syncT, normalize.New(normalize.PolicyStrict), mgr, Options{TickCount: 5}), mgr
}

func collect(t *testing.T, s *Session) []Event {
	t.Helper()
	var out []Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			ev, ok := s.Next()
			if !ok {
				return
			}
			out = append(out, ev)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not end")
	}
	return out
}

func TestStream_HappyPath(t *testing.T) {
	fe := newFakeEngine()
	fe.stream = func(w http.ResponseWriter, r *http.Request) {
		send := sseWriter(w)
		send("started", `{"run_id":"run-1"}`)
		send("progress", `{"percent":10}`)
		send("progress", `{"percent":45}`)
		send("progress", `{"percent":30}`)
		send("interim", `{"partial":true}`)
		send("progress", `{"percent":100}`)
		send("complete", completePayload)
	}
	tr, mgr := setup(t, fe)

	s := tr.Start(context.Background(), Request{Body: []byte(`{"template_id":"t","seed":42}`), Seed: 42})
	evs := collect(t, s)

	require.NotEmpty(t, evs)
	hello, ok := evs[0].(Hello)
	require.True(t, ok, "first event %T", evs[0])
	assert.Equal(t, "run-1", hello.RunID)

	var ticks []int
	var terminals int
	var done Done
	for _, ev := range evs {
		switch e := ev.(type) {
		case Tick:
			ticks = append(ticks, e.Index)
			if e.Index < 5 {
				assert.LessOrEqual(t, e.Percent, 99.0)
			}
		case Done:
			terminals++
			done = e
		case Error:
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
	assert.Equal(t, []int{0, 2, 4, 5}, ticks)
	assert.False(t, done.Fallback)
	assert.Equal(t, 42.5, done.Report.Results.Likely)
	assert.Equal(t, contract.LevelHigh, done.Report.Confidence.Level)
	assert.Equal(t, int64(450), done.Report.Meta.ElapsedMS)
	assert.IsType(t, Done{}, evs[len(evs)-1])

	assert.Equal(t, StateComplete, s.State())
	d := s.Diagnostics()
	assert.Equal(t, "run-1", d.RunID)
	assert.Equal(t, 7, d.FramesReceived)
	assert.Empty(t, d.FallbackReason)
	assert.Contains(t, d.States, StateStarted)
	assert.Equal(t, int32(0), fe.runCalls.Load())
	assert.Eventually(t, func() bool { return mgr.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStream_FallbackOnHTTPStatus(t *testing.T) {
	for _, status := range []int{404, 500, 502, 503} {
		t.Run(fmt.Sprint(status), func(t *testing.T) {
			fe := newFakeEngine()
			fe.stream = func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			}
			tr, _ := setup(t, fe)
			body := `{"template_id":"t","seed":42}`
			s := tr.Start(context.Background(), Request{Body: []byte(body), Seed: 42})
			rep, err := s.Wait()
			require.NoError(t, err)
			assert.Equal(t, 38.0, rep.Results.Conservative)
			assert.Equal(t, int32(1), fe.runCalls.Load())
			fe.mu.Lock()
			assert.Equal(t, body, fe.runBody)
			fe.mu.Unlock()
			assert.NotEmpty(t, s.Diagnostics().FallbackReason)
		})
	}
}

func TestStream_BadInputNeverFallsBack(t *testing.T) {
	fe := newFakeEngine()
	fe.stream = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"BAD_INPUT","error":"graph has a cycle"}`))
	}
	tr, _ := setup(t, fe)
	_, err := tr.Start(context.Background(), Request{Body: []byte(`{}`)}).Wait()
	require.Error(t, err)
	assert.True(t, contract.IsCode(err, contract.CodeBadInput))
	assert.Equal(t, int32(0), fe.runCalls.Load())
}

func TestStream_ErrorFrameClassification(t *testing.T) {
	cases := []struct {
		frame        string
		wantFallback bool
		wantCode     contract.Code
	}{
		{`{"code":"BAD_INPUT","error":"bad"}`, false, contract.CodeBadInput},
		{`{"code":"LIMIT_EXCEEDED","error":"big","fields":{"field":"nodes","max":50}}`, false, contract.CodeLimitExceeded},
		{`{"code":"SERVER_ERROR","error":"oops"}`, true, ""},
		{`{"code":"TIMEOUT","error":"slow"}`, true, ""},
	}
	for _, tc := range cases {
		t.Run(tc.frame, func(t *testing.T) {
			fe := newFakeEngine()
			fe.stream = func(w http.ResponseWriter, r *http.Request) {
				send := sseWriter(w)
				send("started", `{"run_id":"r"}`)
				send("error", tc.frame)
			}
			tr, _ := setup(t, fe)
			rep, err := tr.Start(context.Background(), Request{Body: []byte(`{}`)}).Wait()
			if tc.wantFallback {
				require.NoError(t, err)
				assert.NotEmpty(t, rep.ModelCard.ResponseHash)
				assert.Equal(t, int32(1), fe.runCalls.Load())
				return
			}
			require.Error(t, err)
			assert.True(t, contract.IsCode(err, tc.wantCode), "got %v", err)
			assert.Equal(t, int32(0), fe.runCalls.Load())
		})
	}
}

func TestStream_PrematureEOFFallsBack(t *testing.T) {
	fe := newFakeEngine()
	fe.stream = func(w http.ResponseWriter, r *http.Request) {
		send := sseWriter(w)
		send("started", `{"run_id":"r"}`)
		send("progress", `{"percent":50}`)
	}
	tr, _ := setup(t, fe)
	evs := collect(t, tr.Start(context.Background(), Request{Body: []byte(`{}`)}))
	last, ok := evs[len(evs)-1].(Done)
	require.True(t, ok, "last event %T", evs[len(evs)-1])
	assert.True(t, last.Fallback)
	assert.Equal(t, int32(1), fe.runCalls.Load())
}

func TestStream_ProtocolFaultWithoutStartedFallsBack(t *testing.T) {
	fe := newFakeEngine()
	fe.stream = func(w http.ResponseWriter, r *http.Request) {
		send := sseWriter(w)
		send("progress", `{"percent":50}`)
	}
	tr, _ := setup(t, fe)
	s := tr.Start(context.Background(), Request{Body: []byte(`{}`)})
	_, err := s.Wait()
	require.NoError(t, err)
	assert.Contains(t, s.Diagnostics().FallbackReason, "protocol fault")
}

func TestStream_NormalizationFailureIsTerminal(t *testing.T) {
	fe := newFakeEngine()
	fe.stream = func(w http.ResponseWriter, r *http.Request) {
		send := sseWriter(w)
		send("started", `{"run_id":"r"}`)
		send("complete", `{"result":{"summary":{"likely":1}}}`)
	}
	tr, _ := setup(t, fe)
	_, err := tr.Start(context.Background(), Request{Body: []byte(`{}`)}).Wait()
	require.Error(t, err)
	assert.True(t, contract.IsCode(err, contract.CodeServerError))
	assert.Contains(t, err.Error(), "determinism")
	assert.Equal(t, int32(0), fe.runCalls.Load())
}

func TestStream_CancelMidStream(t *testing.T) {
	release := make(chan struct{})
	fe := newFakeEngine()
	fe.stream = func(w http.ResponseWriter, r *http.Request) {
		send := sseWriter(w)
		send("started", `{"run_id":"run-77"}`)
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		send("complete", completePayload)
	}
	tr, mgr := setup(t, fe)
	s := tr.Start(context.Background(), Request{Body: []byte(`{}`)})

	ev, ok := s.Next()
	require.True(t, ok)
	require.IsType(t, Hello{}, ev)

	res := s.Cancel()
	close(release)
	assert.Equal(t, cancel.StatusCancelled, res.Status)
	assert.LessOrEqual(t, res.Latency, cancel.DefaultTarget)

	_, ok = s.Next()
	assert.False(t, ok, "no event may follow cancellation")
	_, err := s.Wait()
	assert.True(t, errors.Is(err, ErrCancelled))

	select {
	case path := <-fe.cancelPaths:
		assert.Equal(t, transport.CancelPath("run-77"), path)
	case <-time.After(2 * time.Second):
		t.Fatalf("no out-of-band cancel")
	}
	assert.Equal(t, int32(0), fe.runCalls.Load())
	assert.Eventually(t, func() bool { return s.State() == StateCancelled }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return mgr.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStream_CancelledBeforeFallbackSkipsSync(t *testing.T) {
	gate := make(chan struct{})
	fe := newFakeEngine()
	fe.stream = func(w http.ResponseWriter, r *http.Request) {
		<-gate
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	tr, _ := setup(t, fe)
	ctx, cancelCtx := context.WithCancel(context.Background())
	s := tr.Start(ctx, Request{Body: []byte(`{}`)})
	require.Eventually(t, func() bool { return fe.streamCalls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancelCtx()
	close(gate)

	_, err := s.Wait()
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.Equal(t, int32(0), fe.runCalls.Load())

	select {
	case path := <-fe.cancelPaths:
		assert.Equal(t, transport.CancelPath(s.ID()), path, "session id stands in when no started frame arrived")
	case <-time.After(2 * time.Second):
		t.Fatalf("no out-of-band cancel")
	}
}

func TestDispatch_CallbackStyle(t *testing.T) {
	fe := newFakeEngine()
	fe.stream = func(w http.ResponseWriter, r *http.Request) {
		send := sseWriter(w)
		send("started", `{"run_id":"r"}`)
		send("progress", `{"percent":60}`)
		send("complete", completePayload)
	}
	tr, _ := setup(t, fe)

	var hellos, ticks, dones int
	err := Dispatch(tr.Start(context.Background(), Request{Body: []byte(`{}`)}), Handlers{
		OnHello: func(Hello) { hellos++ },
		OnTick:  func(Tick) { ticks++ },
		OnDone:  func(Done) { dones++ },
		OnError: func(e Error) { t.Errorf("unexpected error %v", e.Err) },
	})
	require.NoError(t, err)
	assert.Equal(t, 1, hellos)
	assert.Equal(t, 2, ticks)
	assert.Equal(t, 1, dones)
}

func TestStream_SyncOnlySkipsStreamEndpoint(t *testing.T) {
	fe := newFakeEngine()
	fe.stream = func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("stream endpoint must not be called")
	}
	tr, _ := setup(t, fe)

	s := tr.Start(context.Background(), Request{Body: []byte(`{"template_id":"t","seed":42}`), Seed: 42, SyncOnly: true})
	evs := collect(t, s)

	require.Len(t, evs, 1)
	done, ok := evs[0].(Done)
	require.True(t, ok, "event %T", evs[0])
	assert.True(t, done.Fallback)
	assert.Equal(t, 42.5, done.Report.Results.Likely)
	assert.EqualValues(t, 0, fe.streamCalls.Load())
	assert.EqualValues(t, 1, fe.runCalls.Load())
	assert.Equal(t, "streaming unavailable", s.Diagnostics().FallbackReason)
}

// Package mockengine is an in-process fake of the analysis Engine. It speaks
// the same /v1 wire contract as the real service and exposes knobs for
// response shape, injected failures and stream faults.
package mockengine

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/danshapiro/decisiongraph/internal/contract"
	"github.com/danshapiro/decisiongraph/internal/logging"
)

// Config holds server configuration.
type Config struct {
	Addr   string // listen address, e.g. ":8787"
	Build  string // reported by /v1/health and /v1/version
	Logger logging.Logger
	Knobs  *Knobs
}

// Server is the fake Engine HTTP server.
type Server struct {
	config    Config
	registry  *RunRegistry
	templates *templateStore
	shares    *shareStore
	baseCtx   context.Context
	cancel    context.CancelFunc
	httpSrv   *http.Server
	handler   http.Handler
	log       logging.Logger
	started   time.Time

	mu       sync.Mutex
	knobs    Knobs
	calls    map[string]int
	cancels  []string
	requests []contract.WireRunRequest
}

func New(cfg Config) *Server {
	if cfg.Build == "" {
		cfg.Build = "mock-1.2.0"
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    cfg,
		registry:  NewRunRegistry(),
		templates: newTemplateStore(),
		shares:    newShareStore(),
		baseCtx:   ctx,
		cancel:    cancel,
		log:       logging.OrNoOp(cfg.Logger),
		started:   time.Now(),
		knobs:     DefaultKnobs(),
		calls:     map[string]int{},
	}
	if cfg.Knobs != nil {
		s.knobs = *cfg.Knobs
	}

	mux := http.NewServeMux()
	s.route(mux, "GET /v1/health", s.handleHealth)
	s.route(mux, "GET /v1/version", s.handleVersion)
	s.route(mux, "GET /v1/limits", s.handleLimits)
	s.route(mux, "POST /v1/validate", s.handleValidate)
	s.route(mux, "POST /v1/run", s.handleRun)
	s.route(mux, "POST /v1/stream", s.handleStream)
	s.route(mux, "GET /v1/run/{id}/events", s.handleRunEvents)
	s.route(mux, "POST /v1/run/{id}/cancel", s.handleCancel)
	s.route(mux, "GET /v1/templates", s.handleTemplates)
	s.route(mux, "GET /v1/templates/{id}", s.handleTemplate)
	s.route(mux, "GET /v1/templates/{id}/graph", s.handleTemplateGraph)
	s.route(mux, "POST /v1/share", s.handleShare)
	s.route(mux, "GET /v1/share/{id}", s.handleGetShare)
	s.handler = s.logRequests(mux)

	s.httpSrv = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

// Handler exposes the routes for httptest.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[pattern]++
		s.mu.Unlock()
		h(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.Debug("%s %s request_id=%s", r.Method, r.URL.Path, r.Header.Get("X-Request-ID"))
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			s.log.Info("received %s, shutting down...", sig)
			s.Shutdown()
		case <-s.baseCtx.Done():
		}
	}()

	s.log.Info("mock engine listening on %s", s.config.Addr)
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown cancels every live run and stops the listener.
func (s *Server) Shutdown() {
	s.registry.CancelAll("engine shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	s.cancel()
}

// Update mutates the knobs under the server lock.
func (s *Server) Update(fn func(k *Knobs)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.knobs)
}

func (s *Server) snapshot() Knobs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.knobs
}

// takeRunFailure consumes one injected /v1/run failure, if any remain.
func (s *Server) takeRunFailure() (Failure, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.knobs.RunFailures < 0:
		return s.knobs.Failure, true
	case s.knobs.RunFailures > 0:
		s.knobs.RunFailures--
		return s.knobs.Failure, true
	}
	return Failure{}, false
}

// Calls reports how many requests hit a route pattern, e.g. "POST /v1/run".
func (s *Server) Calls(pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[pattern]
}

// CancelRequests lists the run ids named by POST /v1/run/{id}/cancel, in order.
func (s *Server) CancelRequests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cancels...)
}

// Requests lists decoded run, stream and validate bodies in arrival order.
func (s *Server) Requests() []contract.WireRunRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]contract.WireRunRequest(nil), s.requests...)
}

func (s *Server) Runs() *RunRegistry { return s.registry }

func (s *Server) recordRequest(req contract.WireRunRequest) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
}

func (s *Server) recordCancel(id string) {
	s.mu.Lock()
	s.cancels = append(s.cancels, id)
	s.mu.Unlock()
}

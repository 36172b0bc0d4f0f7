// Package transport is the HTTP side of the Engine client: request building,
// error classification, backoff, and the sync run path with retry.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/danshapiro/decisiongraph/internal/contract"
	"github.com/danshapiro/decisiongraph/internal/etag"
	"github.com/danshapiro/decisiongraph/internal/logging"
)

// Wire paths, relative to the proxy base.
const (
	PathHealth    = "/v1/health"
	PathLimits    = "/v1/limits"
	PathValidate  = "/v1/validate"
	PathRun       = "/v1/run"
	PathStream    = "/v1/stream"
	PathTemplates = "/v1/templates"
	PathShare     = "/v1/share"
	PathVersion   = "/v1/version"
)

// CancelPath returns the out-of-band cancel path for a run.
func CancelPath(runID string) string { return PathRun + "/" + escape(runID) + "/cancel" }

// TemplatePath returns the path of one template; suffix may be "" or "/graph".
func TemplatePath(id, suffix string) string { return PathTemplates + "/" + escape(id) + suffix }

// SharePath returns the path of a stored share.
func SharePath(id string) string { return PathShare + "/" + escape(id) }

func escape(s string) string {
	return strings.NewReplacer("/", "%2F", "?", "%3F", "#", "%23", " ", "%20").Replace(strings.TrimSpace(s))
}

const (
	HeaderRequestID      = "X-Request-ID"
	HeaderIdempotencyKey = "Idempotency-Key"

	maxErrorBody = 64 << 10
)

// Client issues requests against one Engine base URL.
type Client struct {
	baseURL string
	http    *http.Client
	log     logging.Logger
	now     func() time.Time
	newID   func() string
}

type Option func(*Client)

// WithHTTPClient replaces the default http.Client. Streaming requires a client
// without a global Timeout; per-call deadlines come from the context.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(l logging.Logger) Option {
	return func(c *Client) { c.log = logging.OrNoOp(l) }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{},
		log:     logging.NoOp,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Logger() logging.Logger { return c.log }

// NewRequest builds a request with the standard headers. body may be nil.
func (c *Client) NewRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, contract.NewError(contract.CodeServerError, "build %s %s: %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderRequestID, c.newID())
	return req, nil
}

// Send performs req and returns the raw response. Transport failures are
// classified into *contract.Error (TIMEOUT or NETWORK_ERROR); HTTP error
// statuses are NOT converted, callers inspect resp and use ErrorFromResponse.
func (c *Client) Send(req *http.Request) (*http.Response, error) {
	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		e := contract.AsError(err)
		c.log.Debug("%s %s failed after %s: %s", req.Method, req.URL.Path, c.now().Sub(start), e)
		return nil, e
	}
	c.log.Debug("%s %s -> %d (%s) id=%s", req.Method, req.URL.Path, resp.StatusCode, c.now().Sub(start), req.Header.Get(HeaderRequestID))
	return resp, nil
}

// Do sends req and converts any non-2xx status into *contract.Error. On
// success the caller owns resp.Body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.Send(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, ErrorFromResponse(resp, c.now())
	}
	return resp, nil
}

// ErrorFromResponse classifies an error response: payload code first, then
// HTTP status; the Retry-After header fills in a missing retry_after.
func ErrorFromResponse(resp *http.Response, now time.Time) *contract.Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var p *contract.Payload
	if len(bytes.TrimSpace(raw)) > 0 {
		var decoded contract.Payload
		if err := json.Unmarshal(raw, &decoded); err == nil {
			p = &decoded
		} else {
			p = &contract.Payload{Error: truncate(string(raw), 200)}
		}
	}
	return contract.ErrorFromPayload(resp.StatusCode, p, contract.ParseRetryAfter(resp.Header.Get("Retry-After"), now))
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Call performs a request and returns the full success body.
func (c *Client) Call(ctx context.Context, method, path string, body []byte, header http.Header) ([]byte, error) {
	req, err := c.NewRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, contract.AsError(err)
	}
	return out, nil
}

// GetJSON decodes a GET response into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	b, err := c.Call(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	return decode(path, b, out)
}

// PostJSON encodes in, posts it, and decodes the response into out (if non-nil).
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return contract.NewError(contract.CodeBadInput, "encode request: %v", err)
	}
	b, err := c.Call(ctx, http.MethodPost, path, body, nil)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decode(path, b, out)
}

func decode(path string, b []byte, out any) error {
	if err := json.Unmarshal(b, out); err != nil {
		return contract.NewError(contract.CodeServerError, "decode %s response: %v", path, err)
	}
	return nil
}

// Conditional is the result of a conditional GET.
type Conditional struct {
	Body        []byte
	ETag        string
	NotModified bool
}

// GetConditional issues a GET with If-None-Match when tag is non-empty. A
// 304 yields NotModified with an empty body.
func (c *Client) GetConditional(ctx context.Context, path, tag string) (Conditional, error) {
	req, err := c.NewRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return Conditional{}, err
	}
	if tag != "" {
		req.Header.Set("If-None-Match", tag)
	}
	resp, err := c.Send(req)
	if err != nil {
		return Conditional{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotModified {
		return Conditional{ETag: tag, NotModified: true}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Conditional{}, ErrorFromResponse(resp, c.now())
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Conditional{}, contract.AsError(err)
	}
	return Conditional{Body: b, ETag: resp.Header.Get("ETag")}, nil
}

// Revalidator adapts GetConditional on path to etag.Cache.Revalidate.
func (c *Client) Revalidator(path string) etag.FetchFunc {
	return func(ctx context.Context, tag string) (etag.Response, error) {
		res, err := c.GetConditional(ctx, path, tag)
		if err != nil {
			return etag.Response{}, err
		}
		return etag.Response{Body: res.Body, ETag: res.ETag, NotModified: res.NotModified}, nil
	}
}

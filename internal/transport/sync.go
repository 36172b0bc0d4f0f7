package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danshapiro/decisiongraph/internal/contract"
	"github.com/danshapiro/decisiongraph/internal/logging"
)

// Sync is the request/response run path: optional preflight validation, then
// POST /v1/run under the retry policy.
type Sync struct {
	client           *Client
	policy           RetryPolicy
	timeout          time.Duration
	preflightTimeout time.Duration
	skipPreflight    bool
	log              logging.Logger
}

type SyncOptions struct {
	Policy RetryPolicy
	// Timeout bounds each run attempt. Zero leaves it to the context.
	Timeout          time.Duration
	PreflightTimeout time.Duration
	SkipPreflight    bool
}

func NewSync(c *Client, opts SyncOptions) *Sync {
	if opts.PreflightTimeout <= 0 {
		opts.PreflightTimeout = 2 * time.Second
	}
	return &Sync{
		client:           c,
		policy:           opts.Policy,
		timeout:          opts.Timeout,
		preflightTimeout: opts.PreflightTimeout,
		skipPreflight:    opts.SkipPreflight,
		log:              c.Logger(),
	}
}

func (s *Sync) Policy() RetryPolicy { return s.policy }

// Validate asks the Engine to check body without running it. Rejections come
// back as BAD_INPUT or LIMIT_EXCEEDED; an Engine without the endpoint counts
// as a pass.
func (s *Sync) Validate(ctx context.Context, body []byte) error {
	return s.policy.Do(ctx, "validate", "", s.log, func(ctx context.Context, _ int) error {
		actx, cancel := context.WithTimeout(ctx, s.preflightTimeout)
		defer cancel()
		return s.validateOnce(actx, body)
	})
}

func (s *Sync) validateOnce(ctx context.Context, body []byte) error {
	req, err := s.client.NewRequest(ctx, http.MethodPost, PathValidate, body)
	if err != nil {
		return err
	}
	resp, err := s.client.Send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusMethodNotAllowed:
		s.log.Debug("engine has no %s (status %d); skipping preflight", PathValidate, resp.StatusCode)
		return nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return ErrorFromResponse(resp, s.client.now())
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return contract.AsError(err)
	}
	var vr contract.ValidateResponse
	if err := json.Unmarshal(raw, &vr); err != nil {
		return contract.NewError(contract.CodeServerError, "decode validate response: %v", err)
	}
	if vr.Valid {
		return nil
	}
	return violationError(vr.Violations)
}

func violationError(vs []contract.Violation) *contract.Error {
	if len(vs) == 0 {
		return contract.NewError(contract.CodeBadInput, "engine rejected the request")
	}
	v := vs[0]
	msg := strings.TrimSpace(v.Message)
	if msg == "" {
		msg = "engine rejected the request"
	}
	if strings.EqualFold(v.Code, string(contract.CodeLimitExceeded)) {
		return contract.LimitExceeded(v.Field, v.Max, "%s", msg)
	}
	e := contract.BadInput(v.Field, "%s", msg)
	if v.Max > 0 && e.Fields != nil {
		e.Fields.Max = v.Max
	}
	return e
}

// Run submits body and returns the raw Engine payload. idempotencyKey is sent
// as Idempotency-Key so retried attempts are recognizable server-side.
func (s *Sync) Run(ctx context.Context, body []byte, idempotencyKey string) ([]byte, error) {
	if !s.skipPreflight {
		if err := s.Validate(ctx, body); err != nil {
			e := contract.AsError(err)
			if ctx.Err() != nil {
				return nil, e
			}
			switch e.Code {
			case contract.CodeBadInput, contract.CodeLimitExceeded, contract.CodeUnauthorized:
				return nil, e
			}
			s.log.Warn("preflight validation unavailable (%s); proceeding with run", e)
		}
	}

	header := http.Header{}
	if idempotencyKey != "" {
		header.Set(HeaderIdempotencyKey, idempotencyKey)
	}
	var out []byte
	err := s.policy.Do(ctx, "run", idempotencyKey, s.log, func(ctx context.Context, attempt int) error {
		actx, cancel := withTimeout(ctx, s.timeout)
		defer cancel()
		b, err := s.client.Call(actx, http.MethodPost, PathRun, body, header)
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

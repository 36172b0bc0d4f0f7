package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/danshapiro/decisiongraph/internal/config"
	"github.com/danshapiro/decisiongraph/internal/contract"
	"github.com/danshapiro/decisiongraph/internal/logging"
)

// RetryPolicy bounds the sync path's retries.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// MaxRetryAfter caps how long a RATE_LIMITED hint may ask us to wait;
	// longer hints make the error terminal. Zero means no cap.
	MaxRetryAfter time.Duration
	Backoff       config.BackoffConfig
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    2,
		MaxRetryAfter: 10 * time.Second,
		Backoff:       config.NewBackoff(250, 2, 4000),
	}
}

// RetryPolicyFromConfig reads the retry block of a defaulted config.
func RetryPolicyFromConfig(cfg *config.Config) RetryPolicy {
	p := DefaultRetryPolicy()
	if cfg == nil {
		return p
	}
	if cfg.Retry.MaxRetries != nil {
		p.MaxRetries = *cfg.Retry.MaxRetries
	}
	p.MaxRetryAfter = cfg.MaxRetryAfter()
	p.Backoff = cfg.Retry.Backoff
	return p
}

// ShouldRetry applies the retry classification to a single failure.
func (p RetryPolicy) ShouldRetry(e *contract.Error) bool {
	if !e.Retryable() {
		return false
	}
	if e.Code == contract.CodeRateLimited && p.MaxRetryAfter > 0 {
		if d := e.RetryAfterDuration(); d != nil && *d > p.MaxRetryAfter {
			return false
		}
	}
	return true
}

// Attempts is the total number of calls the policy allows.
func (p RetryPolicy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Do runs fn until it succeeds, fails terminally, or the policy is exhausted.
// attempt is 0-indexed. Terminal errors are returned as classified (callers
// canonicalize); exhaustion yields SERVER_ERROR quoting the last failure.
func (p RetryPolicy) Do(ctx context.Context, op, seed string, log logging.Logger, fn func(ctx context.Context, attempt int) error) error {
	log = logging.OrNoOp(log)
	attempts := p.Attempts()
	var last *contract.Error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return contract.AsError(err)
		}
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		last = contract.AsError(err)
		if ctx.Err() != nil {
			return last
		}
		if !p.ShouldRetry(last) {
			return last
		}
		if attempt == attempts-1 {
			break
		}
		delay := DelayForAttempt(attempt+1, p.Backoff, fmt.Sprintf("%s:%s:%d", op, seed, attempt+1))
		if hint := last.RetryAfterDuration(); hint != nil && *hint > delay {
			delay = *hint
		}
		log.Warn("%s attempt %d/%d failed (%s); retrying in %s", op, attempt+1, attempts, last.Code, delay)
		if err := sleepCtx(ctx, delay); err != nil {
			return contract.AsError(err)
		}
	}
	exhausted := contract.NewError(contract.CodeServerError, "%s failed after %d attempts: %s", op, attempts, last.Message)
	exhausted.Status = last.Status
	return exhausted
}

package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

func TestParseRetryAfter_Seconds(t *testing.T) {
	now := time.Date(2026, 2, 7, 0, 0, 0, 0, time.UTC)
	d := ParseRetryAfter("12", now)
	if d == nil || *d != 12*time.Second {
		t.Fatalf("got %v want 12s", d)
	}
}

func TestParseRetryAfter_HTTPDate(t *testing.T) {
	now := time.Date(2026, 2, 7, 0, 0, 0, 0, time.UTC)
	d := ParseRetryAfter("Sat, 07 Feb 2026 00:00:10 GMT", now)
	if d == nil || *d != 10*time.Second {
		t.Fatalf("got %v want 10s", d)
	}
}

func TestErrorFromPayload_CodeIsAuthoritative(t *testing.T) {
	// A 500 carrying BAD_INPUT is still BAD_INPUT.
	e := ErrorFromPayload(500, &Payload{Code: "BAD_INPUT", Error: "node n1 missing"}, nil)
	if e.Code != CodeBadInput {
		t.Fatalf("code=%s want BAD_INPUT", e.Code)
	}
	if e.Retryable() {
		t.Fatalf("BAD_INPUT must not be retryable")
	}
	if e.Message != "node n1 missing" {
		t.Fatalf("message=%q", e.Message)
	}
}

func TestErrorFromPayload_StatusFallbackAndRetryable(t *testing.T) {
	cases := []struct {
		status    int
		want      Code
		retryable bool
	}{
		{400, CodeBadInput, false},
		{401, CodeUnauthorized, false},
		{403, CodeUnauthorized, false},
		{408, CodeTimeout, true},
		{413, CodeLimitExceeded, false},
		{422, CodeBadInput, false},
		{429, CodeRateLimited, false},
		{500, CodeServerError, true},
		{503, CodeServerError, true},
		{504, CodeTimeout, true},
	}
	for _, tc := range cases {
		e := ErrorFromPayload(tc.status, nil, nil)
		if e.Code != tc.want {
			t.Fatalf("status %d: code=%s want %s", tc.status, e.Code, tc.want)
		}
		if e.Retryable() != tc.retryable {
			t.Fatalf("status %d: retryable=%t want %t", tc.status, e.Retryable(), tc.retryable)
		}
	}
}

func TestErrorFromPayload_RateLimitedWithHintIsRetryable(t *testing.T) {
	ra := 3 * time.Second
	e := ErrorFromPayload(429, &Payload{Code: "RATE_LIMITED", Error: "slow down"}, &ra)
	if !e.Retryable() {
		t.Fatalf("RATE_LIMITED with retry_after should be retryable")
	}
	if e.RetryAfter == nil || *e.RetryAfter != 3 {
		t.Fatalf("retry_after=%v want 3", e.RetryAfter)
	}
}

func TestCanonical_CollapsesTransportCodes(t *testing.T) {
	for _, c := range []Code{CodeTimeout, CodeNetworkError} {
		e := NewError(c, "boom").Canonical()
		if e.Code != CodeServerError {
			t.Fatalf("%s collapsed to %s", c, e.Code)
		}
	}
	e := LimitExceeded("nodes", 50, "too many nodes").Canonical()
	if e.Code != CodeLimitExceeded || e.Fields == nil || e.Fields.Max != 50 {
		t.Fatalf("unexpected canonical: %+v", e)
	}
}

func TestCanonical_JSONNeverCarriesStatus(t *testing.T) {
	e := ErrorFromPayload(502, nil, nil).Canonical()
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if _, ok := m["Status"]; ok {
		t.Fatalf("status leaked into JSON: %s", b)
	}
	if m["schema"] != ErrorSchema || m["code"] != "SERVER_ERROR" {
		t.Fatalf("unexpected JSON: %s", b)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestAsError_ClassifiesTransportFailures(t *testing.T) {
	if got := AsError(fmt.Errorf("wrap: %w", context.DeadlineExceeded)); got.Code != CodeTimeout {
		t.Fatalf("deadline: %s", got.Code)
	}
	var ne net.Error = timeoutErr{}
	if got := AsError(ne); got.Code != CodeTimeout {
		t.Fatalf("net timeout: %s", got.Code)
	}
	op := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	if got := AsError(op); got.Code != CodeNetworkError {
		t.Fatalf("dial: %s", got.Code)
	}
	orig := NewError(CodeUnauthorized, "nope")
	if got := AsError(fmt.Errorf("ctx: %w", orig)); got != orig {
		t.Fatalf("expected the wrapped error back")
	}
}

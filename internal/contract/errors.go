package contract

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorSchema is the version tag carried by every canonical Error.
const ErrorSchema = "error.v1"

// Code is an error class. Only the first five are part of the public
// contract; TIMEOUT and NETWORK_ERROR exist for retry classification and
// collapse into SERVER_ERROR at the boundary.
type Code string

const (
	CodeBadInput      Code = "BAD_INPUT"
	CodeLimitExceeded Code = "LIMIT_EXCEEDED"
	CodeRateLimited   Code = "RATE_LIMITED"
	CodeUnauthorized  Code = "UNAUTHORIZED"
	CodeServerError   Code = "SERVER_ERROR"

	CodeTimeout      Code = "TIMEOUT"
	CodeNetworkError Code = "NETWORK_ERROR"
)

// Public reports whether c belongs to the caller-facing taxonomy.
func (c Code) Public() bool {
	switch c {
	case CodeBadInput, CodeLimitExceeded, CodeRateLimited, CodeUnauthorized, CodeServerError:
		return true
	}
	return false
}

// Canonical maps transport-internal codes onto the public taxonomy.
func (c Code) Canonical() Code {
	if c.Public() {
		return c
	}
	return CodeServerError
}

// Fields names the offending input and, for limits, the configured maximum.
type Fields struct {
	Field string `json:"field,omitempty"`
	Max   int    `json:"max,omitempty"`
}

// Error is the canonical error value returned by every public operation.
type Error struct {
	Schema     string  `json:"schema"`
	Code       Code    `json:"code"`
	Message    string  `json:"message"`
	Fields     *Fields `json:"fields,omitempty"`
	RetryAfter *int    `json:"retry_after,omitempty"`

	// Status is the HTTP status that produced the error, if any. Advisory only.
	Status int `json:"-"`
}

func (e *Error) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "request failed"
	}
	if e.Fields != nil && e.Fields.Field != "" {
		return fmt.Sprintf("%s: %s (field=%s)", e.Code, msg, e.Fields.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Retryable reports whether the retry policy may attempt the call again.
// RATE_LIMITED is retryable only with a retry_after hint.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case CodeServerError, CodeTimeout, CodeNetworkError:
		return true
	case CodeRateLimited:
		return e.RetryAfter != nil
	}
	return false
}

// RetryAfterDuration returns the retry hint as a duration.
func (e *Error) RetryAfterDuration() *time.Duration {
	if e == nil || e.RetryAfter == nil {
		return nil
	}
	d := time.Duration(*e.RetryAfter) * time.Second
	return &d
}

// Canonical returns a copy whose code is in the public taxonomy.
func (e *Error) Canonical() *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Schema = ErrorSchema
	cp.Code = e.Code.Canonical()
	if e.Fields != nil {
		f := *e.Fields
		cp.Fields = &f
	}
	return &cp
}

// NewError builds an Error with the schema tag set.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Schema: ErrorSchema, Code: code, Message: fmt.Sprintf(format, args...)}
}

// BadInput builds a BAD_INPUT error naming field.
func BadInput(field, format string, args ...any) *Error {
	e := NewError(CodeBadInput, format, args...)
	if field != "" {
		e.Fields = &Fields{Field: field}
	}
	return e
}

// LimitExceeded builds a LIMIT_EXCEEDED error carrying the maximum.
func LimitExceeded(field string, max int, format string, args ...any) *Error {
	e := NewError(CodeLimitExceeded, format, args...)
	e.Fields = &Fields{Field: field, Max: max}
	return e
}

// Payload is the Engine's error body.
type Payload struct {
	Code       string  `json:"code"`
	Error      string  `json:"error"`
	Message    string  `json:"message,omitempty"`
	Fields     *Fields `json:"fields,omitempty"`
	RetryAfter *int    `json:"retry_after,omitempty"`
}

// ErrorFromPayload classifies an Engine failure. The payload code is
// authoritative; the HTTP status is used only when the code is absent or
// unknown.
func ErrorFromPayload(status int, p *Payload, retryAfter *time.Duration) *Error {
	e := &Error{Schema: ErrorSchema, Status: status}
	if p != nil {
		e.Message = strings.TrimSpace(p.Error)
		if e.Message == "" {
			e.Message = strings.TrimSpace(p.Message)
		}
		e.Fields = p.Fields
		e.RetryAfter = p.RetryAfter
		e.Code = codeFromString(p.Code)
	}
	if e.Code == "" {
		e.Code = codeFromStatus(status)
	}
	if e.RetryAfter == nil && retryAfter != nil {
		secs := int((*retryAfter + time.Second - 1) / time.Second)
		e.RetryAfter = &secs
	}
	if e.Message == "" {
		e.Message = defaultMessage(e.Code, status)
	}
	return e
}

func codeFromString(s string) Code {
	switch Code(strings.ToUpper(strings.TrimSpace(s))) {
	case CodeBadInput, "VALIDATION_ERROR", "INVALID_REQUEST":
		return CodeBadInput
	case CodeLimitExceeded:
		return CodeLimitExceeded
	case CodeRateLimited:
		return CodeRateLimited
	case CodeUnauthorized, "FORBIDDEN":
		return CodeUnauthorized
	case CodeServerError, "INTERNAL", "ENGINE_ERROR":
		return CodeServerError
	case CodeTimeout:
		return CodeTimeout
	case CodeNetworkError:
		return CodeNetworkError
	}
	return ""
}

func codeFromStatus(status int) Code {
	switch {
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity, status == http.StatusNotFound:
		return CodeBadInput
	case status == http.StatusRequestEntityTooLarge:
		return CodeLimitExceeded
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return CodeUnauthorized
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return CodeTimeout
	default:
		return CodeServerError
	}
}

func defaultMessage(code Code, status int) string {
	switch code {
	case CodeBadInput:
		return "request rejected by engine"
	case CodeLimitExceeded:
		return "request exceeds engine limits"
	case CodeRateLimited:
		return "engine rate limit reached"
	case CodeUnauthorized:
		return "not authorized to use engine"
	case CodeTimeout:
		return "engine request timed out"
	case CodeNetworkError:
		return "engine unreachable"
	}
	if status > 0 {
		return fmt.Sprintf("engine failed (status %d)", status)
	}
	return "engine failed"
}

// AsError converts any error into an Error, preserving transport-internal
// codes so the retry policy can still classify it. Callers outside the
// transport layer should use Canonical on the result.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(CodeTimeout, "engine request timed out: %v", err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return NewError(CodeTimeout, "engine request timed out: %v", err)
	}
	if errors.As(err, &ne) {
		return NewError(CodeNetworkError, "engine unreachable: %v", err)
	}
	return NewError(CodeServerError, "%v", err)
}

// ParseRetryAfter parses the Retry-After header value.
// Supported forms:
// - integer seconds
// - HTTP-date (RFC 7231)
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}

// IsCode reports whether err is an Error with the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrEmptyResponse is returned when the provider answered without text or a
// tool call.
var ErrEmptyResponse = errors.New("empty model response")

// Error is implemented by every provider failure. Callers classify with
// errors.As on the concrete types, never on vendor payloads.
type Error interface {
	error
	Provider() string
	StatusCode() int
	Retryable() bool
}

type httpErrorBase struct {
	provider   string
	statusCode int
	message    string
	retryable  bool
	cause      error
}

func (e *httpErrorBase) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	if e.statusCode == 0 {
		return fmt.Sprintf("%s error: %s", e.provider, msg)
	}
	return fmt.Sprintf("%s error (status=%d): %s", e.provider, e.statusCode, msg)
}
func (e *httpErrorBase) Provider() string { return e.provider }
func (e *httpErrorBase) StatusCode() int  { return e.statusCode }
func (e *httpErrorBase) Retryable() bool  { return e.retryable }
func (e *httpErrorBase) Unwrap() error    { return e.cause }

type InvalidRequestError struct{ httpErrorBase }
type AuthenticationError struct{ httpErrorBase }
type ContextLengthError struct{ httpErrorBase }

// UnavailableError covers server errors, timeouts and transport failures.
type UnavailableError struct{ httpErrorBase }

// RateLimitError is surfaced to the caller without internal retries so the
// caller decides how long to back off.
type RateLimitError struct {
	httpErrorBase
	RetryAfter *time.Duration
}

// ErrorFromHTTPStatus maps a failed provider response onto the taxonomy.
func ErrorFromHTTPStatus(provider string, statusCode int, message string, retryAfter *time.Duration) error {
	base := httpErrorBase{
		provider:   strings.TrimSpace(provider),
		statusCode: statusCode,
		message:    message,
	}
	switch {
	case statusCode == 400 || statusCode == 422:
		if err := classifyByMessage(base); err != nil {
			return err
		}
		return &InvalidRequestError{base}
	case statusCode == 401 || statusCode == 403:
		return &AuthenticationError{base}
	case statusCode == 413:
		return &ContextLengthError{base}
	case statusCode == 429:
		return &RateLimitError{httpErrorBase: base, RetryAfter: retryAfter}
	case statusCode == 408 || statusCode >= 500:
		base.retryable = true
		return &UnavailableError{base}
	default:
		return &InvalidRequestError{base}
	}
}

// classifyByMessage refines 400/422 responses whose body names the actual
// failure.
func classifyByMessage(base httpErrorBase) error {
	lower := strings.ToLower(base.message)
	switch {
	case strings.Contains(lower, "context length"),
		strings.Contains(lower, "context_length"),
		strings.Contains(lower, "too many tokens"),
		strings.Contains(lower, "prompt is too long"),
		strings.Contains(lower, "max token limit"):
		return &ContextLengthError{base}
	case strings.Contains(lower, "rate limit"):
		return &RateLimitError{httpErrorBase: base}
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "invalid key"), strings.Contains(lower, "invalid x-api-key"):
		return &AuthenticationError{base}
	}
	return nil
}

// NewUnavailableError wraps a transport failure (dial, reset, timeout).
func NewUnavailableError(provider string, cause error) error {
	return &UnavailableError{httpErrorBase{
		provider:  provider,
		message:   cause.Error(),
		retryable: true,
		cause:     cause,
	}}
}

// ParseRetryAfter parses a Retry-After header given in seconds or as an
// HTTP date.
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
		d := max(t.Sub(now), 0)
		return &d
	}
	return nil
}

func IsRateLimited(err error) bool {
	var e *RateLimitError
	return errors.As(err, &e)
}

func IsContextLength(err error) bool {
	var e *ContextLengthError
	return errors.As(err, &e)
}

func isRetryable(err error) bool {
	var e Error
	return errors.As(err, &e) && e.Retryable()
}

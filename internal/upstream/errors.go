package upstream

import (
	"errors"
	"fmt"
	"net/http"
)

// TransportError wraps a failure that produced no HTTP response at all.
// Always retryable.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UpstreamStatusError is a non-2xx response from the upstream service.
type UpstreamStatusError struct {
	Code int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.Code)
}

// RateLimited reports whether the upstream throttled the request. Rate
// limiting is retried like any 5xx, but callers can detect it and log it
// distinctly; the poll interval is never widened automatically.
func (e *UpstreamStatusError) RateLimited() bool {
	return e.Code == http.StatusTooManyRequests
}

// Retryable reports whether another attempt may succeed.
func (e *UpstreamStatusError) Retryable() bool {
	return e.RateLimited() || e.Code >= 500
}

// PayloadValidationError is a well-formed transport response whose body is
// missing or malforms a required field. Never retried.
type PayloadValidationError struct {
	Reason string
}

func (e *PayloadValidationError) Error() string {
	return "invalid upstream payload: " + e.Reason
}

// ExhaustedRetries is returned after the retry budget is spent. It wraps
// the last attempt's error.
type ExhaustedRetries struct {
	Attempts int
	Last     error
}

func (e *ExhaustedRetries) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedRetries) Unwrap() error { return e.Last }

// IsRateLimited reports whether err, anywhere in its chain, is an
// upstream 429.
func IsRateLimited(err error) bool {
	var se *UpstreamStatusError
	return errors.As(err, &se) && se.RateLimited()
}

func isRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var se *UpstreamStatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return false
}

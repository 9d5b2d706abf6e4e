package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// BackoffConfig controls the bounded retry loop. The delay before retry n
// (zero-based) is BaseDelay << n, so the defaults give 1s, 2s, 4s pauses
// across four total attempts.
type BackoffConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
}

func defaultBackoff() BackoffConfig {
	return BackoffConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
	}
}

var errCircuitOpen = errors.New("circuit breaker open")

// doRequestWithRetry executes the request built by buildRequest, retrying
// transport failures, 5xx responses and 429s with exponential backoff
// behind a circuit breaker. Other 4xx responses fail immediately. The
// request is rebuilt for every attempt so bodies can be re-read.
// Per-attempt timeouts are the HTTP client's responsibility.
func doRequestWithRetry(
	ctx context.Context,
	client *http.Client,
	cb *gobreaker.CircuitBreaker,
	backoff BackoffConfig,
	buildRequest func() (*http.Request, error),
) (*http.Response, error) {
	var attempt int
	var lastErr error

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		req, err := buildRequest()
		if err != nil {
			return nil, err
		}
		req = req.WithContext(ctx)

		result, err := cb.Execute(func() (interface{}, error) {
			resp, execErr := client.Do(req)
			if execErr != nil {
				return nil, &TransportError{Err: execErr}
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				resp.Body.Close()
				return nil, &UpstreamStatusError{Code: resp.StatusCode}
			}
			return resp, nil
		})

		if err == nil {
			resp, ok := result.(*http.Response)
			if !ok {
				return nil, fmt.Errorf("unexpected result type from circuit breaker")
			}
			return resp, nil
		}

		// An open circuit means the upstream is already known to be down;
		// burning the retry budget against it helps nobody.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", errCircuitOpen, err)
		}

		if !isRetryable(err) {
			return nil, err
		}

		lastErr = err
		if attempt >= backoff.MaxRetries {
			return nil, &ExhaustedRetries{Attempts: attempt + 1, Last: lastErr}
		}

		delay := backoff.BaseDelay << attempt

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		attempt++
	}
}

func newCircuitBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})
}

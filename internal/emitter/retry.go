package emitter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

// retryableError is a transient reply failure: 5xx or 429.
type retryableError struct {
	statusCode int
	body       string
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

// retryPolicy is exponential backoff with up to 50% added jitter.
type retryPolicy struct {
	maxAttempts int
	base        time.Duration
	maxDelay    time.Duration
}

func (p retryPolicy) delay(attempt int) time.Duration {
	d := p.base << (attempt - 1)
	if d > p.maxDelay || d <= 0 {
		d = p.maxDelay
	}
	return d + time.Duration(rand.Int64N(int64(d/2)+1))
}

// doWithRetry executes an HTTP request, retrying network failures, 5xx and
// 429 until maxAttempts is reached. Any other response is returned as is.
func doWithRetry(ctx context.Context, client *http.Client, p retryPolicy, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, int, error) {
	var lastErr error

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := p.delay(attempt - 1)
			logger.Warn("retrying reply", "attempt", attempt, "backoff", backoff, "err", lastErr)
			select {
			case <-ctx.Done():
				return nil, attempt - 1, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, attempt, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, attempt, ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			resp.Body.Close()
			lastErr = &retryableError{statusCode: resp.StatusCode, body: string(body)}
			continue
		}

		return resp, attempt, nil
	}

	return nil, p.maxAttempts, fmt.Errorf("giving up after %d attempts: %w", p.maxAttempts, lastErr)
}

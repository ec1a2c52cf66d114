// Package httpretry wraps an HTTP client with bounded retries and
// jittered exponential backoff for calls to flaky upstream APIs.
package httpretry

import (
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/mailwatch/phish-triage/internal/pkg/logger"
)

// HTTPDoer abstracts request execution so a RetryClient can wrap either
// a *http.Client or another middleware layer.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	defaultBaseDelay = 1 * time.Second
	defaultMaxDelay  = 30 * time.Second
	defaultRetries   = 3
)

// RetryClient retries transient failures: network errors and the
// retryable status family (429, 500, 502, 503, 504). Client errors and
// context cancellation pass through untouched.
type RetryClient struct {
	inner   HTTPDoer
	retries int
	base    time.Duration
	cap     time.Duration
}

// NewRetryClient wraps client with the default backoff policy. A nil
// client gets a plain http.Client with a 30s timeout.
func NewRetryClient(client HTTPDoer, maxRetries int) *RetryClient {
	return NewRetryClientWithDelays(client, maxRetries, defaultBaseDelay, defaultMaxDelay)
}

// NewRetryClientWithDelays wraps client with an explicit backoff range.
func NewRetryClientWithDelays(client HTTPDoer, maxRetries int, baseDelay, maxDelay time.Duration) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxRetries <= 0 {
		maxRetries = defaultRetries
	}
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &RetryClient{inner: client, retries: maxRetries, base: baseDelay, cap: maxDelay}
}

// Do runs the request up to 1+retries times. The final attempt's
// response comes back as-is, status and body intact, so callers can
// read the upstream error themselves.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := req.Context().Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		if attempt > 0 {
			if err := rewindBody(req); err != nil {
				return nil, err
			}
			wait := rc.backoff(attempt)
			logger.Debug("retrying upstream request",
				"attempt", attempt, "of", rc.retries,
				"method", req.Method, "host", req.URL.Host, "wait", wait.String())
			if err := sleepCtx(req, wait); err != nil {
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, err
			}
		}

		resp, err := rc.inner.Do(req)
		if err != nil {
			if req.Context().Err() != nil {
				return nil, err
			}
			lastErr = err
			if attempt == rc.retries {
				return nil, lastErr
			}
			continue
		}

		if !isRetryableStatus(resp.StatusCode) || attempt == rc.retries {
			return resp, nil
		}

		// Drain so the transport can reuse the connection.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: upstream returned %d", resp.StatusCode)
	}
}

// backoff doubles the base delay per attempt, caps it, and applies
// equal jitter so concurrent retries spread out.
func (rc *RetryClient) backoff(attempt int) time.Duration {
	d := rc.base << uint(attempt-1)
	if d > rc.cap || d <= 0 {
		d = rc.cap
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// rewindBody restores a replayable request body before a retry.
func rewindBody(req *http.Request) error {
	if req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("httpretry: rewind request body: %w", err)
	}
	req.Body = body
	return nil
}

// sleepCtx waits for the backoff delay unless the request context ends
// first.
func sleepCtx(req *http.Request, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-req.Context().Done():
		return req.Context().Err()
	}
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

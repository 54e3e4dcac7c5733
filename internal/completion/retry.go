package completion

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	retryBaseDelay = 250 * time.Millisecond
	retryMaxDelay  = 4 * time.Second
)

// RetryAdapter retries overloaded or failing upstream answers with capped
// exponential backoff. Transport errors and timeouts are not retried: the
// caller's per-call deadline already bounds the whole exchange.
type RetryAdapter struct {
	inner      Completer
	maxRetries int
}

func NewRetryAdapter(inner Completer, maxRetries int) *RetryAdapter {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryAdapter{inner: inner, maxRetries: maxRetries}
}

func (r *RetryAdapter) Complete(ctx context.Context, req Request) (Response, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		resp, err := r.inner.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == r.maxRetries {
			break
		}
		timer := time.NewTimer(backoff(attempt, retryBaseDelay, retryMaxDelay))
		select {
		case <-ctx.Done():
			timer.Stop()
			return Response{}, lastErr
		case <-timer.C:
		}
	}
	if r.maxRetries > 0 {
		return Response{}, fmt.Errorf("after %d retries: %w", r.maxRetries, lastErr)
	}
	return Response{}, lastErr
}

func isRetryable(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// backoff doubles base per attempt up to limit.
func backoff(attempt int, base, limit time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return d
}

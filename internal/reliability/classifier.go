package reliability

import (
	"context"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes from the voice provider API.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 425, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableStreamError reports whether an upstream conversation stream error
// leaves the stream usable. Anything else ends the conversation.
func IsRetryableStreamError(code string) bool {
	switch code {
	case "rate_limited", "resource_exhausted", "queue_overflow", "internal_error":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Backoff is a capped exponential retry schedule.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Wait sleeps for the delay of the given attempt or until ctx is done.
func (b Backoff) Wait(ctx context.Context, attempt int) error {
	base := b.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	capDur := b.Cap
	if capDur < base {
		capDur = base
	}
	timer := time.NewTimer(ExponentialBackoff(attempt, base, capDur))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

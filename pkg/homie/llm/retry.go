// retry.go implements bounded retry with exponential backoff and jitter for
// transient backend failures. Non-retryable kinds (auth, overflow, parse)
// surface immediately so the caller can apply its own recovery.
package llm

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryConfig bounds the retry loop.
type RetryConfig struct {
	// MaxAttempts is the total number of tries including the first.
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the engine's standard retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 1500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	}
}

// CompleteWithRetry calls backend.Complete, retrying transient and
// rate-limited failures with exponential backoff plus jitter. A 429 with a
// Retry-After hint waits at least that long. The last error is returned
// after exhaustion.
func CompleteWithRetry(ctx context.Context, backend Backend, req Request, cfg RetryConfig) (Response, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	backoff := cfg.InitialBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		resp, err := backend.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		kind := Classify(err)
		if !kind.Retryable() || attempt == cfg.MaxAttempts {
			return Response{}, err
		}

		wait := backoff
		var be *BackendError
		if errors.As(err, &be) && be.RetryAfterSec > 0 {
			hinted := time.Duration(be.RetryAfterSec) * time.Second
			if hinted > wait {
				wait = hinted
			}
		}
		// Full jitter keeps concurrent chats from retrying in lockstep.
		wait = time.Duration(rand.Int63n(int64(wait)) + int64(wait)/2)

		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(wait):
		}

		backoff *= 2
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return Response{}, lastErr
}

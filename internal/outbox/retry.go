package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNetworkFailure wraps transport errors raised before a response arrived.
	ErrNetworkFailure = errors.New("outbox: network failure")
	// ErrServerError indicates a 5xx or throttled response.
	ErrServerError = errors.New("outbox: server error")
	// ErrUnauthorized indicates the session token was rejected.
	ErrUnauthorized = errors.New("outbox: unauthorized")
	// ErrRejected indicates the server refused the request as malformed.
	ErrRejected = errors.New("outbox: request rejected")
)

// RetryConfig controls backoff between transport attempts.
type RetryConfig struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		InitialWait: 500 * time.Millisecond,
		MaxWait:     30 * time.Second,
		Multiplier:  2.0,
	}
}

// SyncError carries the operation and attempt count of a failed transport call.
type SyncError struct {
	Op       string
	Err      error
	Attempts int
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Retryable reports whether err is transient.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetworkFailure) || errors.Is(err, ErrServerError)
}

// WithRetry runs fn until it succeeds, fails permanently, or attempts run out.
func WithRetry[T any](ctx context.Context, cfg RetryConfig, op string, fn func() (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	wait := cfg.InitialWait

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if !Retryable(err) || attempt == cfg.MaxAttempts {
			return zero, &SyncError{Op: op, Err: err, Attempts: attempt}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}

		wait = time.Duration(float64(wait) * cfg.Multiplier)
		if cfg.MaxWait > 0 && wait > cfg.MaxWait {
			wait = cfg.MaxWait
		}
	}
	return zero, &SyncError{Op: op, Err: ErrNetworkFailure, Attempts: cfg.MaxAttempts}
}

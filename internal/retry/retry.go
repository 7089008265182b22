// Package retry wraps single operations with bounded exponential backoff,
// distinguishing retryable from fatal failures by error category.
package retry

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"
)

// ErrRateLimited marks an operation rejected by a rate limiter. Wrap it with
// fmt.Errorf("...: %w", ErrRateLimited) to make the failure retryable.
var ErrRateLimited = errors.New("rate limited")

// Config configures retry behavior.
type Config struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  250 * time.Millisecond,
		MaxDelay:   5 * time.Second,
	}
}

// Delay returns the backoff before retry number attempt (zero-based):
// min(base * 2^attempt, max).
func Delay(cfg Config, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := cfg.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return d
}

// Sleeper pauses between attempts. The default implementation sleeps on the
// wall clock; tests inject a recording fake to assert the delay sequence.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type clockSleeper struct{}

func (clockSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do executes op, retrying retryable failures up to cfg.MaxRetries additional
// times with exponential backoff. Non-retryable failures return immediately
// with zero delay. On exhaustion the last retryable error is returned.
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error) error {
	return DoWithSleeper(ctx, cfg, clockSleeper{}, op)
}

// DoWithSleeper is Do with an injected sleeper.
func DoWithSleeper(ctx context.Context, cfg Config, sleeper Sleeper, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
		lastErr = err

		if attempt >= cfg.MaxRetries {
			return lastErr
		}
		if err := sleeper.Sleep(ctx, Delay(cfg, attempt)); err != nil {
			return err
		}
	}
}

// PermanentError marks an error that must not be retried regardless of its
// underlying category.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps an error to force it fatal.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// categorized is implemented by errors that classify themselves, such as the
// runtime's tool error taxonomy.
type categorized interface {
	Retryable() bool
}

// Retryable reports whether err belongs to a transient category: timeout,
// connection failure, or rate limit. Classification inspects error types
// through the unwrap chain, never vendor message text. An explicit Permanent
// wrapper always wins.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}

	var c categorized
	if errors.As(err, &c) {
		return c.Retryable()
	}

	// Timeouts
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Connection failures
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	// Rate limits
	if errors.Is(err, ErrRateLimited) {
		return true
	}

	return false
}

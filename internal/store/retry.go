package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/kilupskalvis/kgserve/internal/kgerr"
)

// RetryConfig configures how often Open is retried while the backend is
// still coming up (a database container starting next to the server).
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64 // 0.0 to 1.0
}

// DefaultRetryConfig returns the startup retry defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		JitterFraction: 0.25,
	}
}

// isTransient reports whether an open failure is worth retrying. Only
// connection-level failures are; a bad URL or schema mismatch is not.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, kgerr.ErrStorageUnavailable)
}

// backoff computes the delay for the given attempt with jitter.
func (c *RetryConfig) backoff(attempt int) time.Duration {
	base := float64(c.InitialBackoff) * math.Pow(2, float64(attempt))
	if base > float64(c.MaxBackoff) {
		base = float64(c.MaxBackoff)
	}
	jitter := base * c.JitterFraction * (rand.Float64()*2 - 1) // +/- jitter
	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// sleep waits for the given duration or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenWithRetry calls Open until it succeeds, fails permanently or the
// retries are exhausted.
func OpenWithRetry(ctx context.Context, url string, cfg *RetryConfig, logger *slog.Logger) (Store, error) {
	return retryOpen(ctx, cfg, logger, func() (Store, error) { return Open(ctx, url) })
}

func retryOpen(ctx context.Context, cfg *RetryConfig, logger *slog.Logger, open func() (Store, error)) (Store, error) {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		st, err := open()
		if err == nil {
			return st, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, err
		}
		if attempt < cfg.MaxRetries {
			d := cfg.backoff(attempt)
			logger.Warn("storage unavailable, retrying", "attempt", attempt+1, "backoff", d, "error", err)
			if err := sleep(ctx, d); err != nil {
				return nil, fmt.Errorf("open store: %w (retry cancelled)", lastErr)
			}
		}
	}
	return nil, fmt.Errorf("open store: %w (after %d retries)", lastErr, cfg.MaxRetries)
}

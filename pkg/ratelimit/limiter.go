// Package ratelimit bounds outbound search requests with fixed time windows
// kept in the shared kv store.
//
// The check is increment-on-check: CanProceed atomically consumes one unit of
// the window budget and reports whether the caller stayed within it, so
// concurrent workers can never both take the last slot.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/rdhawladar/google-scraper/pkg/kv"
)

const keyPrefix = "rate_limit:"

var ErrRateLimitExceeded = errors.New("rate limit exceeded")

type Config struct {
	Limit  int
	Window time.Duration
	// FailureThreshold is the number of tracked failures in a window after
	// which the window budget is reduced by FailurePenalty (0..1).
	FailureThreshold int
	FailurePenalty   float64
}

type Limiter struct {
	store kv.Store
	cfg   Config
	now   func() time.Time
}

func New(store kv.Store, cfg Config) *Limiter {
	return NewWithClock(store, cfg, time.Now)
}

func NewWithClock(store kv.Store, cfg Config, now func() time.Time) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 60
	}
	return &Limiter{store: store, cfg: cfg, now: now}
}

type window struct {
	counter  string
	failures string
	ttl      time.Duration
}

// current returns the keys of the window containing now. The ttl runs to the
// window boundary so counters vanish on their own.
func (l *Limiter) current(key string) window {
	now := l.now()
	size := l.cfg.Window.Nanoseconds()
	bucket := now.UnixNano() / size
	end := time.Unix(0, (bucket+1)*size)

	b := strconv.FormatInt(bucket, 10)
	return window{
		counter:  keyPrefix + key + ":" + b,
		failures: keyPrefix + "failures:" + key + ":" + b,
		ttl:      end.Sub(now),
	}
}

// CanProceed consumes one request from the current window and reports
// whether it fit in the budget.
func (l *Limiter) CanProceed(ctx context.Context, key string) (bool, error) {
	w := l.current(key)

	limit, err := l.effectiveLimit(ctx, w)
	if err != nil {
		return false, err
	}

	n, err := l.store.Increment(ctx, w.counter, 1, w.ttl)
	if err != nil {
		return false, fmt.Errorf("increment rate window: %w", err)
	}
	return n <= int64(limit), nil
}

// Throttle is CanProceed for callers that prefer an error. Exceeding the
// budget yields ErrRateLimitExceeded, which is a signal to back off.
func (l *Limiter) Throttle(ctx context.Context, key string) error {
	ok, err := l.CanProceed(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		slog.Warn("rate limit exceeded",
			slog.String("key", key),
			slog.Int("limit", l.cfg.Limit),
			slog.Duration("window", l.cfg.Window),
		)
		return fmt.Errorf("%w: maximum %d requests per %s", ErrRateLimitExceeded, l.cfg.Limit, l.cfg.Window)
	}
	return nil
}

// TrackFailure records an upstream failure against key. Once failures pass
// the threshold the budget for the rest of the window shrinks.
func (l *Limiter) TrackFailure(ctx context.Context, key string) error {
	w := l.current(key)
	n, err := l.store.Increment(ctx, w.failures, 1, w.ttl)
	if err != nil {
		return fmt.Errorf("increment failure window: %w", err)
	}
	if l.cfg.FailureThreshold > 0 && n == int64(l.cfg.FailureThreshold)+1 {
		slog.Warn("rate limit damped after repeated failures",
			slog.String("key", key),
			slog.Int64("failures", n),
			slog.Int("limit", l.dampedLimit()),
		)
	}
	return nil
}

// Remaining reports how many requests are left in the current window.
func (l *Limiter) Remaining(ctx context.Context, key string) (int, error) {
	w := l.current(key)
	limit, err := l.effectiveLimit(ctx, w)
	if err != nil {
		return 0, err
	}
	used, err := kv.GetInt(ctx, l.store, w.counter)
	if err != nil {
		return 0, err
	}
	return max(0, limit-int(used)), nil
}

// Failures reports the upstream failures tracked against key in the
// current window.
func (l *Limiter) Failures(ctx context.Context, key string) (int, error) {
	n, err := kv.GetInt(ctx, l.store, l.current(key).failures)
	if err != nil {
		return 0, fmt.Errorf("read failure window: %w", err)
	}
	return int(n), nil
}

// Reset clears the current window for key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	w := l.current(key)
	if err := l.store.Delete(ctx, w.counter); err != nil {
		return err
	}
	return l.store.Delete(ctx, w.failures)
}

func (l *Limiter) effectiveLimit(ctx context.Context, w window) (int, error) {
	if l.cfg.FailureThreshold <= 0 {
		return l.cfg.Limit, nil
	}
	failures, err := kv.GetInt(ctx, l.store, w.failures)
	if err != nil {
		return 0, fmt.Errorf("read failure window: %w", err)
	}
	if failures > int64(l.cfg.FailureThreshold) {
		return l.dampedLimit(), nil
	}
	return l.cfg.Limit, nil
}

func (l *Limiter) dampedLimit() int {
	penalty := math.Min(math.Max(l.cfg.FailurePenalty, 0), 1)
	return max(1, int(math.Floor(float64(l.cfg.Limit)*(1-penalty))))
}

// Package kv is the shared counter and state store behind the rate limiter,
// the proxy health cache and the scraper monitor. Every operation is atomic
// per key so workers in separate processes can share one backend.
package kv

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Store is a string key/value store with per-key TTLs. A ttl of zero means
// the key never expires.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	// Increment adds delta to the integer stored at key and returns the new
	// value. A missing or expired key starts from zero and receives ttl; an
	// existing key keeps its original expiry.
	Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// CompareAndSwap stores new only if the current value equals old. An
	// empty old matches an absent or expired key.
	CompareAndSwap(ctx context.Context, key, old, new string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// Scan returns every live key with the given prefix.
	Scan(ctx context.Context, prefix string) (map[string]string, error)
}

// NotIntegerError is returned by Increment when the stored value is not a
// base-10 integer.
type NotIntegerError struct {
	Key   string
	Value string
}

func (e *NotIntegerError) Error() string {
	return fmt.Sprintf("kv: value at %q is not an integer: %q", e.Key, e.Value)
}

// GetInt reads key as an integer, treating a missing key as zero.
func GetInt(ctx context.Context, s Store, key string) (int64, error) {
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, &NotIntegerError{Key: key, Value: v}
	}
	return n, nil
}

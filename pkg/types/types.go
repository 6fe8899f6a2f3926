// Package types defines the data model shared by the limiter engine and the
// storage backends.
package types

import (
	"fmt"
	"time"

	"github.com/NeuralTrust/RateGate/pkg/domain"
)

type Algorithm string

const (
	AlgorithmFixedWindow   Algorithm = "fixed_window"
	AlgorithmSlidingWindow Algorithm = "sliding_window"
)

// Policy describes how a single bucket is limited.
type Policy struct {
	Algorithm Algorithm
	Limit     int64
	Window    time.Duration
}

// Validate rejects malformed policies at configuration time so they never
// reach the request path.
func (p Policy) Validate() error {
	if p.Algorithm != AlgorithmFixedWindow && p.Algorithm != AlgorithmSlidingWindow {
		return fmt.Errorf("%w: unknown algorithm %q", domain.ErrInvalidPolicy, p.Algorithm)
	}
	if p.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive, got %d", domain.ErrInvalidPolicy, p.Limit)
	}
	if p.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %s", domain.ErrInvalidPolicy, p.Window)
	}
	return nil
}

// FixedWindowEntry is the stored state of a fixed-window bucket. It is valid
// while now < WindowStart + window.
type FixedWindowEntry struct {
	Count       int64
	WindowStart time.Time
}

// SlidingWindowEntry holds every request timestamp still inside the trailing
// window, pruned on every write.
type SlidingWindowEntry struct {
	Timestamps []time.Time
}

// Entry is the union a backend stores per key. Exactly one of the two fields
// is set; consumers discriminate by nil checks.
type Entry struct {
	Fixed   *FixedWindowEntry
	Sliding *SlidingWindowEntry
}

// RateLimitResult is the decision handed back to the request pipeline. It is
// never persisted.
type RateLimitResult struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

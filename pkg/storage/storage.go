// Package storage defines the contract every rate-limit backend implements.
//
// Two implementations ship with this module: memstore (process-local, no
// external system) and redisstore (shared across processes through Redis).
// All operations may be called concurrently for the same or different keys;
// Increment and AddTimestamp must never lose a concurrent update to the same
// key.
package storage

import (
	"context"
	"time"

	"github.com/NeuralTrust/RateGate/pkg/types"
)

type Storage interface {
	// Increment records one more request on a fixed-window bucket and returns
	// the entry after the write. A missing entry, or one whose window has
	// lapsed (now >= WindowStart + window), starts a fresh window with
	// Count = 1.
	Increment(ctx context.Context, key string, window time.Duration) (types.FixedWindowEntry, error)

	// AddTimestamp prunes every timestamp at or before now - window and, if
	// fewer than limit entries survive, appends now. It returns the
	// resulting set and whether the append happened, so a denied request
	// never leaves an entry behind. Prune, check and append are atomic with
	// respect to concurrent callers on the same key. A zero now means the
	// backend's current time; limit <= 0 appends unconditionally.
	AddTimestamp(ctx context.Context, key string, window time.Duration, now time.Time, limit int64) (types.SlidingWindowEntry, bool, error)

	// Get reads an entry without mutating it. Expired entries read as nil and
	// are deleted lazily.
	Get(ctx context.Context, key string) (*types.Entry, error)

	// Reset unconditionally removes the entry for key.
	Reset(ctx context.Context, key string) error

	// Cleanup sweeps lapsed entries and reports how many were removed. It is
	// a no-op for backends with native per-key expiry.
	Cleanup(ctx context.Context) (int, error)

	// Destroy releases background timers owned by the backend. Idempotent.
	// It never closes externally owned connections.
	Destroy() error
}

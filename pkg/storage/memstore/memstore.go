// Package memstore implements the storage contract with a process-local map.
// State is exclusively owned by one Store instance; two instances in the same
// process do not share counters.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/NeuralTrust/RateGate/pkg/types"
	"github.com/sirupsen/logrus"
)

const DefaultSweepInterval = 30 * time.Second

// lease records when a key lapses and the window it was written under, so
// reads can prune without being told the window again.
type lease struct {
	deadline time.Time
	window   time.Duration
}

type Store struct {
	mu      sync.RWMutex
	entries map[string]*types.Entry
	expiry  map[string]lease

	logger        *logrus.Logger
	nowFn         func() time.Time
	sweepInterval time.Duration

	done        chan struct{}
	destroyOnce sync.Once
}

type Option func(*Store)

// WithSweepInterval sets how often the background sweep removes lapsed
// entries. Zero disables the sweep; expired keys are then only removed
// lazily on Get or by an explicit Cleanup.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) {
		s.sweepInterval = d
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithLogger(logger *logrus.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		entries:       make(map[string]*types.Entry),
		expiry:        make(map[string]lease),
		logger:        logrus.New(),
		nowFn:         time.Now,
		sweepInterval: DefaultSweepInterval,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweepInterval > 0 {
		go s.sweepLoop()
	}
	return s
}

func (s *Store) Increment(_ context.Context, key string, window time.Duration) (types.FixedWindowEntry, error) {
	now := s.nowFn()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if ok && entry.Fixed != nil && now.Sub(entry.Fixed.WindowStart) < window {
		entry.Fixed.Count++
		return *entry.Fixed, nil
	}

	fresh := &types.FixedWindowEntry{Count: 1, WindowStart: now}
	s.entries[key] = &types.Entry{Fixed: fresh}
	s.expiry[key] = lease{deadline: now.Add(window), window: window}
	return *fresh, nil
}

func (s *Store) AddTimestamp(_ context.Context, key string, window time.Duration, now time.Time, limit int64) (types.SlidingWindowEntry, bool, error) {
	if now.IsZero() {
		now = s.nowFn()
	}
	floor := now.Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []time.Time
	if entry, ok := s.entries[key]; ok && entry.Sliding != nil {
		for _, ts := range entry.Sliding.Timestamps {
			if ts.After(floor) {
				kept = append(kept, ts)
			}
		}
	}

	accepted := limit <= 0 || int64(len(kept)) < limit
	if accepted {
		kept = append(kept, now)
	}

	s.entries[key] = &types.Entry{Sliding: &types.SlidingWindowEntry{Timestamps: kept}}
	s.expiry[key] = lease{deadline: now.Add(window), window: window}

	out := make([]time.Time, len(kept))
	copy(out, kept)
	return types.SlidingWindowEntry{Timestamps: out}, accepted, nil
}

func (s *Store) Get(_ context.Context, key string) (*types.Entry, error) {
	now := s.nowFn()

	s.mu.RLock()
	entry, ok := s.entries[key]
	l, hasLease := s.expiry[key]
	if !ok {
		s.mu.RUnlock()
		return nil, nil
	}
	expired := hasLease && !now.Before(l.deadline)
	var snapshot *types.Entry
	if !expired {
		snapshot = copyEntry(entry)
	}
	s.mu.RUnlock()

	if expired {
		s.mu.Lock()
		if current, ok := s.expiry[key]; ok && !now.Before(current.deadline) {
			delete(s.entries, key)
			delete(s.expiry, key)
		}
		s.mu.Unlock()
		return nil, nil
	}

	// A denied write refreshes the lease without adding a timestamp, so a
	// live sliding entry can still hold lapsed timestamps. Reads prune them
	// from the snapshot; an emptied set reads as absent.
	if snapshot.Sliding != nil && hasLease {
		floor := now.Add(-l.window)
		kept := snapshot.Sliding.Timestamps[:0]
		for _, ts := range snapshot.Sliding.Timestamps {
			if ts.After(floor) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			return nil, nil
		}
		snapshot.Sliding.Timestamps = kept
	}

	return snapshot, nil
}

func (s *Store) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	delete(s.expiry, key)
	return nil
}

// Cleanup removes every overdue key. Candidates are collected under the
// read lock and each deletion takes the write lock on its own, with the
// deadline re-checked, so a full-map sweep never stalls foreground calls on
// unrelated keys.
func (s *Store) Cleanup(_ context.Context) (int, error) {
	now := s.nowFn()

	s.mu.RLock()
	overdue := make([]string, 0, len(s.expiry))
	for key, l := range s.expiry {
		if !now.Before(l.deadline) {
			overdue = append(overdue, key)
		}
	}
	s.mu.RUnlock()

	removed := 0
	for _, key := range overdue {
		s.mu.Lock()
		if l, ok := s.expiry[key]; ok && !now.Before(l.deadline) {
			delete(s.entries, key)
			delete(s.expiry, key)
			removed++
		}
		s.mu.Unlock()
	}
	return removed, nil
}

func (s *Store) Destroy() error {
	s.destroyOnce.Do(func() {
		close(s.done)
	})
	return nil
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed, _ := s.Cleanup(context.Background())
			if removed > 0 {
				s.logger.WithField("removed", removed).Debug("memstore sweep removed lapsed entries")
			}
		case <-s.done:
			return
		}
	}
}

func copyEntry(entry *types.Entry) *types.Entry {
	out := &types.Entry{}
	if entry.Fixed != nil {
		fixed := *entry.Fixed
		out.Fixed = &fixed
	}
	if entry.Sliding != nil {
		ts := make([]time.Time, len(entry.Sliding.Timestamps))
		copy(ts, entry.Sliding.Timestamps)
		out.Sliding = &types.SlidingWindowEntry{Timestamps: ts}
	}
	return out
}

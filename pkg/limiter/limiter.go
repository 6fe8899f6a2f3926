// Package limiter decides whether a request may proceed under a policy, on
// top of a pluggable storage backend.
package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/NeuralTrust/RateGate/pkg/domain"
	infraPrometheus "github.com/NeuralTrust/RateGate/pkg/infra/prometheus"
	"github.com/NeuralTrust/RateGate/pkg/storage"
	"github.com/NeuralTrust/RateGate/pkg/types"
	"github.com/sirupsen/logrus"
)

// OnExceededFunc is invoked with the full decision and the resolved identity
// whenever a request is denied. Panics and errors inside it never affect the
// returned decision.
type OnExceededFunc func(result types.RateLimitResult, identity string)

type Limiter struct {
	storage  storage.Storage
	logger   *logrus.Logger
	policyID string
	policy   types.Policy
	source   KeySource
	keyFn    KeyFunc

	tiers        map[string]types.Policy
	tierResolver TierResolver

	failOpen         bool
	passOnKeyFailure bool
	onExceeded       OnExceededFunc
	nowFn            func() time.Time
}

type Option func(*Limiter)

// WithFailOpen lets requests through when the storage backend is
// unavailable. The default is fail-closed.
func WithFailOpen(failOpen bool) Option {
	return func(l *Limiter) {
		l.failOpen = failOpen
	}
}

// WithTiers resolves a per-request policy before the engine runs. Unknown
// tiers fall back to the default policy.
func WithTiers(resolver TierResolver, tiers map[string]types.Policy) Option {
	return func(l *Limiter) {
		l.tierResolver = resolver
		l.tiers = tiers
	}
}

func WithOnExceeded(fn OnExceededFunc) Option {
	return func(l *Limiter) {
		l.onExceeded = fn
	}
}

// WithPassOnKeyFailure lets a request through when no identity can be
// derived, instead of the default deny.
func WithPassOnKeyFailure() Option {
	return func(l *Limiter) {
		l.passOnKeyFailure = true
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.nowFn = now
		}
	}
}

// New validates the policy and resolves the key source once. The storage
// backend is an explicit dependency; nothing here is process-global.
func New(
	store storage.Storage,
	logger *logrus.Logger,
	policyID string,
	policy types.Policy,
	source KeySource,
	opts ...Option,
) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	l := &Limiter{
		storage:  store,
		logger:   logger,
		policyID: policyID,
		policy:   policy,
		source:   source,
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	for name, tier := range l.tiers {
		if err := tier.Validate(); err != nil {
			return nil, fmt.Errorf("tier %s: %w", name, err)
		}
	}

	keyFn, err := source.resolve()
	if err != nil {
		return nil, err
	}
	l.keyFn = keyFn

	return l, nil
}

// Allow runs the decision for one request: resolve policy, resolve key,
// mutate storage, decide. A denial comes back with a nil error; a storage
// failure comes back with the configured fail-open/fail-closed decision AND
// a non-nil error, so the two are never confused at the boundary.
func (l *Limiter) Allow(ctx context.Context, r *Request) (types.RateLimitResult, error) {
	policy := l.resolvePolicy(ctx, r)

	identity, err := l.keyFn(r)
	if err != nil {
		if l.passOnKeyFailure {
			l.logger.WithError(err).Warn("key resolution failed, passing request through")
			return types.RateLimitResult{Allowed: true, Limit: policy.Limit, Remaining: policy.Limit}, nil
		}
		infraPrometheus.DecisionsTotal.WithLabelValues(l.policyID, "key_error").Inc()
		return types.RateLimitResult{Allowed: false, Limit: policy.Limit}, err
	}

	key := FormatBucketKey(l.policyID, l.source.name, identity)
	now := l.nowFn()

	var result types.RateLimitResult
	switch policy.Algorithm {
	case types.AlgorithmFixedWindow:
		entry, err := l.storage.Increment(ctx, key, policy.Window)
		if err != nil {
			return l.storageFailure(policy, err)
		}
		result = l.decideFixed(policy, entry, now)
	case types.AlgorithmSlidingWindow:
		entry, accepted, err := l.storage.AddTimestamp(ctx, key, policy.Window, now, policy.Limit)
		if err != nil {
			return l.storageFailure(policy, err)
		}
		result = l.decideSliding(policy, entry, accepted, now)
	default:
		// Unreachable after construction-time validation.
		return types.RateLimitResult{}, fmt.Errorf("%w: unknown algorithm %q", domain.ErrInvalidPolicy, policy.Algorithm)
	}

	if result.Allowed {
		infraPrometheus.DecisionsTotal.WithLabelValues(l.policyID, "allowed").Inc()
	} else {
		infraPrometheus.DecisionsTotal.WithLabelValues(l.policyID, "denied").Inc()
		l.notifyExceeded(result, identity)
	}
	return result, nil
}

func (l *Limiter) resolvePolicy(ctx context.Context, r *Request) types.Policy {
	if l.tierResolver == nil {
		return l.policy
	}
	tier, err := l.tierResolver(ctx, r)
	if err != nil {
		l.logger.WithError(err).Warn("tier resolution failed, using default policy")
		return l.policy
	}
	if policy, ok := l.tiers[tier]; ok {
		return policy
	}
	return l.policy
}

func (l *Limiter) decideFixed(policy types.Policy, entry types.FixedWindowEntry, now time.Time) types.RateLimitResult {
	resetAt := entry.WindowStart.Add(policy.Window)
	result := types.RateLimitResult{
		Allowed:   entry.Count <= policy.Limit,
		Limit:     policy.Limit,
		Remaining: remaining(policy.Limit, entry.Count),
		ResetAt:   resetAt,
	}
	if !result.Allowed {
		result.RetryAfter = retryAfter(resetAt, now)
	}
	return result
}

func (l *Limiter) decideSliding(policy types.Policy, entry types.SlidingWindowEntry, accepted bool, now time.Time) types.RateLimitResult {
	count := int64(len(entry.Timestamps))
	oldest := now
	for _, ts := range entry.Timestamps {
		if ts.Before(oldest) {
			oldest = ts
		}
	}
	resetAt := oldest.Add(policy.Window)
	result := types.RateLimitResult{
		Allowed:   accepted,
		Limit:     policy.Limit,
		Remaining: remaining(policy.Limit, count),
		ResetAt:   resetAt,
	}
	if !result.Allowed {
		result.RetryAfter = retryAfter(resetAt, now)
	}
	return result
}

// storageFailure applies the configured fail-open policy and still surfaces
// the error. The engine never retries the storage call: the increment may
// have landed, and re-running it would double count.
func (l *Limiter) storageFailure(policy types.Policy, err error) (types.RateLimitResult, error) {
	infraPrometheus.DecisionsTotal.WithLabelValues(l.policyID, "storage_error").Inc()
	l.logger.WithError(err).WithFields(logrus.Fields{
		"policy":    l.policyID,
		"fail_open": l.failOpen,
	}).Error("rate limit storage failure")

	return types.RateLimitResult{
		Allowed:   l.failOpen,
		Limit:     policy.Limit,
		Remaining: 0,
	}, err
}

func (l *Limiter) notifyExceeded(result types.RateLimitResult, identity string) {
	if l.onExceeded == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			l.logger.WithField("panic", rec).Warn("exceeded callback panicked")
		}
	}()
	l.onExceeded(result, identity)
}

func remaining(limit, count int64) int64 {
	if count >= limit {
		return 0
	}
	return limit - count
}

func retryAfter(resetAt, now time.Time) time.Duration {
	d := resetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Package redisstore implements the storage contract against a Redis
// instance shared by every process using the same key prefix.
//
// When the server supports scripting, each operation runs as a single atomic
// Lua script and no update can be lost across processes. When scripting is
// disabled or the capability probe fails, operations degrade to multi-step
// emulation: the count bump itself stays atomic (HINCRBY, ZADD), but the
// window-rollover check races between read and write, so two processes
// rolling the same window concurrently may over- or under-count by a small
// margin. Degraded reports which mode the store is in.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/NeuralTrust/RateGate/pkg/domain"
	"github.com/NeuralTrust/RateGate/pkg/types"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const DefaultTimeout = 5 * time.Second

// windowKeySuffix names the companion key holding a sliding bucket's window
// length in milliseconds. It expires together with the bucket.
const windowKeySuffix = ":window"

type Store struct {
	client    *redis.Client
	logger    *logrus.Logger
	breaker   *gobreaker.CircuitBreaker
	timeout   time.Duration
	prefix    string
	scripting bool
	nowFn     func() time.Time
	uuidFn    func() uuid.UUID
}

type options struct {
	timeout      time.Duration
	prefix       string
	scripting    bool
	scriptingSet bool
	nowFn        func() time.Time
	uuidFn       func() uuid.UUID
}

type Option func(*options)

// WithScripting forces the scripted or the fallback path instead of probing
// the server at construction.
func WithScripting(enabled bool) Option {
	return func(o *options) {
		o.scripting = enabled
		o.scriptingSet = true
	}
}

// WithTimeout bounds every Redis round trip; an expired deadline surfaces as
// ErrStorageUnavailable.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithPrefix namespaces every key written by this store.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.nowFn = now
		}
	}
}

// WithUUIDProvider replaces the member id generator, for tests.
func WithUUIDProvider(fn func() uuid.UUID) Option {
	return func(o *options) {
		if fn != nil {
			o.uuidFn = fn
		}
	}
}

// New builds a store on top of a caller-owned client. Unless WithScripting
// decided it already, the scripting capability is probed once here and the
// outcome is kept for the lifetime of the store.
func New(client *redis.Client, logger *logrus.Logger, opts ...Option) *Store {
	o := &options{
		timeout: DefaultTimeout,
		nowFn:   time.Now,
		uuidFn:  uuid.New,
	}
	for _, opt := range opts {
		opt(o)
	}

	s := &Store{
		client:    client,
		logger:    logger,
		timeout:   o.timeout,
		prefix:    o.prefix,
		scripting: o.scripting,
		nowFn:     o.nowFn,
		uuidFn:    o.uuidFn,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "redis-rate-limit-storage",
		}),
	}

	if !o.scriptingSet {
		s.scripting = s.probeScripting()
	}
	if !s.scripting {
		logger.Warn("redis scripting unavailable, rate limit storage running in degraded non-atomic mode")
	}

	return s
}

// Degraded reports whether the store runs on the non-atomic fallback path.
func (s *Store) Degraded() bool {
	return !s.scripting
}

func (s *Store) probeScripting() bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	for _, script := range []*redis.Script{FixedWindowScript, SlidingWindowScript} {
		if err := script.Load(ctx, s.client).Err(); err != nil {
			s.logger.WithError(err).Warn("redis script load failed")
			return false
		}
	}
	return true
}

func (s *Store) Increment(ctx context.Context, key string, window time.Duration) (types.FixedWindowEntry, error) {
	now := s.nowFn()
	k := s.prefix + key

	res, err := s.execute(ctx, func(ctx context.Context) (interface{}, error) {
		if s.scripting {
			return s.incrementScripted(ctx, k, window, now)
		}
		return s.incrementFallback(ctx, k, window, now)
	})
	if err != nil {
		return types.FixedWindowEntry{}, err
	}
	entry, ok := res.(types.FixedWindowEntry)
	if !ok {
		return types.FixedWindowEntry{}, fmt.Errorf("%w: unexpected increment result type", domain.ErrStorageUnavailable)
	}
	return entry, nil
}

func (s *Store) incrementScripted(ctx context.Context, key string, window time.Duration, now time.Time) (types.FixedWindowEntry, error) {
	raw, err := FixedWindowScript.Run(ctx, s.client, []string{key}, window.Milliseconds(), now.UnixMilli()).Result()
	if err != nil {
		return types.FixedWindowEntry{}, err
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return types.FixedWindowEntry{}, fmt.Errorf("malformed script reply: %v", raw)
	}
	count, err := toInt64(vals[0])
	if err != nil {
		return types.FixedWindowEntry{}, err
	}
	startMs, err := toInt64(vals[1])
	if err != nil {
		return types.FixedWindowEntry{}, err
	}
	return types.FixedWindowEntry{Count: count, WindowStart: time.UnixMilli(startMs)}, nil
}

// incrementFallback emulates the script with separate round trips. The
// HINCRBY bump is atomic, but the rollover check between HGETALL and the
// fresh write is not.
func (s *Store) incrementFallback(ctx context.Context, key string, window time.Duration, now time.Time) (types.FixedWindowEntry, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return types.FixedWindowEntry{}, err
	}

	if ws, ok := fields["ws"]; ok {
		startMs, err := strconv.ParseInt(ws, 10, 64)
		if err == nil && now.UnixMilli()-startMs < window.Milliseconds() {
			count, err := s.client.HIncrBy(ctx, key, "count", 1).Result()
			if err != nil {
				return types.FixedWindowEntry{}, err
			}
			return types.FixedWindowEntry{Count: count, WindowStart: time.UnixMilli(startMs)}, nil
		}
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, "count", 1, "ws", now.UnixMilli())
	pipe.PExpire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return types.FixedWindowEntry{}, err
	}
	return types.FixedWindowEntry{Count: 1, WindowStart: now}, nil
}

type slidingResult struct {
	entry    types.SlidingWindowEntry
	accepted bool
}

func (s *Store) AddTimestamp(ctx context.Context, key string, window time.Duration, now time.Time, limit int64) (types.SlidingWindowEntry, bool, error) {
	if now.IsZero() {
		now = s.nowFn()
	}
	k := s.prefix + key
	member := fmt.Sprintf("%d:%s", now.UnixMilli(), s.uuidFn().String())

	res, err := s.execute(ctx, func(ctx context.Context) (interface{}, error) {
		if s.scripting {
			return s.addTimestampScripted(ctx, k, window, now, member, limit)
		}
		return s.addTimestampFallback(ctx, k, window, now, member, limit)
	})
	if err != nil {
		return types.SlidingWindowEntry{}, false, err
	}
	sliding, ok := res.(slidingResult)
	if !ok {
		return types.SlidingWindowEntry{}, false, fmt.Errorf("%w: unexpected timestamp result type", domain.ErrStorageUnavailable)
	}
	return sliding.entry, sliding.accepted, nil
}

func (s *Store) addTimestampScripted(ctx context.Context, key string, window time.Duration, now time.Time, member string, limit int64) (slidingResult, error) {
	floor := now.UnixMilli() - window.Milliseconds()
	raw, err := SlidingWindowScript.Run(ctx, s.client, []string{key, key + windowKeySuffix},
		floor, now.UnixMilli(), member, window.Milliseconds(), limit).Result()
	if err != nil {
		return slidingResult{}, err
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) < 1 {
		return slidingResult{}, fmt.Errorf("malformed script reply: %v", raw)
	}

	accepted, err := toInt64(vals[0])
	if err != nil {
		return slidingResult{}, err
	}
	timestamps := make([]time.Time, 0, len(vals)-1)
	for _, v := range vals[1:] {
		ms, err := toInt64(v)
		if err != nil {
			return slidingResult{}, err
		}
		timestamps = append(timestamps, time.UnixMilli(ms))
	}
	return slidingResult{
		entry:    types.SlidingWindowEntry{Timestamps: timestamps},
		accepted: accepted == 1,
	}, nil
}

// addTimestampFallback emulates the script as a count check followed by a
// transactional pipeline and a separate range read. Two processes racing
// between the ZCOUNT and the pipeline can both be accepted at the boundary,
// so the fallback may occasionally over-admit.
func (s *Store) addTimestampFallback(ctx context.Context, key string, window time.Duration, now time.Time, member string, limit int64) (slidingResult, error) {
	floor := now.UnixMilli() - window.Milliseconds()

	accepted := limit <= 0
	if !accepted {
		count, err := s.client.ZCount(ctx, key,
			"("+strconv.FormatInt(floor, 10), "+inf").Result()
		if err != nil {
			return slidingResult{}, err
		}
		accepted = count < limit
	}

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(floor, 10))
	if accepted {
		pipe.ZAdd(ctx, key, &redis.Z{Score: float64(now.UnixMilli()), Member: member})
	}
	pipe.PExpire(ctx, key, window)
	pipe.Set(ctx, key+windowKeySuffix, window.Milliseconds(), window)
	if _, err := pipe.Exec(ctx); err != nil {
		return slidingResult{}, err
	}

	zs, err := s.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil {
		return slidingResult{}, err
	}
	timestamps := make([]time.Time, 0, len(zs))
	for _, z := range zs {
		timestamps = append(timestamps, time.UnixMilli(int64(z.Score)))
	}
	return slidingResult{
		entry:    types.SlidingWindowEntry{Timestamps: timestamps},
		accepted: accepted,
	}, nil
}

func (s *Store) Get(ctx context.Context, key string) (*types.Entry, error) {
	k := s.prefix + key

	res, err := s.execute(ctx, func(ctx context.Context) (interface{}, error) {
		typ, err := s.client.Type(ctx, k).Result()
		if err != nil {
			return nil, err
		}
		switch typ {
		case "hash":
			return s.getFixed(ctx, k)
		case "zset":
			return s.getSliding(ctx, k)
		default:
			return (*types.Entry)(nil), nil
		}
	})
	if err != nil {
		return nil, err
	}
	entry, _ := res.(*types.Entry)
	return entry, nil
}

func (s *Store) getFixed(ctx context.Context, key string) (*types.Entry, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	count, err := strconv.ParseInt(fields["count"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed count field: %v", err)
	}
	startMs, err := strconv.ParseInt(fields["ws"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed ws field: %v", err)
	}
	return &types.Entry{Fixed: &types.FixedWindowEntry{Count: count, WindowStart: time.UnixMilli(startMs)}}, nil
}

// getSliding reads the surviving timestamps above the window floor. The
// bucket's expiry only fires a full window after the last write, so lapsed
// timestamps can still be stored; they must not be reported.
func (s *Store) getSliding(ctx context.Context, key string) (*types.Entry, error) {
	min := "-inf"
	raw, err := s.client.Get(ctx, key+windowKeySuffix).Result()
	switch {
	case err == redis.Nil:
		// The companion key shares the bucket's expiry; missing means the
		// bucket itself is at the edge of its TTL. No floor to apply.
	case err != nil:
		return nil, err
	default:
		windowMs, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("malformed window key: %v", perr)
		}
		min = "(" + strconv.FormatInt(s.nowFn().UnixMilli()-windowMs, 10)
	}

	zs, err := s.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
	if err != nil {
		return nil, err
	}
	if len(zs) == 0 {
		return nil, nil
	}
	timestamps := make([]time.Time, 0, len(zs))
	for _, z := range zs {
		timestamps = append(timestamps, time.UnixMilli(int64(z.Score)))
	}
	return &types.Entry{Sliding: &types.SlidingWindowEntry{Timestamps: timestamps}}, nil
}

func (s *Store) Reset(ctx context.Context, key string) error {
	_, err := s.execute(ctx, func(ctx context.Context) (interface{}, error) {
		k := s.prefix + key
		return nil, s.client.Del(ctx, k, k+windowKeySuffix).Err()
	})
	return err
}

// Cleanup is a no-op: expiry is refreshed on every mutating call, so stale
// keys self-remove through the server's native TTL.
func (s *Store) Cleanup(_ context.Context) (int, error) {
	return 0, nil
}

// Destroy never closes the client; its lifecycle belongs to whoever
// constructed it.
func (s *Store) Destroy() error {
	return nil
}

func (s *Store) execute(ctx context.Context, op func(context.Context) (interface{}, error)) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.breaker.Execute(func() (interface{}, error) {
		return op(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open: %v", domain.ErrStorageUnavailable, err)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return res, nil
}

func toInt64(v interface{}) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed numeric reply %q: %v", val, err)
		}
		return int64(f), nil
	default:
		return 0, fmt.Errorf("unexpected reply type %T", v)
	}
}

// Package ratelimit implements per-key token-bucket admission control.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const defaultShards = 32

// Config describes the bucket shape shared by every key.
type Config struct {
	// Capacity is the burst allowance of a bucket.
	Capacity int
	// Rate tokens are added every Interval.
	Rate     int
	Interval time.Duration
	// IdleTTL is how long a bucket may go unobserved before it is evicted.
	IdleTTL time.Duration
	// SweepInterval is the period of the background eviction loop.
	SweepInterval time.Duration
	Shards        int
}

// Result is the outcome of one Consume call.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below one for a denial.
func (r Result) RetryAfterSeconds() int {
	if r.Allowed {
		return 0
	}
	s := int(math.Ceil(r.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

type bucket struct {
	tokens   *rate.Limiter
	lastSeen time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter holds one bucket per key, spread over independently locked shards
// so unrelated keys never contend on the same mutex.
type Limiter struct {
	cfg    Config
	every  rate.Limit
	shards []*shard
	now    func() time.Time
	log    *zap.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger attaches a logger for sweep diagnostics.
func WithLogger(log *zap.Logger) Option {
	return func(l *Limiter) {
		if log != nil {
			l.log = log
		}
	}
}

// New builds a limiter. Capacity, Rate and Interval are required.
func New(cfg Config, opts ...Option) (*Limiter, error) {
	if cfg.Capacity <= 0 || cfg.Rate <= 0 || cfg.Interval <= 0 {
		return nil, errors.New("ratelimit: capacity, rate and interval must be positive")
	}
	if cfg.Shards <= 0 {
		cfg.Shards = defaultShards
	}
	// A bucket idle for longer than a full refill is indistinguishable from a fresh one.
	refill := time.Duration(float64(cfg.Interval) * float64(cfg.Capacity) / float64(cfg.Rate))
	if cfg.IdleTTL < refill {
		cfg.IdleTTL = refill
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.IdleTTL
	}

	l := &Limiter{
		cfg:      cfg,
		every:    rate.Every(cfg.Interval / time.Duration(cfg.Rate)),
		shards:   make([]*shard, cfg.Shards),
		now:      time.Now,
		log:      zap.NewNop(),
		stopChan: make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config { return l.cfg }

func (l *Limiter) shardFor(key string) *shard {
	return l.shards[xxhash.Sum64String(key)%uint64(len(l.shards))]
}

// Consume takes one token from key's bucket, creating it full on first use.
// The refill, check and decrement happen under the shard lock, so a denial
// leaves the bucket untouched.
func (l *Limiter) Consume(key string) Result {
	now := l.now()
	sh := l.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.buckets[key]
	if !ok {
		b = &bucket{tokens: rate.NewLimiter(l.every, l.cfg.Capacity)}
		sh.buckets[key] = b
	}
	b.lastSeen = now

	res := Result{Limit: l.cfg.Capacity}
	if b.tokens.AllowN(now, 1) {
		res.Allowed = true
		res.Remaining = int(math.Floor(b.tokens.TokensAt(now)))
		if res.Remaining < 0 {
			res.Remaining = 0
		}
		return res
	}

	missing := 1 - b.tokens.TokensAt(now)
	res.RetryAfter = time.Duration(missing * float64(l.cfg.Interval) / float64(l.cfg.Rate))
	if res.RetryAfter <= 0 {
		res.RetryAfter = time.Nanosecond
	}
	return res
}

// Sweep evicts buckets idle for longer than IdleTTL and returns how many were removed.
// Eviction holds the shard lock, so it cannot interleave with Consume on the same key.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.cfg.IdleTTL)
	removed := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		for key, b := range sh.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(sh.buckets, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		l.log.Debug("rate limiter sweep completed",
			zap.Int("evicted", removed),
			zap.Int("remaining", l.Size()))
	}
	return removed
}

// StartCleanup runs Sweep every SweepInterval until ctx is done or Stop is called.
func (l *Limiter) StartCleanup(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopChan:
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}

// Stop halts the cleanup goroutine and waits for it. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()
}

// Reset drops every bucket.
func (l *Limiter) Reset() {
	for _, sh := range l.shards {
		sh.mu.Lock()
		sh.buckets = make(map[string]*bucket)
		sh.mu.Unlock()
	}
}

// Size returns the number of tracked keys.
func (l *Limiter) Size() int {
	n := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		n += len(sh.buckets)
		sh.mu.Unlock()
	}
	return n
}

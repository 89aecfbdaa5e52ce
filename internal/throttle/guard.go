package throttle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/busybox42/spoold/internal/counter"
	"github.com/busybox42/spoold/internal/expr"
)

// Decision is the outcome of a guard check.
type Decision uint8

const (
	// Admit allows the operation to proceed.
	Admit Decision = iota
	// Deferred means a rate or concurrency ceiling was hit; the caller
	// folds this into a temporary failure and retries later.
	Deferred
	// Rejected means a quota ceiling was exceeded; the message is not
	// admitted.
	Rejected
)

// Result carries the decision plus retry metadata for Deferred.
type Result struct {
	Decision   Decision
	LimiterID  string
	RetryAfter time.Time
	// Release undoes a concurrency reservation. Non-nil only when the
	// check admitted the caller into one or more concurrency limiters.
	Release func()
}

// QuotaRef records a reserved quota counter so it can be released when its
// owner reaches a final state. ID is the owning recipient's index plus one;
// zero marks a message-scoped reservation held until the message leaves the
// queue.
type QuotaRef struct {
	Key  string
	Size bool // true: size counter, false: message-count counter
	ID   uint64
}

// Guard evaluates configured limiters and quotas against message
// attributes. Counters live in the injected store; concurrency slots are
// tracked in-process.
type Guard struct {
	store    counter.Store
	eval     expr.Evaluator
	logger   *slog.Logger
	inflight *concurrencyMap
}

// NewGuard creates a guard backed by the given counter store.
func NewGuard(store counter.Store, eval expr.Evaluator, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		store:    store,
		eval:     eval,
		logger:   logger.With("component", "throttle-guard"),
		inflight: newConcurrencyMap(),
	}
}

// limiterKey folds the participating dimension values into a stable
// counter key. Empty sender values hash as "<>" so the null return path
// still yields a usable key.
func limiterKey(id string, keys uint16, vars expr.Variables) string {
	h := sha256.New()
	h.Write([]byte(id))
	for _, dim := range keyOrder {
		if keys&dim.bit == 0 {
			continue
		}
		v := vars.Resolve(dim.name)
		if v == "" && (dim.bit == KeySender || dim.bit == KeySenderDomain) {
			v = "<>"
		}
		h.Write([]byte{0})
		h.Write([]byte(v))
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func (g *Guard) matches(expression string, vars expr.Variables) bool {
	if expression == "" {
		return true
	}
	ok, err := g.eval.EvalBool(expression, vars)
	if err != nil {
		g.logger.Warn("throttle match expression failed", "expr", expression, "error", err)
		return false
	}
	return ok
}

// Check evaluates every limiter in the slice against the variable context.
// The first ceiling hit wins; reserved concurrency slots from earlier
// limiters are released before returning a Deferred result.
func (g *Guard) Check(ctx context.Context, limiters []Limiter, vars expr.Variables) Result {
	var releases []func()
	release := func() {
		for _, f := range releases {
			f()
		}
	}

	for _, lim := range limiters {
		if !g.matches(lim.Expr, vars) {
			continue
		}
		key := limiterKey(lim.ID, lim.Keys, vars)

		if lim.Rate != nil {
			count, err := g.store.IncrBy(ctx, "rate:"+key, 1)
			if err != nil {
				// A broken counter store must not block mail flow.
				g.logger.Error("rate counter unavailable", "limiter", lim.ID, "error", err)
				continue
			}
			if count == 1 {
				if err := g.store.Expire(ctx, "rate:"+key, lim.Rate.Period); err != nil {
					g.logger.Error("rate window expiry failed", "limiter", lim.ID, "error", err)
				}
			}
			if count > lim.Rate.Requests {
				release()
				retryAfter := lim.Rate.Period
				if ttl, err := g.store.TTL(ctx, "rate:"+key); err == nil && ttl > 0 {
					retryAfter = ttl
				}
				g.logger.Info("rate limit exceeded",
					"limiter", lim.ID,
					"max_requests", lim.Rate.Requests,
					"window", lim.Rate.Period,
				)
				return Result{
					Decision:   Deferred,
					LimiterID:  lim.ID,
					RetryAfter: time.Now().Add(retryAfter),
				}
			}
		}

		if lim.Concurrency > 0 {
			free, ok := g.inflight.acquire(key, lim.Concurrency)
			if !ok {
				release()
				g.logger.Info("concurrency limit exceeded",
					"limiter", lim.ID,
					"max_concurrent", lim.Concurrency,
				)
				return Result{Decision: Deferred, LimiterID: lim.ID}
			}
			releases = append(releases, free)
		}
	}

	res := Result{Decision: Admit}
	if len(releases) > 0 {
		res.Release = release
	}
	return res
}

// CheckQuota verifies one quota against the current counters, appending a
// reservation reference per enforced ceiling. It returns false when either
// ceiling would be exceeded.
func (g *Guard) CheckQuota(ctx context.Context, quota *Quota, vars expr.Variables, size int64, id uint64, refs *[]QuotaRef) bool {
	if !g.matches(quota.Expr, vars) {
		return true
	}
	key := limiterKey(quota.ID, quota.Keys, vars)

	if quota.Size > 0 {
		used, err := g.store.Get(ctx, "quota:size:"+key)
		if err != nil && !errors.Is(err, counter.ErrNotFound) {
			g.logger.Error("quota counter unavailable", "quota", quota.ID, "error", err)
		} else if used+size > quota.Size {
			return false
		}
		*refs = append(*refs, QuotaRef{Key: key, Size: true, ID: id})
	}

	if quota.Messages > 0 {
		total, err := g.store.Get(ctx, "quota:count:"+key)
		if err != nil && !errors.Is(err, counter.ErrNotFound) {
			g.logger.Error("quota counter unavailable", "quota", quota.ID, "error", err)
		} else if total+1 > quota.Messages {
			return false
		}
		*refs = append(*refs, QuotaRef{Key: key, Size: false, ID: id})
	}

	return true
}

// Reserve applies the quota reservations recorded by CheckQuota.
func (g *Guard) Reserve(ctx context.Context, refs []QuotaRef, size int64) {
	for _, ref := range refs {
		var err error
		if ref.Size {
			_, err = g.store.IncrBy(ctx, "quota:size:"+ref.Key, size)
		} else {
			_, err = g.store.IncrBy(ctx, "quota:count:"+ref.Key, 1)
		}
		if err != nil {
			g.logger.Error("quota reserve failed", "key", ref.Key, "error", err)
		}
	}
}

// Release returns previously reserved quota.
func (g *Guard) Release(ctx context.Context, refs []QuotaRef, size int64) {
	for _, ref := range refs {
		var err error
		if ref.Size {
			_, err = g.store.IncrBy(ctx, "quota:size:"+ref.Key, -size)
		} else {
			_, err = g.store.IncrBy(ctx, "quota:count:"+ref.Key, -1)
		}
		if err != nil {
			g.logger.Error("quota release failed", "key", ref.Key, "error", err)
		}
	}
}

// concurrencyMap tracks in-flight slots per limiter key. Slots are
// process-local: each node enforces its own share of the ceiling.
type concurrencyMap struct {
	mu    sync.Mutex
	slots map[string]int64
}

func newConcurrencyMap() *concurrencyMap {
	return &concurrencyMap{slots: make(map[string]int64)}
}

func (c *concurrencyMap) acquire(key string, max int64) (func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slots[key] >= max {
		return nil, false
	}
	c.slots[key]++
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.slots[key]--; c.slots[key] <= 0 {
				delete(c.slots, key)
			}
		})
	}, true
}

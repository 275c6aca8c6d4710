// Package strategy layers read-through policies on top of a cache engine.
// A strategy decides, per lookup, how the cache and the origin fetcher
// interact: which is consulted first, whether stale data may be served,
// and whether the origin is contacted at all.
package strategy

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wudi/tiercache/internal/engine"
	"github.com/wudi/tiercache/internal/errors"
	"github.com/wudi/tiercache/internal/logging"
)

// Fetcher loads a value from the origin when the cache cannot serve it.
type Fetcher func(ctx context.Context, key string) ([]byte, error)

// Name identifies a read-through policy.
type Name string

const (
	// CacheFirst serves from cache when possible and fetches on a miss.
	CacheFirst Name = "cache-first"
	// NetworkFirst fetches from the origin and falls back to cache,
	// stale included, when the origin fails.
	NetworkFirst Name = "network-first"
	// StaleWhileRevalidate serves stale data immediately and refreshes
	// it in the background.
	StaleWhileRevalidate Name = "stale-while-revalidate"
	// CacheOnly never contacts the origin.
	CacheOnly Name = "cache-only"
	// NetworkOnly always contacts the origin and never touches the cache.
	NetworkOnly Name = "network-only"
)

// Parse validates a strategy name from configuration.
func Parse(s string) (Name, error) {
	switch Name(s) {
	case CacheFirst, NetworkFirst, StaleWhileRevalidate, CacheOnly, NetworkOnly:
		return Name(s), nil
	case "":
		return CacheFirst, nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// Stats holds read-through metrics.
type Stats struct {
	Fetches           int64 `json:"fetches"`
	FetchErrors       int64 `json:"fetch_errors"`
	Deduplicated      int64 `json:"deduplicated"`
	StaleServed       int64 `json:"stale_served"`
	Revalidations     int64 `json:"revalidations"`
	RevalidateErrors  int64 `json:"revalidate_errors"`
	BreakerRejections int64 `json:"breaker_rejections"`
}

// Options tunes an Executor beyond the strategy name.
type Options struct {
	// TTL and Tags are applied to values stored after a fetch.
	TTL  time.Duration
	Tags []string

	// FetchTimeout bounds a single origin call. Zero uses the default.
	FetchTimeout time.Duration

	// Breaker, when set, gates origin calls. An open breaker is treated
	// like a failed fetch, so fallback paths still apply.
	Breaker *gobreaker.CircuitBreaker[[]byte]

	// OnRevalidateError observes background refresh failures. Background
	// refreshes never surface errors to the caller that got stale data.
	OnRevalidateError func(key string, err error)
}

const defaultFetchTimeout = 30 * time.Second

// Executor binds one engine, one fetcher, and one policy. Concurrent
// lookups for the same key share a single origin call.
type Executor struct {
	engine  *engine.Engine
	fetch   Fetcher
	name    Name
	opts    Options
	timeout time.Duration
	group   singleflight.Group

	fetches           atomic.Int64
	fetchErrors       atomic.Int64
	deduplicated      atomic.Int64
	staleServed       atomic.Int64
	revalidations     atomic.Int64
	revalidateErrors  atomic.Int64
	breakerRejections atomic.Int64
}

// New creates an Executor. fetch may be nil only for CacheOnly.
func New(e *engine.Engine, name Name, fetch Fetcher, opts Options) (*Executor, error) {
	if e == nil {
		return nil, fmt.Errorf("strategy: engine is required")
	}
	if fetch == nil && name != CacheOnly {
		return nil, fmt.Errorf("strategy: %s requires a fetcher", name)
	}
	timeout := opts.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &Executor{engine: e, fetch: fetch, name: name, opts: opts, timeout: timeout}, nil
}

// Name returns the policy this executor applies.
func (x *Executor) Name() Name { return x.name }

// Get resolves a key according to the executor's policy.
func (x *Executor) Get(ctx context.Context, key string) ([]byte, error) {
	switch x.name {
	case CacheOnly:
		return x.cacheOnly(ctx, key)
	case NetworkOnly:
		return x.fetchDirect(ctx, key)
	case NetworkFirst:
		return x.networkFirst(ctx, key)
	case StaleWhileRevalidate:
		return x.staleWhileRevalidate(ctx, key)
	default:
		return x.cacheFirst(ctx, key)
	}
}

func (x *Executor) cacheOnly(ctx context.Context, key string) ([]byte, error) {
	value, ok, err := x.engine.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.ErrNotFound
	}
	return value, nil
}

func (x *Executor) cacheFirst(ctx context.Context, key string) ([]byte, error) {
	value, ok, err := x.engine.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if ok {
		return value, nil
	}
	return x.fetchAndStore(ctx, key)
}

func (x *Executor) networkFirst(ctx context.Context, key string) ([]byte, error) {
	value, err := x.fetchAndStore(ctx, key)
	if err == nil {
		return value, nil
	}

	// Origin failed. Any cached value, stale included, beats an error.
	cached, fresh, found, lookupErr := x.engine.Lookup(ctx, key)
	if lookupErr == nil && found {
		if !fresh {
			x.staleServed.Add(1)
		}
		return cached, nil
	}
	return nil, err
}

func (x *Executor) staleWhileRevalidate(ctx context.Context, key string) ([]byte, error) {
	value, fresh, found, err := x.engine.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if found {
		// Serve what we have now, fresh or stale, and refresh behind the
		// caller's back.
		if !fresh {
			x.staleServed.Add(1)
		}
		x.revalidate(ctx, key)
		return value, nil
	}
	return x.fetchAndStore(ctx, key)
}

// revalidate refreshes a key in the background. The origin call is detached
// from the caller's cancellation so a fast caller doesn't abort the refresh.
func (x *Executor) revalidate(ctx context.Context, key string) {
	x.revalidations.Add(1)
	detached := context.WithoutCancel(ctx)
	go func() {
		if _, err := x.fetchAndStore(detached, key); err != nil {
			x.revalidateErrors.Add(1)
			logging.Debug("background revalidation failed",
				zap.String("namespace", x.engine.Namespace()),
				zap.String("key", key),
				zap.Error(err))
			if x.opts.OnRevalidateError != nil {
				x.opts.OnRevalidateError(key, err)
			}
		}
	}()
}

// fetchAndStore calls the origin through singleflight and writes the result
// back to the cache. Concurrent callers for the same key share one call.
func (x *Executor) fetchAndStore(ctx context.Context, key string) ([]byte, error) {
	return x.flight(ctx, key, func(ctx context.Context) ([]byte, error) {
		value, err := x.callOrigin(ctx, key)
		if err != nil {
			return nil, err
		}
		if err := x.engine.Set(ctx, key, value, engine.SetOptions{TTL: x.opts.TTL, Tags: x.opts.Tags}); err != nil {
			// The value is good even if the cache write isn't.
			logging.Warn("cache write after fetch failed",
				zap.String("namespace", x.engine.Namespace()),
				zap.String("key", key),
				zap.Error(err))
		}
		return value, nil
	})
}

// fetchDirect calls the origin without touching the cache.
func (x *Executor) fetchDirect(ctx context.Context, key string) ([]byte, error) {
	return x.flight(ctx, key, func(ctx context.Context) ([]byte, error) {
		return x.callOrigin(ctx, key)
	})
}

// flight runs fn through singleflight. The shared call is detached from the
// creating caller's cancellation, so one caller giving up doesn't fail the
// waiters sharing the result; callOrigin's timeout still bounds it. Each
// caller's own select observes its context.
func (x *Executor) flight(ctx context.Context, key string, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	shared := context.WithoutCancel(ctx)
	ch := x.group.DoChan(key, func() (interface{}, error) {
		x.fetches.Add(1)
		value, err := fn(shared)
		if err != nil {
			x.fetchErrors.Add(1)
			return nil, errors.WrapFetch(err)
		}
		return value, nil
	})

	select {
	case result := <-ch:
		if result.Err != nil {
			return nil, result.Err
		}
		if result.Shared {
			x.deduplicated.Add(1)
		}
		return result.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (x *Executor) callOrigin(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	if x.opts.Breaker == nil {
		return x.fetch(ctx, key)
	}
	value, err := x.opts.Breaker.Execute(func() ([]byte, error) {
		return x.fetch(ctx, key)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		x.breakerRejections.Add(1)
	}
	return value, err
}

// Stats returns a snapshot of read-through metrics.
func (x *Executor) Stats() Stats {
	return Stats{
		Fetches:           x.fetches.Load(),
		FetchErrors:       x.fetchErrors.Load(),
		Deduplicated:      x.deduplicated.Load(),
		StaleServed:       x.staleServed.Load(),
		Revalidations:     x.revalidations.Load(),
		RevalidateErrors:  x.revalidateErrors.Load(),
		BreakerRejections: x.breakerRejections.Load(),
	}
}

// NewBreaker builds a circuit breaker with failure-ratio tripping suitable
// for guarding a flaky origin.
func NewBreaker(name string, minRequests uint32, failureRatio float64, timeout time.Duration) *gobreaker.CircuitBreaker[[]byte] {
	if minRequests == 0 {
		minRequests = 5
	}
	if failureRatio <= 0 || failureRatio > 1 {
		failureRatio = 0.6
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    name,
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= failureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info("origin breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

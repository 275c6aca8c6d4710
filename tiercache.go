// Package tiercache is a multi-tier cache engine. Values are stored across
// an ordered hierarchy of tiers ranging from process memory to durable
// stores, with TTL expiry, size-bounded eviction, read-through strategies,
// and cross-process invalidation over a message bus.
//
// A Cache is built from configuration and serves any number of namespaces;
// each namespace gets its own engine over shared tier instances.
package tiercache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wudi/tiercache/internal/bus"
	"github.com/wudi/tiercache/internal/config"
	"github.com/wudi/tiercache/internal/engine"
	"github.com/wudi/tiercache/internal/errors"
	"github.com/wudi/tiercache/internal/strategy"
	"github.com/wudi/tiercache/internal/tier"
)

// Fetcher loads a value from the origin for read-through strategies.
type Fetcher = strategy.Fetcher

// Stats mirrors a namespace engine's counter snapshot.
type Stats = engine.Stats

// StrategyStats mirrors a namespace's read-through counters.
type StrategyStats = strategy.Stats

// Re-exported sentinels so callers don't import internal packages.
var (
	ErrNotFound         = errors.ErrNotFound
	ErrCapacityExceeded = errors.ErrCapacityExceeded
	ErrWriteFailed      = errors.ErrWriteFailed
	ErrCorrupted        = errors.ErrCorrupted
)

// IsFetchError reports whether err originated in an origin fetch rather
// than the cache itself.
func IsFetchError(err error) bool { return errors.IsFetchError(err) }

// IsNotFound reports whether err is the cache-only miss sentinel.
func IsNotFound(err error) bool { return errors.Is(err, errors.ErrNotFound) }

// Cache is the top-level handle. Safe for concurrent use.
type Cache struct {
	cfg      *config.Config
	registry *engine.Registry
	eventBus bus.Bus
	tiers    map[string]tier.Tier

	mu        sync.Mutex
	executors map[string]*strategy.Executor
	fetchers  map[string]Fetcher
	closers   []func() error
}

// Open builds a Cache from configuration: tier instances, the
// invalidation bus, and a lazy per-namespace engine registry.
func Open(cfg *config.Config) (*Cache, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	c := &Cache{
		cfg:       cfg,
		tiers:     make(map[string]tier.Tier, len(cfg.Tiers)),
		executors: make(map[string]*strategy.Executor),
		fetchers:  make(map[string]Fetcher),
	}

	for name, tc := range cfg.Tiers {
		t, err := c.buildTier(name, tc)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("tier %s: %w", name, err)
		}
		c.tiers[name] = t
	}

	if err := c.buildBus(cfg.Bus); err != nil {
		c.Close()
		return nil, err
	}

	c.registry = engine.NewRegistry(c.buildEngine)
	return c, nil
}

// OpenFile loads a config file and opens a Cache from it.
func OpenFile(path string) (*Cache, error) {
	cfg, err := config.NewLoader().Load(path)
	if err != nil {
		return nil, err
	}
	return Open(cfg)
}

func (c *Cache) buildTier(name string, tc config.TierConfig) (tier.Tier, error) {
	desc := tier.Descriptor{
		Name:          name,
		Order:         tc.Order,
		CapacityBytes: tc.CapacityBytes,
	}

	switch tc.Kind {
	case config.TierMemory:
		return tier.NewMemory(desc, tc.MaxEntries), nil

	case config.TierFile:
		desc.Persistent = !tc.Ephemeral
		return tier.NewFile(desc, tc.Path, tc.Ephemeral)

	case config.TierBolt:
		desc.Persistent = true
		return tier.NewBolt(desc, tc.Path)

	case config.TierRedis:
		desc.Persistent = true
		// The tier owns the client and closes it.
		client := redis.NewClient(&redis.Options{Addr: tc.RedisAddr, DB: tc.RedisDB})
		return tier.NewRedis(desc, client, tc.RedisPrefix), nil
	}
	return nil, fmt.Errorf("unknown tier kind %q", tc.Kind)
}

func (c *Cache) buildBus(bc config.BusConfig) error {
	switch {
	case bc.URL != "":
		b, err := bus.NewPubSub(bc.URL, bc.URL)
		if err != nil {
			return fmt.Errorf("bus: %w", err)
		}
		c.eventBus = b

	case bc.Kind == "redis":
		client := redis.NewClient(&redis.Options{Addr: bc.RedisAddr, DB: bc.RedisDB})
		c.closers = append(c.closers, client.Close)
		c.eventBus = bus.NewRedis(client, bc.Channel)

	case bc.Kind == "mem":
		url := "mem://tiercache-invalidation"
		b, err := bus.NewPubSub(url, url)
		if err != nil {
			return fmt.Errorf("bus: %w", err)
		}
		c.eventBus = b
	}
	return nil
}

func (c *Cache) config() *config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// buildEngine is the registry builder: it assembles a namespace's tier
// list from its resolved config.
func (c *Cache) buildEngine(namespace string) (*engine.Engine, error) {
	ns := c.config().Namespace(namespace)

	tiers := make([]tier.Tier, 0, len(ns.Tiers))
	for _, ref := range ns.Tiers {
		t, ok := c.tiers[ref]
		if !ok {
			return nil, fmt.Errorf("namespace %s: unknown tier %q", namespace, ref)
		}
		tiers = append(tiers, t)
	}
	sort.Slice(tiers, func(i, j int) bool {
		return tiers[i].Descriptor().Order < tiers[j].Descriptor().Order
	})

	return engine.New(engine.Config{
		Namespace:     namespace,
		Tiers:         tiers,
		Authoritative: ns.Authoritative,
		DefaultTTL:    ns.TTL,
		Promotion:     engine.PromotionMode(ns.Promotion),
		Bus:           c.eventBus,
	})
}

// SetOption customizes a single write.
type SetOption func(*engine.SetOptions)

// WithTTL overrides the namespace default TTL for one write. A negative
// value disables expiry for the entry.
func WithTTL(d time.Duration) SetOption {
	return func(o *engine.SetOptions) { o.TTL = d }
}

// WithTags labels the entry for tag-based invalidation.
func WithTags(tags ...string) SetOption {
	return func(o *engine.SetOptions) { o.Tags = tags }
}

// Get reads a fresh value. The second return is false on a miss, an
// expired entry, or a corrupt one.
func (c *Cache) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	e, err := c.registry.Get(namespace)
	if err != nil {
		return nil, false, err
	}
	return e.Get(ctx, key)
}

// Set writes a value to the namespace's authoritative tiers.
func (c *Cache) Set(ctx context.Context, namespace, key string, value []byte, opts ...SetOption) error {
	e, err := c.registry.Get(namespace)
	if err != nil {
		return err
	}
	var so engine.SetOptions
	for _, opt := range opts {
		opt(&so)
	}
	return e.Set(ctx, key, value, so)
}

// GetJSON reads a value and unmarshals it into v.
func (c *Cache) GetJSON(ctx context.Context, namespace, key string, v any) (bool, error) {
	data, ok, err := c.Get(ctx, namespace, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal cached value: %w", err)
	}
	return true, nil
}

// SetJSON marshals v and writes it.
func (c *Cache) SetJSON(ctx context.Context, namespace, key string, v any, opts ...SetOption) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	return c.Set(ctx, namespace, key, data, opts...)
}

// Invalidate removes a key from every tier and announces it on the bus.
func (c *Cache) Invalidate(ctx context.Context, namespace, key string) error {
	e, err := c.registry.Get(namespace)
	if err != nil {
		return err
	}
	return e.Invalidate(ctx, key)
}

// InvalidateTag removes every entry in the namespace carrying the tag.
func (c *Cache) InvalidateTag(ctx context.Context, namespace, tag string) error {
	e, err := c.registry.Get(namespace)
	if err != nil {
		return err
	}
	return e.InvalidateTag(ctx, tag)
}

// Clear removes every entry in the namespace.
func (c *Cache) Clear(ctx context.Context, namespace string) error {
	e, err := c.registry.Get(namespace)
	if err != nil {
		return err
	}
	return e.Clear(ctx)
}

// RegisterFetcher binds an origin fetcher to a namespace, enabling Fetch
// with the namespace's configured read-through strategy.
func (c *Cache) RegisterFetcher(namespace string, fetch Fetcher) error {
	e, err := c.registry.Get(namespace)
	if err != nil {
		return err
	}

	ns := c.config().Namespace(namespace)
	name, err := strategy.Parse(ns.Strategy)
	if err != nil {
		return err
	}

	opts := strategy.Options{
		TTL:          ns.TTL,
		FetchTimeout: ns.FetchTimeout,
	}
	if ns.Breaker.Enabled {
		opts.Breaker = strategy.NewBreaker(namespace, ns.Breaker.MinRequests,
			ns.Breaker.FailureRatio, ns.Breaker.Timeout)
	}

	x, err := strategy.New(e, name, fetch, opts)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.executors[namespace] = x
	c.fetchers[namespace] = fetch
	c.mu.Unlock()
	return nil
}

// Fetch resolves a key through the namespace's read-through strategy.
// Namespaces with a fetching strategy need RegisterFetcher first;
// cache-only namespaces work without one.
func (c *Cache) Fetch(ctx context.Context, namespace, key string) ([]byte, error) {
	c.mu.Lock()
	x, ok := c.executors[namespace]
	fetch, registered := c.fetchers[namespace]
	c.mu.Unlock()

	if !ok {
		if !registered {
			ns := c.config().Namespace(namespace)
			name, err := strategy.Parse(ns.Strategy)
			if err != nil {
				return nil, err
			}
			if name != strategy.CacheOnly {
				return nil, fmt.Errorf("namespace %s: no fetcher registered", namespace)
			}
		}
		// Rebuilds the executor after a reload, or creates a
		// cache-only one on first use.
		if err := c.RegisterFetcher(namespace, fetch); err != nil {
			return nil, err
		}
		c.mu.Lock()
		x = c.executors[namespace]
		c.mu.Unlock()
	}
	return x.Get(ctx, key)
}

// WithStrategy resolves one key through an explicitly named strategy and
// fetcher, overriding the namespace's configured policy for this call.
// Callers resolving the same keys repeatedly should prefer RegisterFetcher
// and Fetch, which share one in-flight origin call across concurrent
// lookups.
func (c *Cache) WithStrategy(ctx context.Context, strategyName, namespace, key string, fetch Fetcher, opts ...SetOption) ([]byte, error) {
	e, err := c.registry.Get(namespace)
	if err != nil {
		return nil, err
	}
	name, err := strategy.Parse(strategyName)
	if err != nil {
		return nil, err
	}

	ns := c.config().Namespace(namespace)
	var so engine.SetOptions
	so.TTL = ns.TTL
	for _, opt := range opts {
		opt(&so)
	}

	x, err := strategy.New(e, name, fetch, strategy.Options{
		TTL:          so.TTL,
		Tags:         so.Tags,
		FetchTimeout: ns.FetchTimeout,
	})
	if err != nil {
		return nil, err
	}
	return x.Get(ctx, key)
}

// Reload applies new namespace policies (TTL, tier lists, strategies,
// promotion, breaker settings) from cfg. Tier and bus topology are fixed
// at Open; changing them requires a restart. Namespace engines and
// read-through executors are rebuilt lazily on next use, keeping
// registered fetchers.
func (c *Cache) Reload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	c.mu.Lock()
	c.cfg = cfg
	c.executors = make(map[string]*strategy.Executor)
	c.mu.Unlock()
	c.registry.Reset()
}

// Stats returns engine counters for every namespace touched so far.
func (c *Cache) Stats() map[string]engine.Stats {
	return c.registry.Stats()
}

// StrategyStats returns read-through counters for namespaces with a
// registered fetcher.
func (c *Cache) StrategyStats() map[string]strategy.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]strategy.Stats, len(c.executors))
	for ns, x := range c.executors {
		out[ns] = x.Stats()
	}
	return out
}

// Namespaces lists namespaces with a live engine.
func (c *Cache) Namespaces() []string {
	return c.registry.Namespaces()
}

// Close shuts down engines, tiers, the bus, and any owned clients.
func (c *Cache) Close() error {
	var firstErr error

	if c.registry != nil {
		c.registry.Reset()
	}
	for _, t := range c.tiers {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.eventBus != nil {
		if err := c.eventBus.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, closer := range c.closers {
		if err := closer(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Package engine contains the tier orchestrator: one Engine per namespace
// walks the configured tiers in order, promotes hits toward the faster
// tiers, runs the eviction policy when a write overflows a tier, and keeps
// sibling processes convergent through the invalidation bus.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/tiercache/internal/bus"
	"github.com/wudi/tiercache/internal/codec"
	"github.com/wudi/tiercache/internal/errors"
	"github.com/wudi/tiercache/internal/logging"
	"github.com/wudi/tiercache/internal/metrics"
	"github.com/wudi/tiercache/internal/policy"
	"github.com/wudi/tiercache/internal/tier"
)

// PromotionMode selects the promotion fan-out on a slow-tier hit.
type PromotionMode string

const (
	// PromoteAll copies a hit into every faster tier. The default.
	PromoteAll PromotionMode = "all"
	// PromoteNext copies a hit only into the immediately faster tier,
	// trading promotion latency for lower write amplification.
	PromoteNext PromotionMode = "next"
)

// promotionTimeout bounds the background promotion writes.
const promotionTimeout = 5 * time.Second

// Config configures one Engine.
type Config struct {
	// Namespace partitions keys; all storage is namespace-qualified.
	Namespace string
	// Tiers participating in the hierarchy. Sorted by Descriptor.Order at
	// construction; orders must be unique.
	Tiers []tier.Tier
	// Authoritative names the tiers written synchronously on Set. Empty
	// means the fastest tier plus the slowest persistent tier.
	Authoritative []string
	// DefaultTTL applies when a write doesn't carry its own TTL. 0 = no
	// expiry.
	DefaultTTL time.Duration
	// Promotion selects the fan-out; empty means PromoteAll.
	Promotion PromotionMode
	// Bus distributes invalidations to other processes. Optional.
	Bus bus.Bus
	// OriginID identifies this process on the bus. Generated when empty.
	OriginID string
}

// SetOptions carries per-write options.
type SetOptions struct {
	// TTL overrides the namespace default. Negative means "no expiry"
	// explicitly; zero means "use the default".
	TTL time.Duration
	// Tags label the entry for tag-based invalidation.
	Tags []string
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	StaleHits     int64 `json:"stale_hits"`
	Promotions    int64 `json:"promotions"`
	Evictions     int64 `json:"evictions"`
	Corruptions   int64 `json:"corruptions"`
	Invalidations int64 `json:"invalidations"`
	WriteFailures int64 `json:"write_failures"`
}

// Engine orchestrates the tier hierarchy for a single namespace.
type Engine struct {
	namespace        string
	tiers            []tier.Tier // ascending order
	authoritative    []tier.Tier
	nonAuthoritative []tier.Tier
	defaultTTL       time.Duration
	promotion        PromotionMode
	eventBus         bus.Bus
	originID         string
	busCancel        func()

	// now is the clock; swapped in tests.
	now func() time.Time

	// keyLocks serializes same-key writes so they apply in issuance order.
	keyLocks [64]chMutex

	hits          atomic.Int64
	misses        atomic.Int64
	staleHits     atomic.Int64
	promotions    atomic.Int64
	evictions     atomic.Int64
	corruptions   atomic.Int64
	invalidations atomic.Int64
	writeFailures atomic.Int64
}

// chMutex is a channel-based mutex so lock acquisition can observe context
// cancellation.
type chMutex struct {
	ch chan struct{}
}

func (m *chMutex) lock(ctx context.Context) error {
	select {
	case m.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *chMutex) unlock() { <-m.ch }

// New builds an Engine. Tier orders must be unique; at least one tier is
// required.
func New(cfg Config) (*Engine, error) {
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("engine: namespace is required")
	}
	if len(cfg.Tiers) == 0 {
		return nil, fmt.Errorf("engine: at least one tier is required")
	}

	tiers := make([]tier.Tier, len(cfg.Tiers))
	copy(tiers, cfg.Tiers)
	sort.SliceStable(tiers, func(i, j int) bool {
		return tiers[i].Descriptor().Order < tiers[j].Descriptor().Order
	})
	seen := make(map[int]string, len(tiers))
	for _, t := range tiers {
		d := t.Descriptor()
		if other, dup := seen[d.Order]; dup {
			return nil, fmt.Errorf("engine: tiers %q and %q share order %d", other, d.Name, d.Order)
		}
		seen[d.Order] = d.Name
	}

	origin := cfg.OriginID
	if origin == "" {
		origin = uuid.New().String()
	}

	promotion := cfg.Promotion
	if promotion == "" {
		promotion = PromoteAll
	}

	e := &Engine{
		namespace:  cfg.Namespace,
		tiers:      tiers,
		defaultTTL: cfg.DefaultTTL,
		promotion:  promotion,
		eventBus:   cfg.Bus,
		originID:   origin,
		now:        time.Now,
	}
	for i := range e.keyLocks {
		e.keyLocks[i].ch = make(chan struct{}, 1)
	}

	if err := e.resolveAuthoritative(cfg.Authoritative); err != nil {
		return nil, err
	}
	e.splitNonAuthoritative()

	if e.eventBus != nil {
		cancel, err := e.eventBus.Subscribe(e.onEvent)
		if err != nil {
			return nil, fmt.Errorf("engine: subscribe bus: %w", err)
		}
		e.busCancel = cancel
	}
	return e, nil
}

// resolveAuthoritative picks the tiers written synchronously on Set.
func (e *Engine) resolveAuthoritative(names []string) error {
	if len(names) > 0 {
		byName := make(map[string]tier.Tier, len(e.tiers))
		for _, t := range e.tiers {
			byName[t.Descriptor().Name] = t
		}
		for _, name := range names {
			t, ok := byName[name]
			if !ok {
				return fmt.Errorf("engine: authoritative tier %q not configured", name)
			}
			e.authoritative = append(e.authoritative, t)
		}
		return nil
	}

	// Default: fastest tier plus the slowest persistent tier.
	e.authoritative = append(e.authoritative, e.tiers[0])
	for i := len(e.tiers) - 1; i > 0; i-- {
		if e.tiers[i].Descriptor().Persistent {
			e.authoritative = append(e.authoritative, e.tiers[i])
			break
		}
	}
	return nil
}

// splitNonAuthoritative records the tiers Set must purge so a promoted copy
// of an older value can never outlive an overwrite.
func (e *Engine) splitNonAuthoritative() {
	auth := make(map[string]bool, len(e.authoritative))
	for _, t := range e.authoritative {
		auth[t.Descriptor().Name] = true
	}
	for _, t := range e.tiers {
		if !auth[t.Descriptor().Name] {
			e.nonAuthoritative = append(e.nonAuthoritative, t)
		}
	}
}

// SetClock swaps the engine's clock. Test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Namespace returns the engine's namespace.
func (e *Engine) Namespace() string { return e.namespace }

// OriginID returns this engine's identity on the invalidation bus.
func (e *Engine) OriginID() string { return e.originID }

// Get returns the freshest cached value for key, or found=false on a miss.
// Expired entries are treated as absent.
func (e *Engine) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, fresh, found, err := e.Lookup(ctx, key)
	if err != nil || !found || !fresh {
		return nil, false, err
	}
	return value, true, nil
}

// Lookup walks the tiers and reports what it found: fresh means the entry's
// TTL has not passed. A stale (found && !fresh) result carries the expired
// value so strategies like stale-while-revalidate can serve it. Expired
// entries are left in place for the next write-triggered sweep.
func (e *Engine) Lookup(ctx context.Context, key string) (value []byte, fresh, found bool, err error) {
	now := e.now()
	var stale *codec.Entry

	for i, t := range e.tiers {
		entry, ok, err := t.Get(ctx, e.namespace, key)
		if err != nil {
			if errors.Is(err, errors.ErrCorrupted) {
				e.healCorrupt(ctx, t, key)
				continue
			}
			logging.Warn("tier read failed, treating as miss",
				zap.String("namespace", e.namespace),
				zap.String("tier", t.Descriptor().Name),
				zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if entry.Expired(now) {
			if stale == nil {
				stale = entry
			}
			continue
		}

		entry.Touch(now)
		entry.Origin = t.Descriptor().Name
		if tt, ok := t.(toucher); ok {
			tt.Touch(ctx, e.namespace, key, now)
		}
		e.hits.Add(1)
		metrics.RecordHit(e.namespace, t.Descriptor().Name)
		if i > 0 {
			e.promote(entry, i)
		}
		return entry.Value, true, true, nil
	}

	if stale != nil {
		e.staleHits.Add(1)
		metrics.RecordStaleHit(e.namespace)
		return stale.Value, false, true, nil
	}

	e.misses.Add(1)
	metrics.RecordMiss(e.namespace)
	return nil, false, false, nil
}

// toucher persists access recency in place, without a full rewrite. Offered
// by the memory tier; codec-backed tiers fall back to write-time recency,
// which promotion writes refresh anyway.
type toucher interface {
	Touch(ctx context.Context, namespace, key string, now time.Time)
}

// healCorrupt deletes an undecodable slot so the next read re-derives from a
// lower tier or the fetcher. Never fatal.
func (e *Engine) healCorrupt(ctx context.Context, t tier.Tier, key string) {
	e.corruptions.Add(1)
	metrics.RecordCorruption(e.namespace, t.Descriptor().Name)
	logging.Warn("corrupt cache entry removed",
		zap.String("namespace", e.namespace),
		zap.String("tier", t.Descriptor().Name),
		zap.String("key", key))
	if err := t.Delete(ctx, e.namespace, key); err != nil {
		logging.Warn("failed to remove corrupt entry", zap.Error(err))
	}
}

// promote copies a hit into faster tiers in the background. Promotion is an
// optimization: failures are swallowed.
func (e *Engine) promote(entry *codec.Entry, hitIdx int) {
	targets := e.tiers[:hitIdx]
	if e.promotion == PromoteNext {
		targets = e.tiers[hitIdx-1 : hitIdx]
	}

	cp := entry.Clone()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), promotionTimeout)
		defer cancel()
		for _, t := range targets {
			if err := t.Set(ctx, cp); err != nil {
				logging.Debug("promotion write skipped",
					zap.String("namespace", e.namespace),
					zap.String("tier", t.Descriptor().Name),
					zap.Error(err))
				continue
			}
			e.promotions.Add(1)
			metrics.RecordPromotion(e.namespace, t.Descriptor().Name)
		}
	}()
}

// Set writes value under key to the authoritative tiers, then purges the key
// from the remaining tiers so a promoted copy of an older value cannot be
// served after the overwrite. On a capacity failure the eviction policy runs
// once for that tier and the write is retried; a second failure surfaces as
// ErrWriteFailed.
func (e *Engine) Set(ctx context.Context, key string, value []byte, opts SetOptions) error {
	ttl := e.defaultTTL
	switch {
	case opts.TTL > 0:
		ttl = opts.TTL
	case opts.TTL < 0:
		ttl = 0
	}

	lock := &e.keyLocks[xxhash.Sum64String(key)%uint64(len(e.keyLocks))]
	if err := lock.lock(ctx); err != nil {
		return err
	}
	defer lock.unlock()

	entry := codec.New(e.namespace, key, value, ttl, opts.Tags, e.now())

	for _, t := range e.authoritative {
		if err := e.setWithEviction(ctx, t, entry); err != nil {
			e.writeFailures.Add(1)
			metrics.RecordWriteFailure(e.namespace, t.Descriptor().Name)
			return err
		}
	}

	for _, t := range e.nonAuthoritative {
		if err := t.Delete(ctx, e.namespace, key); err != nil {
			logging.Warn("stale copy purge failed",
				zap.String("namespace", e.namespace),
				zap.String("tier", t.Descriptor().Name),
				zap.String("key", key),
				zap.Error(err))
		}
	}

	e.publish(bus.Event{Namespace: e.namespace, Key: key, Origin: e.originID, Timestamp: e.now()})
	return nil
}

// setWithEviction performs one write with a single eviction-and-retry on
// capacity pressure.
func (e *Engine) setWithEviction(ctx context.Context, t tier.Tier, entry *codec.Entry) error {
	err := t.Set(ctx, entry)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errors.ErrCapacityExceeded) {
		return fmt.Errorf("%w: tier %s: %v", errors.ErrWriteFailed, t.Descriptor().Name, err)
	}

	e.evict(ctx, t, entry.SizeBytes)

	if err := t.Set(ctx, entry); err != nil {
		return fmt.Errorf("%w: tier %s after eviction: %v", errors.ErrWriteFailed, t.Descriptor().Name, err)
	}
	return nil
}

// evict frees room in a tier for a pending write of needBytes. Expired
// entries go first; live ones follow in recency/frequency order.
func (e *Engine) evict(ctx context.Context, t tier.Tier, needBytes int64) {
	entries, err := t.Entries(ctx, "")
	if err != nil {
		logging.Warn("eviction scan failed",
			zap.String("tier", t.Descriptor().Name), zap.Error(err))
		return
	}

	d := t.Descriptor()
	// Free the pending write's size, plus whatever the tier is already over
	// budget by.
	need := needBytes
	if d.CapacityBytes > 0 {
		if over := t.UsedBytes() + needBytes - d.CapacityBytes; over > need {
			need = over
		}
	}

	victims := policy.SelectVictims(entries, need, e.now())
	for _, v := range victims {
		if err := t.Delete(ctx, v.Namespace, v.Key); err != nil {
			logging.Warn("eviction delete failed",
				zap.String("tier", d.Name),
				zap.String("key", v.Key),
				zap.Error(err))
			continue
		}
		e.evictions.Add(1)
		metrics.RecordEviction(e.namespace, d.Name, v.Expired)
	}
}

// Invalidate removes key from every tier and announces it on the bus.
func (e *Engine) Invalidate(ctx context.Context, key string) error {
	var firstErr error
	for _, t := range e.tiers {
		if err := t.Delete(ctx, e.namespace, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.invalidations.Add(1)
	metrics.RecordInvalidation(e.namespace)
	e.publish(bus.Event{Namespace: e.namespace, Key: key, Origin: e.originID, Timestamp: e.now()})
	return firstErr
}

// InvalidateTag removes every entry carrying tag from every tier, then
// announces the tag on the bus.
func (e *Engine) InvalidateTag(ctx context.Context, tag string) error {
	var firstErr error
	for _, t := range e.tiers {
		if err := e.deleteByTag(ctx, t, tag); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.invalidations.Add(1)
	metrics.RecordInvalidation(e.namespace)
	e.publish(bus.Event{Namespace: e.namespace, Tag: tag, Origin: e.originID, Timestamp: e.now()})
	return firstErr
}

// tagDeleter is the fast path offered by tiers with a tag index.
type tagDeleter interface {
	DeleteByTag(ctx context.Context, tag string) int
}

func (e *Engine) deleteByTag(ctx context.Context, t tier.Tier, tag string) error {
	if td, ok := t.(tagDeleter); ok {
		td.DeleteByTag(ctx, tag)
		return nil
	}
	entries, err := t.Entries(ctx, e.namespace)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.HasTag(tag) {
			if err := t.Delete(ctx, e.namespace, entry.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

// Clear drops the whole namespace from every tier and announces it.
func (e *Engine) Clear(ctx context.Context) error {
	var firstErr error
	for _, t := range e.tiers {
		if err := t.Clear(ctx, e.namespace); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.invalidations.Add(1)
	metrics.RecordInvalidation(e.namespace)
	e.publish(bus.Event{Namespace: e.namespace, Origin: e.originID, Timestamp: e.now()})
	return firstErr
}

// publish sends an event best-effort. A bus failure never fails the caller's
// operation; durable tiers remain the source of truth.
func (e *Engine) publish(ev bus.Event) {
	if e.eventBus == nil {
		return
	}
	if err := e.eventBus.Publish(ev); err != nil {
		logging.Warn("invalidation publish failed",
			zap.String("namespace", e.namespace), zap.Error(err))
	}
}

// onEvent handles a bus event. Events from this engine are an idempotent
// no-op; foreign events purge the affected keys from non-persistent tiers
// only, since the shared durable tiers are already globally consistent.
func (e *Engine) onEvent(ev bus.Event) {
	if ev.Origin == e.originID || ev.Namespace != e.namespace {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), promotionTimeout)
	defer cancel()

	for _, t := range e.tiers {
		if t.Descriptor().Persistent {
			continue
		}
		var err error
		switch {
		case ev.Key != "":
			err = t.Delete(ctx, e.namespace, ev.Key)
		case ev.Tag != "":
			err = e.deleteByTag(ctx, t, ev.Tag)
		default:
			err = t.Clear(ctx, e.namespace)
		}
		if err != nil {
			logging.Warn("remote invalidation purge failed",
				zap.String("namespace", e.namespace),
				zap.String("tier", t.Descriptor().Name),
				zap.Error(err))
		}
	}
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Hits:          e.hits.Load(),
		Misses:        e.misses.Load(),
		StaleHits:     e.staleHits.Load(),
		Promotions:    e.promotions.Load(),
		Evictions:     e.evictions.Load(),
		Corruptions:   e.corruptions.Load(),
		Invalidations: e.invalidations.Load(),
		WriteFailures: e.writeFailures.Load(),
	}
}

// Close detaches from the bus. Tiers may be shared across engines and are
// closed by whoever built them.
func (e *Engine) Close() error {
	if e.busCancel != nil {
		e.busCancel()
	}
	return nil
}

package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/tiercache/internal/bus"
	"github.com/wudi/tiercache/internal/errors"
	"github.com/wudi/tiercache/internal/tier"
)

// testStack is a two-tier memory+file hierarchy for engine tests.
type testStack struct {
	mem    *tier.Memory
	file   *tier.File
	engine *Engine
}

func newStack(t *testing.T, cfg Config) *testStack {
	t.Helper()

	mem := tier.NewMemory(tier.Descriptor{Name: "memory", Order: 0}, 0)
	file, err := tier.NewFile(tier.Descriptor{Name: "file", Order: 1, Persistent: true},
		filepath.Join(t.TempDir(), "cache"), false)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Namespace == "" {
		cfg.Namespace = "test"
	}
	cfg.Tiers = []tier.Tier{mem, file}

	e, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	return &testStack{mem: mem, file: file, engine: e}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, Config{})

	if err := s.engine.Set(ctx, "k", []byte("v"), SetOptions{}); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.engine.Get(ctx, "k")
	if err != nil || !ok || string(got) != "v" {
		t.Fatalf("get: ok=%v err=%v got=%q", ok, err, got)
	}
}

func TestIdempotentOverwrite(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, Config{})

	s.engine.Set(ctx, "k", []byte("v1"), SetOptions{})
	s.engine.Set(ctx, "k", []byte("v2"), SetOptions{})

	got, ok, err := s.engine.Get(ctx, "k")
	if err != nil || !ok || string(got) != "v2" {
		t.Fatalf("expected v2, got %q (ok=%v err=%v)", got, ok, err)
	}
}

func TestOverwritePurgesPromotedCopies(t *testing.T) {
	ctx := context.Background()

	fast := tier.NewMemory(tier.Descriptor{Name: "fast", Order: 0}, 0)
	mid := tier.NewMemory(tier.Descriptor{Name: "mid", Order: 1}, 0)
	slow := tier.NewMemory(tier.Descriptor{Name: "slow", Order: 2, Persistent: true}, 0)

	e, err := New(Config{
		Namespace:     "test",
		Tiers:         []tier.Tier{fast, mid, slow},
		Authoritative: []string{"fast", "slow"},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })

	if err := e.Set(ctx, "k", []byte("v1"), SetOptions{}); err != nil {
		t.Fatal(err)
	}

	// Lose the fast copy so the next read hits the slow tier and promotes
	// v1 into the middle tier.
	fast.Delete(ctx, "test", "k")
	if got, ok, _ := e.Get(ctx, "k"); !ok || string(got) != "v1" {
		t.Fatalf("read before overwrite: got %q ok=%v", got, ok)
	}
	waitFor(t, time.Second, func() bool {
		_, ok, _ := mid.Get(ctx, "test", "k")
		return ok
	})

	if err := e.Set(ctx, "k", []byte("v2"), SetOptions{}); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := mid.Get(ctx, "test", "k"); ok {
		t.Fatal("middle tier still holds a copy after overwrite")
	}

	// Even with the fast copy gone again, no tier may serve the old value.
	fast.Delete(ctx, "test", "k")
	got, ok, err := e.Get(ctx, "k")
	if err != nil || !ok || string(got) != "v2" {
		t.Fatalf("read after overwrite: got %q ok=%v err=%v", got, ok, err)
	}
}

func TestTTLBoundary(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, Config{})

	base := time.Now()
	clock := base
	s.engine.SetClock(func() time.Time { return clock })

	if err := s.engine.Set(ctx, "k", []byte("v"), SetOptions{TTL: 100 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}

	clock = base.Add(99 * time.Millisecond)
	if _, ok, _ := s.engine.Get(ctx, "k"); !ok {
		t.Fatal("expected hit at t=99ms")
	}

	clock = base.Add(101 * time.Millisecond)
	if _, ok, _ := s.engine.Get(ctx, "k"); ok {
		t.Fatal("expected absent at t=101ms")
	}
}

func TestDefaultTTLApplied(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, Config{DefaultTTL: time.Minute})

	base := time.Now()
	clock := base
	s.engine.SetClock(func() time.Time { return clock })

	s.engine.Set(ctx, "k", []byte("v"), SetOptions{})

	clock = base.Add(2 * time.Minute)
	if _, ok, _ := s.engine.Get(ctx, "k"); ok {
		t.Fatal("expected entry to expire via namespace default TTL")
	}
}

func TestNegativeTTLMeansNoExpiry(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, Config{DefaultTTL: time.Minute})

	base := time.Now()
	clock := base
	s.engine.SetClock(func() time.Time { return clock })

	s.engine.Set(ctx, "k", []byte("v"), SetOptions{TTL: -1})

	clock = base.Add(24 * time.Hour)
	if _, ok, _ := s.engine.Get(ctx, "k"); !ok {
		t.Fatal("expected no-expiry entry to survive")
	}
}

func TestPromotionToFasterTier(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, Config{})

	// Seed the slow tier only, simulating a restart that emptied memory.
	s.engine.Set(ctx, "k", []byte("v"), SetOptions{})
	if err := s.mem.Delete(ctx, "test", "k"); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.engine.Get(ctx, "k")
	if err != nil || !ok || string(got) != "v" {
		t.Fatalf("expected hit from file tier, ok=%v err=%v", ok, err)
	}

	// The hit must become retrievable from the fastest tier.
	waitFor(t, time.Second, func() bool {
		_, ok, _ := s.mem.Get(ctx, "test", "k")
		return ok
	})

	if s.engine.Stats().Promotions == 0 {
		t.Error("expected a promotion to be recorded")
	}
}

func TestEvictionUnderPressure(t *testing.T) {
	ctx := context.Background()

	capacity := int64(600)
	mem := tier.NewMemory(tier.Descriptor{Name: "memory", Order: 0, CapacityBytes: capacity}, 0)
	e, err := New(Config{Namespace: "test", Tiers: []tier.Tier{mem}})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	base := time.Now()
	clock := base
	e.SetClock(func() time.Time { return clock })

	payload := make([]byte, 150)
	for i := 0; i < 3; i++ {
		clock = base.Add(time.Duration(i) * time.Second)
		if err := e.Set(ctx, fmt.Sprintf("k%d", i), payload, SetOptions{}); err != nil {
			t.Fatalf("set k%d: %v", i, err)
		}
	}

	// Touch k1 and k2 so k0 is the least recently used.
	clock = base.Add(10 * time.Second)
	e.Get(ctx, "k1")
	e.Get(ctx, "k2")

	clock = base.Add(11 * time.Second)
	if err := e.Set(ctx, "k3", payload, SetOptions{}); err != nil {
		t.Fatalf("overflow write should succeed after eviction: %v", err)
	}

	if mem.UsedBytes() > capacity {
		t.Errorf("tier over budget after eviction: %d > %d", mem.UsedBytes(), capacity)
	}
	if _, ok, _ := e.Get(ctx, "k0"); ok {
		t.Error("expected the least recently used entry k0 to be evicted")
	}
	if _, ok, _ := e.Get(ctx, "k3"); !ok {
		t.Error("expected the new entry to be present")
	}
	if e.Stats().Evictions == 0 {
		t.Error("expected evictions to be recorded")
	}
}

func TestExpiredEvictedBeforeLive(t *testing.T) {
	ctx := context.Background()

	capacity := int64(500)
	mem := tier.NewMemory(tier.Descriptor{Name: "memory", Order: 0, CapacityBytes: capacity}, 0)
	e, err := New(Config{Namespace: "test", Tiers: []tier.Tier{mem}})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	base := time.Now()
	clock := base
	e.SetClock(func() time.Time { return clock })

	payload := make([]byte, 150)
	e.Set(ctx, "short", payload, SetOptions{TTL: time.Second})
	e.Set(ctx, "live1", payload, SetOptions{})
	e.Set(ctx, "live2", payload, SetOptions{})

	// Past short's TTL; the next overflowing write sweeps it first.
	clock = base.Add(time.Minute)
	if err := e.Set(ctx, "new", payload, SetOptions{}); err != nil {
		t.Fatal(err)
	}

	if _, _, found, _ := e.Lookup(ctx, "short"); found {
		t.Error("expected the expired entry to be swept")
	}
	if _, ok, _ := e.Get(ctx, "live1"); !ok {
		t.Error("live entry should survive when sweeping expired ones frees enough")
	}
}

func TestWriteFailedAfterEvictionRetry(t *testing.T) {
	ctx := context.Background()

	// Budget too small for the payload; eviction can't help.
	mem := tier.NewMemory(tier.Descriptor{Name: "memory", Order: 0, CapacityBytes: 50}, 0)
	e, err := New(Config{Namespace: "test", Tiers: []tier.Tier{mem}})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	err = e.Set(ctx, "big", make([]byte, 200), SetOptions{})
	if !errors.Is(err, errors.ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
	if e.Stats().WriteFailures != 1 {
		t.Errorf("expected write failure to be recorded")
	}
}

func TestCorruptionSelfHeal(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, Config{})

	s.engine.Set(ctx, "k", []byte("v"), SetOptions{})
	s.mem.Delete(ctx, "test", "k")
	if err := s.file.CorruptSlot("test", "k", []byte("garbage bytes")); err != nil {
		t.Fatal(err)
	}

	_, ok, err := s.engine.Get(ctx, "k")
	if err != nil {
		t.Fatalf("corruption must not surface: %v", err)
	}
	if ok {
		t.Fatal("expected miss for corrupt entry")
	}

	// The corrupt slot must be gone: a direct tier read is now a clean miss.
	_, found, err := s.file.Get(ctx, "test", "k")
	if err != nil || found {
		t.Fatalf("expected the corrupt slot to be removed, found=%v err=%v", found, err)
	}
	if s.engine.Stats().Corruptions != 1 {
		t.Error("expected corruption to be recorded")
	}
}

func TestStaleLookup(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, Config{})

	base := time.Now()
	clock := base
	s.engine.SetClock(func() time.Time { return clock })

	s.engine.Set(ctx, "k", []byte("stale-value"), SetOptions{TTL: time.Second})
	clock = base.Add(time.Minute)

	value, fresh, found, err := s.engine.Lookup(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if !found || fresh {
		t.Fatalf("expected stale find, fresh=%v found=%v", fresh, found)
	}
	if string(value) != "stale-value" {
		t.Errorf("stale lookup returned %q", value)
	}
}

func TestInvalidateRemovesFromAllTiers(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, Config{})

	s.engine.Set(ctx, "k", []byte("v"), SetOptions{})
	if err := s.engine.Invalidate(ctx, "k"); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := s.mem.Get(ctx, "test", "k"); ok {
		t.Error("memory tier should be purged")
	}
	if _, ok, _ := s.file.Get(ctx, "test", "k"); ok {
		t.Error("file tier should be purged")
	}
}

func TestInvalidateTag(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, Config{})

	s.engine.Set(ctx, "k1", []byte("v"), SetOptions{Tags: []string{"users"}})
	s.engine.Set(ctx, "k2", []byte("v"), SetOptions{Tags: []string{"users"}})
	s.engine.Set(ctx, "k3", []byte("v"), SetOptions{Tags: []string{"posts"}})

	if err := s.engine.InvalidateTag(ctx, "users"); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := s.engine.Get(ctx, "k1"); ok {
		t.Error("k1 should be invalidated")
	}
	if _, ok, _ := s.engine.Get(ctx, "k2"); ok {
		t.Error("k2 should be invalidated")
	}
	if _, ok, _ := s.engine.Get(ctx, "k3"); !ok {
		t.Error("k3 should survive")
	}
}

var busTopicSeq atomic.Int64

func TestCrossContextInvalidation(t *testing.T) {
	ctx := context.Background()

	url := fmt.Sprintf("mem://engine-test-%d", busTopicSeq.Add(1))
	sharedBus, err := bus.NewPubSub(url, url)
	if err != nil {
		t.Fatal(err)
	}
	defer sharedBus.Close()

	// Two "contexts" share one durable file tier but keep private memory.
	dir := filepath.Join(t.TempDir(), "shared")
	mkEngine := func(origin string) (*Engine, *tier.Memory) {
		mem := tier.NewMemory(tier.Descriptor{Name: "memory", Order: 0}, 0)
		file, err := tier.NewFile(tier.Descriptor{Name: "file", Order: 1, Persistent: true}, dir, false)
		if err != nil {
			t.Fatal(err)
		}
		e, err := New(Config{
			Namespace: "shared-ns",
			Tiers:     []tier.Tier{mem, file},
			Bus:       sharedBus,
			OriginID:  origin,
		})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { e.Close() })
		return e, mem
	}

	engineA, _ := mkEngine("ctx-a")
	engineB, memB := mkEngine("ctx-b")

	// B caches the value in its private memory tier.
	engineA.Set(ctx, "k", []byte("v1"), SetOptions{})
	if _, ok, _ := engineB.Get(ctx, "k"); !ok {
		t.Fatal("B should read A's write through the shared tier")
	}
	waitFor(t, time.Second, func() bool {
		_, ok, _ := memB.Get(ctx, "shared-ns", "k")
		return ok
	})

	// A invalidates; B's in-memory copy must be purged by the bus event.
	if err := engineA.Invalidate(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool {
		_, ok, _ := memB.Get(ctx, "shared-ns", "k")
		return !ok
	})

	if _, ok, _ := engineB.Get(ctx, "k"); ok {
		t.Fatal("B should not serve the invalidated value")
	}
}

func TestRemoteWritePurgesLocalMemory(t *testing.T) {
	ctx := context.Background()

	url := fmt.Sprintf("mem://engine-test-%d", busTopicSeq.Add(1))
	sharedBus, err := bus.NewPubSub(url, url)
	if err != nil {
		t.Fatal(err)
	}
	defer sharedBus.Close()

	dir := filepath.Join(t.TempDir(), "shared")
	mkEngine := func(origin string) (*Engine, *tier.Memory) {
		mem := tier.NewMemory(tier.Descriptor{Name: "memory", Order: 0}, 0)
		file, err := tier.NewFile(tier.Descriptor{Name: "file", Order: 1, Persistent: true}, dir, false)
		if err != nil {
			t.Fatal(err)
		}
		e, err := New(Config{Namespace: "ns", Tiers: []tier.Tier{mem, file}, Bus: sharedBus, OriginID: origin})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { e.Close() })
		return e, mem
	}

	engineA, _ := mkEngine("ctx-a")
	engineB, memB := mkEngine("ctx-b")

	engineA.Set(ctx, "k", []byte("v1"), SetOptions{})
	engineB.Get(ctx, "k") // warms B's memory
	waitFor(t, time.Second, func() bool {
		_, ok, _ := memB.Get(ctx, "ns", "k")
		return ok
	})

	// A overwrites; B's stale memory copy must be dropped so the next read
	// re-derives v2 from the shared tier.
	engineA.Set(ctx, "k", []byte("v2"), SetOptions{})
	waitFor(t, time.Second, func() bool {
		got, ok, _ := engineB.Get(ctx, "k")
		return ok && string(got) == "v2"
	})
}

func TestDuplicateTierOrderRejected(t *testing.T) {
	memA := tier.NewMemory(tier.Descriptor{Name: "a", Order: 0}, 0)
	memB := tier.NewMemory(tier.Descriptor{Name: "b", Order: 0}, 0)

	_, err := New(Config{Namespace: "ns", Tiers: []tier.Tier{memA, memB}})
	if err == nil {
		t.Fatal("expected duplicate order to be rejected")
	}
}

func TestUnknownAuthoritativeTierRejected(t *testing.T) {
	mem := tier.NewMemory(tier.Descriptor{Name: "memory", Order: 0}, 0)
	_, err := New(Config{Namespace: "ns", Tiers: []tier.Tier{mem}, Authoritative: []string{"bolt"}})
	if err == nil {
		t.Fatal("expected unknown authoritative tier to be rejected")
	}
}

func TestRegistryLazyAndReset(t *testing.T) {
	var built atomic.Int64
	r := NewRegistry(func(ns string) (*Engine, error) {
		built.Add(1)
		mem := tier.NewMemory(tier.Descriptor{Name: "memory", Order: 0}, 0)
		return New(Config{Namespace: ns, Tiers: []tier.Tier{mem}})
	})

	a1, err := r.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	a2, err := r.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if a1 != a2 {
		t.Fatal("expected the same engine instance per namespace")
	}
	if built.Load() != 1 {
		t.Fatalf("expected one build, got %d", built.Load())
	}

	r.Get("b")
	if got := len(r.Namespaces()); got != 2 {
		t.Fatalf("expected 2 namespaces, got %d", got)
	}

	r.Reset()
	if got := len(r.Namespaces()); got != 0 {
		t.Fatalf("expected empty registry after reset, got %d", got)
	}
	r.Get("a")
	if built.Load() != 3 {
		t.Fatalf("expected rebuild after reset, builds=%d", built.Load())
	}
}

package tier

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wudi/tiercache/internal/codec"
	"github.com/wudi/tiercache/internal/errors"
)

func entry(ns, key, value string, ttl time.Duration) *codec.Entry {
	return codec.New(ns, key, []byte(value), ttl, nil, time.Now())
}

// openTiers builds one instance of every locally runnable adapter.
func openTiers(t *testing.T) map[string]Tier {
	t.Helper()
	dir := t.TempDir()

	fileTier, err := NewFile(Descriptor{Name: "file", Order: 1, Persistent: true}, filepath.Join(dir, "file"), false)
	if err != nil {
		t.Fatalf("open file tier: %v", err)
	}
	boltTier, err := NewBolt(Descriptor{Name: "bolt", Order: 2, Persistent: true}, filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatalf("open bolt tier: %v", err)
	}
	t.Cleanup(func() { boltTier.Close() })

	return map[string]Tier{
		"memory": NewMemory(Descriptor{Name: "memory", Order: 0}, 0),
		"file":   fileTier,
		"bolt":   boltTier,
	}
}

func TestTierRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, tr := range openTiers(t) {
		t.Run(name, func(t *testing.T) {
			e := entry("ns", "k1", "hello", time.Minute)
			if err := tr.Set(ctx, e); err != nil {
				t.Fatalf("set: %v", err)
			}

			got, ok, err := tr.Get(ctx, "ns", "k1")
			if err != nil || !ok {
				t.Fatalf("get: ok=%v err=%v", ok, err)
			}
			if string(got.Value) != "hello" {
				t.Errorf("value mismatch: %q", got.Value)
			}

			_, ok, err = tr.Get(ctx, "ns", "absent")
			if err != nil || ok {
				t.Fatalf("expected clean miss, ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestTierOverwrite(t *testing.T) {
	ctx := context.Background()
	for name, tr := range openTiers(t) {
		t.Run(name, func(t *testing.T) {
			if err := tr.Set(ctx, entry("ns", "k", "v1", 0)); err != nil {
				t.Fatal(err)
			}
			if err := tr.Set(ctx, entry("ns", "k", "v2", 0)); err != nil {
				t.Fatal(err)
			}
			got, ok, _ := tr.Get(ctx, "ns", "k")
			if !ok || string(got.Value) != "v2" {
				t.Fatalf("expected v2, got %v", got)
			}
		})
	}
}

func TestTierDelete(t *testing.T) {
	ctx := context.Background()
	for name, tr := range openTiers(t) {
		t.Run(name, func(t *testing.T) {
			if err := tr.Set(ctx, entry("ns", "k", "v", 0)); err != nil {
				t.Fatal(err)
			}
			if err := tr.Delete(ctx, "ns", "k"); err != nil {
				t.Fatal(err)
			}
			if _, ok, _ := tr.Get(ctx, "ns", "k"); ok {
				t.Fatal("expected miss after delete")
			}
			// Deleting an absent key is a no-op.
			if err := tr.Delete(ctx, "ns", "k"); err != nil {
				t.Fatalf("delete absent: %v", err)
			}
		})
	}
}

func TestTierClearNamespace(t *testing.T) {
	ctx := context.Background()
	for name, tr := range openTiers(t) {
		t.Run(name, func(t *testing.T) {
			tr.Set(ctx, entry("a", "k1", "v", 0))
			tr.Set(ctx, entry("a", "k2", "v", 0))
			tr.Set(ctx, entry("b", "k1", "v", 0))

			if err := tr.Clear(ctx, "a"); err != nil {
				t.Fatal(err)
			}

			if _, ok, _ := tr.Get(ctx, "a", "k1"); ok {
				t.Error("a/k1 should be gone")
			}
			if _, ok, _ := tr.Get(ctx, "b", "k1"); !ok {
				t.Error("b/k1 should survive")
			}
		})
	}
}

func TestTierKeys(t *testing.T) {
	ctx := context.Background()
	for name, tr := range openTiers(t) {
		t.Run(name, func(t *testing.T) {
			tr.Set(ctx, entry("ns", "k1", "v", 0))
			tr.Set(ctx, entry("ns", "k2", "v", 0))
			tr.Set(ctx, entry("other", "k3", "v", 0))

			keys, err := tr.Keys(ctx, "ns")
			if err != nil {
				t.Fatal(err)
			}
			sort.Strings(keys)
			if len(keys) != 2 || keys[0] != "k1" || keys[1] != "k2" {
				t.Errorf("unexpected keys: %v", keys)
			}
		})
	}
}

func TestTierEntries(t *testing.T) {
	ctx := context.Background()
	for name, tr := range openTiers(t) {
		t.Run(name, func(t *testing.T) {
			tr.Set(ctx, entry("ns", "k1", "v1", time.Minute))
			tr.Set(ctx, entry("ns", "k2", "v2", 0))

			entries, err := tr.Entries(ctx, "ns")
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 2 {
				t.Fatalf("expected 2 entries, got %d", len(entries))
			}
		})
	}
}

func TestTierCapacityFailFast(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	small := int64(600)
	tiers := map[string]Tier{
		"memory": NewMemory(Descriptor{Name: "memory", CapacityBytes: small}, 0),
	}
	if f, err := NewFile(Descriptor{Name: "file", CapacityBytes: small, Persistent: true}, filepath.Join(dir, "f"), false); err == nil {
		tiers["file"] = f
	}
	if b, err := NewBolt(Descriptor{Name: "bolt", CapacityBytes: small, Persistent: true}, filepath.Join(dir, "b.db")); err == nil {
		tiers["bolt"] = b
		t.Cleanup(func() { b.Close() })
	}

	// Incompressible payload so the binary codec can't shrink it under the
	// budget.
	big := make([]byte, 256)
	for i := range big {
		big[i] = byte(i*131 + 17)
	}

	for name, tr := range tiers {
		t.Run(name, func(t *testing.T) {
			if err := tr.Set(ctx, codec.New("ns", "k1", big, 0, nil, time.Now())); err != nil {
				t.Fatalf("first write should fit: %v", err)
			}
			var failed bool
			for i := 0; i < 32; i++ {
				e := codec.New("ns", fmt.Sprintf("fill%02d", i), big, 0, nil, time.Now())
				if err := tr.Set(ctx, e); err != nil {
					if !errors.Is(err, errors.ErrCapacityExceeded) {
						t.Fatalf("expected ErrCapacityExceeded, got %v", err)
					}
					failed = true
					break
				}
			}
			if !failed {
				t.Fatal("expected a write to exceed the byte budget")
			}
		})
	}
}

func TestMemoryEntryCapFailFast(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(Descriptor{Name: "memory"}, 2)

	if err := m.Set(ctx, entry("ns", "k1", "v", 0)); err != nil {
		t.Fatal(err)
	}
	if err := m.Set(ctx, entry("ns", "k2", "v", 0)); err != nil {
		t.Fatal(err)
	}
	if err := m.Set(ctx, entry("ns", "k3", "v", 0)); !errors.Is(err, errors.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded at entry cap, got %v", err)
	}
	// Overwriting an existing key is always allowed at the cap.
	if err := m.Set(ctx, entry("ns", "k1", "v2", 0)); err != nil {
		t.Fatalf("overwrite at cap: %v", err)
	}
}

func TestMemoryTouchPersists(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(Descriptor{Name: "memory"}, 0)

	if err := m.Set(ctx, entry("ns", "k", "v", 0)); err != nil {
		t.Fatal(err)
	}

	later := time.Now().Add(time.Hour)
	m.Touch(ctx, "ns", "k", later)
	m.Touch(ctx, "ns", "k", later)

	entries, err := m.Entries(ctx, "ns")
	if err != nil || len(entries) != 1 {
		t.Fatalf("entries: %v %v", entries, err)
	}
	if entries[0].AccessCount != 2 {
		t.Errorf("access count = %d, want 2", entries[0].AccessCount)
	}
	if !entries[0].LastAccessedAt.Equal(later) {
		t.Errorf("last accessed = %v, want %v", entries[0].LastAccessedAt, later)
	}
}

func TestMemoryGetLeavesRecencyUntouched(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(Descriptor{Name: "memory"}, 0)

	if err := m.Set(ctx, entry("ns", "k", "v", 0)); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, ok, err := m.Get(ctx, "ns", "k"); !ok || err != nil {
			t.Fatalf("get: ok=%v err=%v", ok, err)
		}
	}

	entries, err := m.Entries(ctx, "ns")
	if err != nil || len(entries) != 1 {
		t.Fatalf("entries: %v %v", entries, err)
	}
	if entries[0].AccessCount != 0 {
		t.Errorf("access count after plain gets = %d, want 0", entries[0].AccessCount)
	}
}

func TestMemoryDeleteByTag(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(Descriptor{Name: "memory"}, 0)

	m.Set(ctx, codec.New("ns", "k1", []byte("v"), 0, []string{"users"}, time.Now()))
	m.Set(ctx, codec.New("ns", "k2", []byte("v"), 0, []string{"users", "admin"}, time.Now()))
	m.Set(ctx, codec.New("ns", "k3", []byte("v"), 0, []string{"posts"}, time.Now()))

	if n := m.DeleteByTag(ctx, "users"); n != 2 {
		t.Fatalf("expected 2 deletions, got %d", n)
	}
	if _, ok, _ := m.Get(ctx, "ns", "k3"); !ok {
		t.Error("k3 should survive")
	}
	if _, ok, _ := m.Get(ctx, "ns", "k1"); ok {
		t.Error("k1 should be gone")
	}
}

func TestFilePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	desc := Descriptor{Name: "file", Persistent: true}

	f1, err := NewFile(desc, dir, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := f1.Set(ctx, entry("ns", "k", "survives", 0)); err != nil {
		t.Fatal(err)
	}

	f2, err := NewFile(desc, dir, false)
	if err != nil {
		t.Fatal(err)
	}
	got, ok, err := f2.Get(ctx, "ns", "k")
	if err != nil || !ok || string(got.Value) != "survives" {
		t.Fatalf("expected persisted entry, ok=%v err=%v", ok, err)
	}
	if f2.UsedBytes() == 0 {
		t.Error("reopen should rebuild byte accounting")
	}
}

func TestFileEphemeralWipesOnOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	desc := Descriptor{Name: "session", Persistent: false}

	f1, err := NewFile(desc, dir, true)
	if err != nil {
		t.Fatal(err)
	}
	f1.Set(ctx, entry("ns", "k", "v", 0))

	f2, err := NewFile(desc, dir, true)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := f2.Get(ctx, "ns", "k"); ok {
		t.Fatal("ephemeral reopen should discard previous contents")
	}
}

func TestFileCorruptSlot(t *testing.T) {
	ctx := context.Background()
	f, err := NewFile(Descriptor{Name: "file", Persistent: true}, t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	f.Set(ctx, entry("ns", "k", "v", 0))
	if err := f.CorruptSlot("ns", "k", []byte("not an envelope")); err != nil {
		t.Fatal(err)
	}

	_, _, err = f.Get(ctx, "ns", "k")
	if !errors.Is(err, errors.ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted, got %v", err)
	}
}

func TestBoltPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	desc := Descriptor{Name: "bolt", Persistent: true}

	b1, err := NewBolt(desc, path)
	if err != nil {
		t.Fatal(err)
	}
	if err := b1.Set(ctx, entry("ns", "k", "survives", 0)); err != nil {
		t.Fatal(err)
	}
	b1.Close()

	b2, err := NewBolt(desc, path)
	if err != nil {
		t.Fatal(err)
	}
	defer b2.Close()

	got, ok, err := b2.Get(ctx, "ns", "k")
	if err != nil || !ok || string(got.Value) != "survives" {
		t.Fatalf("expected persisted entry, ok=%v err=%v", ok, err)
	}
	if b2.UsedBytes() == 0 {
		t.Error("reopen should rebuild byte accounting")
	}
}

func TestBoltCorruptSlot(t *testing.T) {
	ctx := context.Background()
	b, err := NewBolt(Descriptor{Name: "bolt", Persistent: true}, filepath.Join(t.TempDir(), "c.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	b.Set(ctx, entry("ns", "k", "v", 0))
	if err := b.CorruptSlot("ns", "k", []byte{0xde, 0xad}); err != nil {
		t.Fatal(err)
	}

	_, _, err = b.Get(ctx, "ns", "k")
	if !errors.Is(err, errors.ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted, got %v", err)
	}
}

func redisAvailable(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:6379",
		DialTimeout: 100 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestRedisTier(t *testing.T) {
	client := redisAvailable(t)
	ctx := context.Background()

	r := NewRedis(Descriptor{Name: "redis", Order: 3, Persistent: true}, client, "tiercache-test:")
	defer r.Clear(ctx, "")

	if err := r.Set(ctx, entry("ns", "k", "hello", time.Minute)); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := r.Get(ctx, "ns", "k")
	if err != nil || !ok || string(got.Value) != "hello" {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}

	keys, err := r.Keys(ctx, "ns")
	if err != nil || len(keys) != 1 || keys[0] != "k" {
		t.Fatalf("keys: %v err=%v", keys, err)
	}

	if err := r.Delete(ctx, "ns", "k"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := r.Get(ctx, "ns", "k"); ok {
		t.Fatal("expected miss after delete")
	}
}

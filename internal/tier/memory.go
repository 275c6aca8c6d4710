package tier

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/wudi/tiercache/internal/codec"
	"github.com/wudi/tiercache/internal/errors"
)

// DefaultMemoryMaxEntries bounds the memory tier's entry count when the
// config doesn't set one.
const DefaultMemoryMaxEntries = 4096

// Memory is the fastest tier: an in-process recency-ordered map. It stores
// decoded entries directly (no codec round trip) and keeps a tag index for
// tag-based invalidation. Writes that would exceed the byte budget or entry
// cap fail fast with ErrCapacityExceeded; the orchestrator evicts and
// retries.
type Memory struct {
	desc       Descriptor
	maxEntries int

	mu        sync.Mutex
	lru       *simplelru.LRU[string, *codec.Entry]
	usedBytes int64
	tagIndex  map[string]map[string]struct{} // tag → set of storage keys
	keyTags   map[string][]string            // storage key → tags
}

// NewMemory creates the memory tier. maxEntries <= 0 uses the default.
func NewMemory(desc Descriptor, maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = DefaultMemoryMaxEntries
	}
	// The LRU is sized one past the cap and never filled to it, so the
	// library's own eviction can't fire behind the policy's back.
	lru, _ := simplelru.NewLRU[string, *codec.Entry](maxEntries+1, nil)
	return &Memory{
		desc:       desc,
		maxEntries: maxEntries,
		lru:        lru,
		tagIndex:   make(map[string]map[string]struct{}),
		keyTags:    make(map[string][]string),
	}
}

func (m *Memory) Descriptor() Descriptor { return m.desc }

// Get is read-only: it peeks the store without touching recency. Access
// history lives in the entry and is updated through Touch, so reads the
// orchestrator discards (expired entries, say) leave no trace.
func (m *Memory) Get(_ context.Context, namespace, key string) (*codec.Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lru.Peek(storageKey(namespace, key))
	if !ok {
		return nil, false, nil
	}
	return e.Clone(), true, nil
}

func (m *Memory) Set(_ context.Context, e *codec.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sk := storageKey(e.Namespace, e.Key)

	var existing int64
	if old, ok := m.lru.Peek(sk); ok {
		existing = old.SizeBytes
	} else if m.lru.Len() >= m.maxEntries {
		return errors.ErrCapacityExceeded
	}

	if m.desc.CapacityBytes > 0 && m.usedBytes-existing+e.SizeBytes > m.desc.CapacityBytes {
		return errors.ErrCapacityExceeded
	}

	m.cleanTagIndex(sk)
	stored := e.Clone()
	m.lru.Add(sk, stored)
	m.usedBytes += stored.SizeBytes - existing

	if len(stored.Tags) > 0 {
		m.keyTags[sk] = stored.Tags
		for _, tag := range stored.Tags {
			if m.tagIndex[tag] == nil {
				m.tagIndex[tag] = make(map[string]struct{})
			}
			m.tagIndex[tag][sk] = struct{}{}
		}
	}
	return nil
}

// Touch records a read on the stored entry so eviction scoring sees access
// recency and frequency.
func (m *Memory) Touch(_ context.Context, namespace, key string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.lru.Peek(storageKey(namespace, key)); ok {
		e.Touch(now)
	}
}

func (m *Memory) Delete(_ context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remove(storageKey(namespace, key))
	return nil
}

// DeleteByTag removes every entry carrying the tag and returns how many.
func (m *Memory) DeleteByTag(_ context.Context, tag string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys, ok := m.tagIndex[tag]
	if !ok {
		return 0
	}
	n := 0
	for sk := range keys {
		m.remove(sk)
		n++
	}
	return n
}

// remove deletes one storage key and maintains accounting. mu must be held.
func (m *Memory) remove(sk string) {
	if e, ok := m.lru.Peek(sk); ok {
		m.usedBytes -= e.SizeBytes
	}
	m.cleanTagIndex(sk)
	m.lru.Remove(sk)
}

// cleanTagIndex drops tag index slots for a key. mu must be held.
func (m *Memory) cleanTagIndex(sk string) {
	for _, tag := range m.keyTags[sk] {
		if keys, ok := m.tagIndex[tag]; ok {
			delete(keys, sk)
			if len(keys) == 0 {
				delete(m.tagIndex, tag)
			}
		}
	}
	delete(m.keyTags, sk)
}

func (m *Memory) Clear(_ context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if namespace == "" {
		m.lru.Purge()
		m.usedBytes = 0
		m.tagIndex = make(map[string]map[string]struct{})
		m.keyTags = make(map[string][]string)
		return nil
	}

	prefix := namespace + ":"
	for _, sk := range m.lru.Keys() {
		if len(sk) > len(prefix) && sk[:len(prefix)] == prefix {
			m.remove(sk)
		}
	}
	return nil
}

func (m *Memory) Keys(_ context.Context, namespace string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	prefix := namespace + ":"
	for _, sk := range m.lru.Keys() {
		if namespace == "" {
			keys = append(keys, sk)
		} else if len(sk) > len(prefix) && sk[:len(prefix)] == prefix {
			keys = append(keys, sk[len(prefix):])
		}
	}
	return keys, nil
}

func (m *Memory) Entries(_ context.Context, namespace string) ([]*codec.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []*codec.Entry
	for _, sk := range m.lru.Keys() {
		e, ok := m.lru.Peek(sk)
		if !ok {
			continue
		}
		if namespace == "" || e.Namespace == namespace {
			entries = append(entries, e.Clone())
		}
	}
	return entries, nil
}

func (m *Memory) UsedBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usedBytes
}

func (m *Memory) Close() error { return nil }

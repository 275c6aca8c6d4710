// Package codec defines the cache entry envelope and the serialization
// codecs used by the storage tiers. Binary-capable tiers (bolt, redis) use
// the compact gob+s2 binary codec; string-only tiers (file) use the JSON
// text codec. Both carry a version tag so a mismatched or foreign payload
// decodes to ErrCorrupted instead of garbage.
package codec

import (
	"time"

	"github.com/cespare/xxhash/v2"
)

// Entry is a cached value plus the metadata the engine tracks for it.
// The orchestrator is the sole mutator of metadata; tiers only persist and
// retrieve entries.
type Entry struct {
	Namespace      string
	Key            string
	Value          []byte
	CreatedAt      time.Time
	ExpiresAt      time.Time // zero = never expires by TTL
	LastAccessedAt time.Time
	AccessCount    int64
	SizeBytes      int64
	Tags           []string
	Origin         string // name of the tier the entry was last read from
	Checksum       uint64 // xxhash64 of Value, set on encode
}

// New builds an entry for a fresh write. ExpiresAt is derived from ttl;
// ttl <= 0 means the entry never expires.
func New(namespace, key string, value []byte, ttl time.Duration, tags []string, now time.Time) *Entry {
	e := &Entry{
		Namespace:      namespace,
		Key:            key,
		CreatedAt:      now,
		LastAccessedAt: now,
		Tags:           tags,
	}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	e.SetValue(value)
	return e
}

// SetValue replaces the payload and recomputes SizeBytes and Checksum.
func (e *Entry) SetValue(value []byte) {
	e.Value = value
	e.SizeBytes = e.computeSize()
	e.Checksum = xxhash.Sum64(value)
}

// computeSize approximates the entry's storage footprint: payload plus the
// key and tag strings. Fixed metadata overhead is ignored; it is identical
// for every entry and irrelevant to victim selection.
func (e *Entry) computeSize() int64 {
	size := int64(len(e.Value)) + int64(len(e.Key)) + int64(len(e.Namespace))
	for _, t := range e.Tags {
		size += int64(len(t))
	}
	return size
}

// Expired reports whether the entry's TTL has passed at the given instant.
// Entries with a zero ExpiresAt never expire.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Touch records a read for recency/frequency-based eviction scoring.
func (e *Entry) Touch(now time.Time) {
	e.LastAccessedAt = now
	e.AccessCount++
}

// HasTag reports whether the entry carries the given tag.
func (e *Entry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Tiers sharing process memory store clones so
// the orchestrator's metadata updates don't race with concurrent readers.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Value = append([]byte(nil), e.Value...)
	c.Tags = append([]string(nil), e.Tags...)
	return &c
}

// Codec converts entries to and from a storable representation.
type Codec interface {
	Encode(e *Entry) ([]byte, error)
	Decode(data []byte) (*Entry, error)
}

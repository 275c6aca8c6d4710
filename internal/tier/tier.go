// Package tier contains the storage tier adapters behind the cache engine.
// Every backend (in-process memory, on-disk files, bbolt, redis) is wrapped
// in the same context-aware interface so the orchestrator never branches on
// backend type. Adapters fail fast with ErrCapacityExceeded instead of
// evicting; victim selection belongs to the eviction policy.
package tier

import (
	"context"

	"github.com/wudi/tiercache/internal/codec"
)

// Descriptor describes a tier's position and constraints in the hierarchy.
type Descriptor struct {
	// Name identifies the tier in config and stats.
	Name string
	// Order positions the tier in the lookup walk; ascending = faster.
	// Unique within one engine.
	Order int
	// CapacityBytes is the tier's byte budget. 0 means unbounded.
	CapacityBytes int64
	// Persistent is true if entries survive process restart.
	Persistent bool
	// Synchronous is true for in-process backends. Informational only; the
	// orchestrator treats every adapter call as potentially blocking.
	Synchronous bool
}

// Tier is the uniform adapter contract. Keys are namespace-qualified by the
// adapter itself; callers pass namespace and key separately.
//
// Get returns (nil, false, nil) on a clean miss and a non-nil error only for
// backend failures or corruption (ErrCorrupted). Set returns
// ErrCapacityExceeded when the write would exceed the tier's budget.
type Tier interface {
	Descriptor() Descriptor
	Get(ctx context.Context, namespace, key string) (*codec.Entry, bool, error)
	Set(ctx context.Context, e *codec.Entry) error
	Delete(ctx context.Context, namespace, key string) error
	// Clear removes all entries in the namespace; an empty namespace clears
	// the whole tier.
	Clear(ctx context.Context, namespace string) error
	Keys(ctx context.Context, namespace string) ([]string, error)
	// Entries returns decoded entries for the namespace (all namespaces when
	// empty). Used by the eviction sweep; undecodable slots are skipped.
	Entries(ctx context.Context, namespace string) ([]*codec.Entry, error)
	// UsedBytes reports the tier's current footprint, 0 for tiers that do
	// not track one.
	UsedBytes() int64
	Close() error
}

// storageKey builds the namespace-qualified key used by every adapter, so
// callers from different namespaces can never collide.
func storageKey(namespace, key string) string {
	return namespace + ":" + key
}

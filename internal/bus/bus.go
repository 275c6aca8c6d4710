// Package bus propagates invalidation events between processes that share
// the durable cache tiers. Delivery is best-effort and unordered; the
// durable tiers stay the source of truth, so a missed event only means an
// in-memory copy lives until its TTL instead of being purged early.
package bus

import (
	"encoding/json"
	"time"
)

// Event describes one invalidation. Key and Tag are mutually exclusive; a
// Clear of a whole namespace sets neither.
type Event struct {
	Namespace string    `json:"namespace"`
	Key       string    `json:"key,omitempty"`
	Tag       string    `json:"tag,omitempty"`
	Origin    string    `json:"origin"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler receives events, including the origin's own (the engine makes
// those an idempotent no-op).
type Handler func(Event)

// Bus is the publish/subscribe contract. Subscribe returns a cancel func
// that stops delivery and releases the subscription.
type Bus interface {
	Publish(e Event) error
	Subscribe(h Handler) (cancel func(), err error)
	Close() error
}

func marshal(e Event) ([]byte, error)     { return json.Marshal(e) }
func unmarshal(data []byte) (Event, bool) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, false
	}
	return e, true
}

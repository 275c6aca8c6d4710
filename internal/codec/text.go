package codec

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/wudi/tiercache/internal/errors"
)

// textPrefix tags every text envelope so stray content in a storage slot is
// rejected as corruption rather than misparsed.
const textPrefix = "tc1:"

// Text is the codec for string-only tiers. The envelope is JSON with the
// value base64-encoded (encoding/json's []byte default), so the result is
// safe to store anywhere a string is.
type Text struct{}

// textEnvelope mirrors Entry with explicit JSON field names. Timestamps are
// Unix nanos so decode does not depend on time zone formatting.
type textEnvelope struct {
	Namespace      string   `json:"ns"`
	Key            string   `json:"key"`
	Value          []byte   `json:"value"`
	CreatedAt      int64    `json:"created_at"`
	ExpiresAt      int64    `json:"expires_at,omitempty"`
	LastAccessedAt int64    `json:"last_accessed_at"`
	AccessCount    int64    `json:"access_count"`
	SizeBytes      int64    `json:"size_bytes"`
	Tags           []string `json:"tags,omitempty"`
	Origin         string   `json:"origin,omitempty"`
	Checksum       uint64   `json:"checksum"`
}

func (Text) Encode(e *Entry) ([]byte, error) {
	e.Checksum = xxhash.Sum64(e.Value)

	env := textEnvelope{
		Namespace:      e.Namespace,
		Key:            e.Key,
		Value:          e.Value,
		CreatedAt:      e.CreatedAt.UnixNano(),
		LastAccessedAt: e.LastAccessedAt.UnixNano(),
		AccessCount:    e.AccessCount,
		SizeBytes:      e.SizeBytes,
		Tags:           e.Tags,
		Origin:         e.Origin,
		Checksum:       e.Checksum,
	}
	if !e.ExpiresAt.IsZero() {
		env.ExpiresAt = e.ExpiresAt.UnixNano()
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("text codec encode: %w", err)
	}
	return append([]byte(textPrefix), data...), nil
}

func (Text) Decode(data []byte) (*Entry, error) {
	s := string(data)
	if !strings.HasPrefix(s, textPrefix) {
		return nil, fmt.Errorf("%w: missing text envelope prefix", errors.ErrCorrupted)
	}

	var env textEnvelope
	if err := json.Unmarshal(data[len(textPrefix):], &env); err != nil {
		return nil, fmt.Errorf("%w: json decode: %v", errors.ErrCorrupted, err)
	}

	if xxhash.Sum64(env.Value) != env.Checksum {
		return nil, fmt.Errorf("%w: value checksum mismatch", errors.ErrCorrupted)
	}

	e := &Entry{
		Namespace:      env.Namespace,
		Key:            env.Key,
		Value:          env.Value,
		CreatedAt:      time.Unix(0, env.CreatedAt),
		LastAccessedAt: time.Unix(0, env.LastAccessedAt),
		AccessCount:    env.AccessCount,
		SizeBytes:      env.SizeBytes,
		Tags:           env.Tags,
		Origin:         env.Origin,
		Checksum:       env.Checksum,
	}
	if env.ExpiresAt != 0 {
		e.ExpiresAt = time.Unix(0, env.ExpiresAt)
	}
	return e, nil
}

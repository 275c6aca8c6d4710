package codec

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/s2"

	"github.com/wudi/tiercache/internal/errors"
)

// binaryVersion is the leading byte of every binary envelope. Bumped when
// the wire layout changes; old payloads then decode as ErrCorrupted and are
// self-healed by the orchestrator.
const binaryVersion byte = 0x01

// Binary is the compact codec for binary-capable tiers: a gob envelope
// compressed with s2, prefixed by a version byte.
type Binary struct{}

// Encode serializes the entry. The value checksum is refreshed before
// encoding so Decode can detect payload corruption at rest.
func (Binary) Encode(e *Entry) ([]byte, error) {
	e.Checksum = xxhash.Sum64(e.Value)

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, fmt.Errorf("binary codec encode: %w", err)
	}

	compressed := s2.Encode(nil, buf.Bytes())
	out := make([]byte, 0, len(compressed)+1)
	out = append(out, binaryVersion)
	return append(out, compressed...), nil
}

// Decode parses a binary envelope. Any malformed input, version mismatch or
// checksum failure yields ErrCorrupted.
func (Binary) Decode(data []byte) (*Entry, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: envelope too short", errors.ErrCorrupted)
	}
	if data[0] != binaryVersion {
		return nil, fmt.Errorf("%w: unknown envelope version 0x%02x", errors.ErrCorrupted, data[0])
	}

	raw, err := s2.Decode(nil, data[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", errors.ErrCorrupted, err)
	}

	var e Entry
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&e); err != nil {
		return nil, fmt.Errorf("%w: gob decode: %v", errors.ErrCorrupted, err)
	}

	if xxhash.Sum64(e.Value) != e.Checksum {
		return nil, fmt.Errorf("%w: value checksum mismatch", errors.ErrCorrupted)
	}
	return &e, nil
}

package tier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/wudi/tiercache/internal/codec"
	"github.com/wudi/tiercache/internal/errors"
	"github.com/wudi/tiercache/internal/logging"
)

// File is a durable string-only tier: one text-encoded envelope per file in
// a flat directory. In ephemeral mode the directory is wiped on open, giving
// session-scoped semantics; in durable mode entries survive restarts.
type File struct {
	desc  Descriptor
	dir   string
	codec codec.Codec

	mu        sync.Mutex
	usedBytes int64
}

// NewFile opens (and if needed creates) a file-backed tier rooted at dir.
// When ephemeral is true any previous contents are discarded.
func NewFile(desc Descriptor, dir string, ephemeral bool) (*File, error) {
	if ephemeral {
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("file tier: reset %s: %w", dir, err)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file tier: create %s: %w", dir, err)
	}

	f := &File{
		desc:  desc,
		dir:   dir,
		codec: codec.Text{},
	}

	// Rebuild the byte accounting from what's already on disk.
	matches, err := filepath.Glob(filepath.Join(dir, "*.entry"))
	if err != nil {
		return nil, fmt.Errorf("file tier: scan %s: %w", dir, err)
	}
	for _, path := range matches {
		if info, err := os.Stat(path); err == nil {
			f.usedBytes += info.Size()
		}
	}
	return f, nil
}

func (f *File) Descriptor() Descriptor { return f.desc }

// path maps a storage key to a fixed-length filename. The hash keeps
// arbitrary keys filesystem-safe; the decoded envelope's own namespace/key
// fields guard against the (vanishingly rare) hash collision.
func (f *File) path(sk string) string {
	return filepath.Join(f.dir, strconv.FormatUint(xxhash.Sum64String(sk), 16)+".entry")
}

func (f *File) Get(_ context.Context, namespace, key string) (*codec.Entry, bool, error) {
	data, err := os.ReadFile(f.path(storageKey(namespace, key)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("file tier get: %w", err)
	}

	e, err := f.codec.Decode(data)
	if err != nil {
		return nil, false, err // ErrCorrupted; orchestrator self-heals
	}
	if e.Namespace != namespace || e.Key != key {
		// Hash collision with a different logical key: treat as miss.
		return nil, false, nil
	}
	return e, true, nil
}

func (f *File) Set(ctx context.Context, e *codec.Entry) error {
	data, err := f.codec.Encode(e)
	if err != nil {
		return err
	}

	sk := storageKey(e.Namespace, e.Key)
	path := f.path(sk)

	f.mu.Lock()
	defer f.mu.Unlock()

	var existing int64
	if info, err := os.Stat(path); err == nil {
		existing = info.Size()
	}
	if f.desc.CapacityBytes > 0 && f.usedBytes-existing+int64(len(data)) > f.desc.CapacityBytes {
		return errors.ErrCapacityExceeded
	}

	// Write-then-rename so a crash mid-write leaves either the old entry or
	// none, never a torn one.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return normalizeFSError(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return normalizeFSError(err)
	}
	f.usedBytes += int64(len(data)) - existing
	return nil
}

// normalizeFSError maps filesystem quota errors to the capacity sentinel so
// raw syscall errors never escape the adapter.
func normalizeFSError(err error) error {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return errors.ErrCapacityExceeded
	}
	return fmt.Errorf("file tier set: %w", err)
}

func (f *File) Delete(_ context.Context, namespace, key string) error {
	path := f.path(storageKey(namespace, key))

	f.mu.Lock()
	defer f.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("file tier delete: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("file tier delete: %w", err)
	}
	f.usedBytes -= info.Size()
	return nil
}

func (f *File) Clear(ctx context.Context, namespace string) error {
	entries, err := f.Entries(ctx, namespace)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := f.Delete(ctx, e.Namespace, e.Key); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) Keys(ctx context.Context, namespace string) ([]string, error) {
	entries, err := f.Entries(ctx, namespace)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if namespace == "" {
			keys = append(keys, storageKey(e.Namespace, e.Key))
		} else {
			keys = append(keys, e.Key)
		}
	}
	return keys, nil
}

func (f *File) Entries(_ context.Context, namespace string) ([]*codec.Entry, error) {
	matches, err := filepath.Glob(filepath.Join(f.dir, "*.entry"))
	if err != nil {
		return nil, fmt.Errorf("file tier scan: %w", err)
	}

	var entries []*codec.Entry
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue // deleted concurrently
		}
		e, err := f.codec.Decode(data)
		if err != nil {
			// Undecodable slot: drop it rather than fail the sweep.
			logging.Debug("file tier: removing corrupt slot",
				zap.String("path", filepath.Base(path)), zap.Error(err))
			if os.Remove(path) == nil {
				f.mu.Lock()
				f.usedBytes -= int64(len(data))
				f.mu.Unlock()
			}
			continue
		}
		if namespace == "" || e.Namespace == namespace {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (f *File) UsedBytes() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usedBytes
}

func (f *File) Close() error { return nil }

// CorruptSlot overwrites the stored bytes for a key, bypassing the codec.
// Test hook for corruption self-heal coverage.
func (f *File) CorruptSlot(namespace, key string, garbage []byte) error {
	return os.WriteFile(f.path(storageKey(namespace, key)), garbage, 0o644)
}

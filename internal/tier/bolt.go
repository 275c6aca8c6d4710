package tier

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/wudi/tiercache/internal/codec"
	"github.com/wudi/tiercache/internal/errors"
	"github.com/wudi/tiercache/internal/logging"
)

// Bolt is a durable structured tier backed by a bbolt database, one bucket
// per namespace. It stores binary envelopes and tracks its own byte usage
// so capacity checks don't need a full scan per write.
type Bolt struct {
	desc  Descriptor
	db    *bolt.DB
	codec codec.Codec

	mu        sync.Mutex
	usedBytes int64
}

// NewBolt opens (creating if absent) the database file at path.
func NewBolt(desc Descriptor, path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt tier: open %s: %w", path, err)
	}

	b := &Bolt{
		desc:  desc,
		db:    db,
		codec: codec.Binary{},
	}

	// Rebuild byte accounting from existing contents.
	err = db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(_ []byte, bucket *bolt.Bucket) error {
			return bucket.ForEach(func(k, v []byte) error {
				b.usedBytes += int64(len(k) + len(v))
				return nil
			})
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bolt tier: scan: %w", err)
	}
	return b, nil
}

func (b *Bolt) Descriptor() Descriptor { return b.desc }

func (b *Bolt) Get(_ context.Context, namespace, key string) (*codec.Entry, bool, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return nil
		}
		if v := bucket.Get([]byte(key)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("bolt tier get: %w", err)
	}
	if data == nil {
		return nil, false, nil
	}

	e, err := b.codec.Decode(data)
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

func (b *Bolt) Set(_ context.Context, e *codec.Entry) error {
	data, err := b.codec.Encode(e)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := []byte(e.Key)
	var existing int64
	err = b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(e.Namespace))
		if err != nil {
			return err
		}
		if old := bucket.Get(key); old != nil {
			existing = int64(len(key) + len(old))
		}
		delta := int64(len(key)+len(data)) - existing
		if b.desc.CapacityBytes > 0 && b.usedBytes+delta > b.desc.CapacityBytes {
			return errors.ErrCapacityExceeded
		}
		return bucket.Put(key, data)
	})
	if err != nil {
		if errors.Is(err, errors.ErrCapacityExceeded) {
			return errors.ErrCapacityExceeded
		}
		if errors.Is(err, syscall.ENOSPC) {
			return errors.ErrCapacityExceeded
		}
		return fmt.Errorf("bolt tier set: %w", err)
	}
	b.usedBytes += int64(len(key)+len(data)) - existing
	return nil
}

func (b *Bolt) Delete(_ context.Context, namespace, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var freed int64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return nil
		}
		k := []byte(key)
		if old := bucket.Get(k); old != nil {
			freed = int64(len(k) + len(old))
		}
		return bucket.Delete(k)
	})
	if err != nil {
		return fmt.Errorf("bolt tier delete: %w", err)
	}
	b.usedBytes -= freed
	return nil
}

func (b *Bolt) Clear(_ context.Context, namespace string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var freed int64
	err := b.db.Update(func(tx *bolt.Tx) error {
		drop := func(name []byte, bucket *bolt.Bucket) error {
			if err := bucket.ForEach(func(k, v []byte) error {
				freed += int64(len(k) + len(v))
				return nil
			}); err != nil {
				return err
			}
			return tx.DeleteBucket(name)
		}

		if namespace != "" {
			if bucket := tx.Bucket([]byte(namespace)); bucket != nil {
				return drop([]byte(namespace), bucket)
			}
			return nil
		}

		var names [][]byte
		if err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, append([]byte(nil), name...))
			return nil
		}); err != nil {
			return err
		}
		for _, name := range names {
			if err := drop(name, tx.Bucket(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("bolt tier clear: %w", err)
	}
	b.usedBytes -= freed
	return nil
}

func (b *Bolt) Keys(_ context.Context, namespace string) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bolt.Tx) error {
		collect := func(nsName []byte, bucket *bolt.Bucket) error {
			return bucket.ForEach(func(k, _ []byte) error {
				if namespace == "" {
					keys = append(keys, storageKey(string(nsName), string(k)))
				} else {
					keys = append(keys, string(k))
				}
				return nil
			})
		}
		if namespace != "" {
			if bucket := tx.Bucket([]byte(namespace)); bucket != nil {
				return collect([]byte(namespace), bucket)
			}
			return nil
		}
		return tx.ForEach(collect)
	})
	if err != nil {
		return nil, fmt.Errorf("bolt tier keys: %w", err)
	}
	return keys, nil
}

func (b *Bolt) Entries(_ context.Context, namespace string) ([]*codec.Entry, error) {
	var entries []*codec.Entry
	var corrupt [][2]string

	err := b.db.View(func(tx *bolt.Tx) error {
		collect := func(nsName []byte, bucket *bolt.Bucket) error {
			return bucket.ForEach(func(k, v []byte) error {
				e, err := b.codec.Decode(v)
				if err != nil {
					corrupt = append(corrupt, [2]string{string(nsName), string(k)})
					return nil
				}
				entries = append(entries, e)
				return nil
			})
		}
		if namespace != "" {
			if bucket := tx.Bucket([]byte(namespace)); bucket != nil {
				return collect([]byte(namespace), bucket)
			}
			return nil
		}
		return tx.ForEach(collect)
	})
	if err != nil {
		return nil, fmt.Errorf("bolt tier entries: %w", err)
	}

	// Drop undecodable slots outside the read transaction.
	for _, ck := range corrupt {
		logging.Debug("bolt tier: removing corrupt slot",
			zap.String("namespace", ck[0]), zap.String("key", ck[1]))
		_ = b.Delete(context.Background(), ck[0], ck[1])
	}
	return entries, nil
}

func (b *Bolt) UsedBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usedBytes
}

func (b *Bolt) Close() error { return b.db.Close() }

// CorruptSlot writes raw bytes into a slot, bypassing the codec. Test hook
// for corruption self-heal coverage.
func (b *Bolt) CorruptSlot(namespace, key string, garbage []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), garbage)
	})
}

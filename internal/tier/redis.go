package tier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wudi/tiercache/internal/codec"
	"github.com/wudi/tiercache/internal/errors"
)

// Redis is the shared network tier. Multiple processes point at the same
// server, so it doubles as the globally consistent durable store the
// invalidation bus converges the in-process tiers toward.
//
// Capacity is left to the server (maxmemory policy); the adapter reports an
// unbounded budget and mirrors each entry's TTL server-side as a safety net
// against processes that die before sweeping.
type Redis struct {
	desc   Descriptor
	client *redis.Client
	prefix string
	codec  codec.Codec
}

// NewRedis creates the redis tier. prefix scopes the keyspace, e.g.
// "tiercache:".
func NewRedis(desc Descriptor, client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "tiercache:"
	}
	return &Redis{
		desc:   desc,
		client: client,
		prefix: prefix,
		codec:  codec.Binary{},
	}
}

func (r *Redis) Descriptor() Descriptor { return r.desc }

func (r *Redis) redisKey(sk string) string { return r.prefix + sk }

func (r *Redis) Get(ctx context.Context, namespace, key string) (*codec.Entry, bool, error) {
	data, err := r.client.Get(ctx, r.redisKey(storageKey(namespace, key))).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis tier get: %w", err)
	}

	e, err := r.codec.Decode(data)
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

func (r *Redis) Set(ctx context.Context, e *codec.Entry) error {
	data, err := r.codec.Encode(e)
	if err != nil {
		return err
	}

	var ttl time.Duration
	if !e.ExpiresAt.IsZero() {
		ttl = time.Until(e.ExpiresAt)
		if ttl <= 0 {
			ttl = time.Millisecond // already expired; let the server reap it
		}
	}

	if err := r.client.Set(ctx, r.redisKey(storageKey(e.Namespace, e.Key)), data, ttl).Err(); err != nil {
		if strings.Contains(err.Error(), "OOM") {
			return errors.ErrCapacityExceeded
		}
		return fmt.Errorf("redis tier set: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, namespace, key string) error {
	if err := r.client.Del(ctx, r.redisKey(storageKey(namespace, key))).Err(); err != nil {
		return fmt.Errorf("redis tier delete: %w", err)
	}
	return nil
}

func (r *Redis) Clear(ctx context.Context, namespace string) error {
	pattern := r.prefix
	if namespace != "" {
		pattern += namespace + ":"
	}

	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("redis tier clear: %w", err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis tier clear: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (r *Redis) Keys(ctx context.Context, namespace string) ([]string, error) {
	pattern := r.prefix
	if namespace != "" {
		pattern += namespace + ":"
	}

	var keys []string
	var cursor uint64
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis tier keys: %w", err)
		}
		for _, k := range batch {
			sk := strings.TrimPrefix(k, r.prefix)
			if namespace != "" {
				sk = strings.TrimPrefix(sk, namespace+":")
			}
			keys = append(keys, sk)
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (r *Redis) Entries(ctx context.Context, namespace string) ([]*codec.Entry, error) {
	keys, err := r.Keys(ctx, namespace)
	if err != nil {
		return nil, err
	}

	var entries []*codec.Entry
	for _, k := range keys {
		var e *codec.Entry
		var ok bool
		if namespace != "" {
			e, ok, err = r.Get(ctx, namespace, k)
		} else {
			ns, key, found := strings.Cut(k, ":")
			if !found {
				continue
			}
			e, ok, err = r.Get(ctx, ns, key)
		}
		if err != nil || !ok {
			continue // expired, deleted concurrently, or corrupt
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// UsedBytes is not tracked for redis; the server owns memory accounting.
func (r *Redis) UsedBytes() int64 { return 0 }

func (r *Redis) Close() error { return r.client.Close() }

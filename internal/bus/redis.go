package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/tiercache/internal/logging"
)

// DefaultRedisChannel is the pub/sub channel used when config doesn't name one.
const DefaultRedisChannel = "tiercache:invalidation"

// RedisBus carries events over a Redis pub/sub channel, typically on the
// same server as the redis tier.
type RedisBus struct {
	client  *redis.Client
	channel string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	subs []*redis.PubSub
}

// NewRedis creates a bus on the given channel. An empty channel name uses
// DefaultRedisChannel.
func NewRedis(client *redis.Client, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBus{
		client:  client,
		channel: channel,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (b *RedisBus) Publish(e Event) error {
	body, err := marshal(e)
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}
	if err := b.client.Publish(b.ctx, b.channel, body).Err(); err != nil {
		return fmt.Errorf("bus: redis publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(h Handler) (func(), error) {
	sub := b.client.Subscribe(b.ctx, b.channel)
	// Force the subscription to be established before returning so callers
	// don't miss events published right after Subscribe.
	if _, err := sub.Receive(b.ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("bus: redis subscribe: %w", err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	ch := sub.Channel()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range ch {
			if e, ok := unmarshal([]byte(msg.Payload)); ok {
				h(e)
			} else {
				logging.Warn("bus: dropping malformed event", zap.Int("bytes", len(msg.Payload)))
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { sub.Close() })
	}, nil
}

func (b *RedisBus) Close() error {
	b.cancel()
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	b.wg.Wait()
	return nil
}

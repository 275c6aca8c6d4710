package bus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub" // in-memory driver for tests and single-process use

	"github.com/wudi/tiercache/internal/logging"
)

// PubSubBus carries events over a gocloud.dev pub/sub topic, so any broker
// with a driver (mem, gcp, aws, rabbit, ...) can back the bus. Each
// subscriber opens its own broker subscription; with mem:// that means the
// subscription URL must match the topic URL.
type PubSubBus struct {
	topicURL string
	subURL   string
	topic    *pubsub.Topic

	mu     sync.Mutex
	subs   []*pubsub.Subscription
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup
}

// NewPubSub opens the topic. subscriptionURL is the URL subscribers open;
// for mem:// it is the topic URL itself.
func NewPubSub(topicURL, subscriptionURL string) (*PubSubBus, error) {
	ctx, cancel := context.WithCancel(context.Background())
	topic, err := pubsub.OpenTopic(ctx, topicURL)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("bus: open topic %s: %w", topicURL, err)
	}
	return &PubSubBus{
		topicURL: topicURL,
		subURL:   subscriptionURL,
		topic:    topic,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (b *PubSubBus) Publish(e Event) error {
	body, err := marshal(e)
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}
	if err := b.topic.Send(b.ctx, &pubsub.Message{Body: body}); err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	return nil
}

func (b *PubSubBus) Subscribe(h Handler) (func(), error) {
	sub, err := pubsub.OpenSubscription(b.ctx, b.subURL)
	if err != nil {
		return nil, fmt.Errorf("bus: open subscription %s: %w", b.subURL, err)
	}

	subCtx, subCancel := context.WithCancel(b.ctx)

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			msg, err := sub.Receive(subCtx)
			if err != nil {
				// Context cancelled or subscription shut down.
				return
			}
			if e, ok := unmarshal(msg.Body); ok {
				h(e)
			} else {
				logging.Warn("bus: dropping malformed event", zap.Int("bytes", len(msg.Body)))
			}
			msg.Ack()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			subCancel()
			sub.Shutdown(context.Background())
		})
	}, nil
}

func (b *PubSubBus) Close() error {
	b.cancel()
	b.wg.Wait()
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, s := range subs {
		s.Shutdown(context.Background())
	}
	return b.topic.Shutdown(context.Background())
}

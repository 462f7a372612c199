package sync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/huykn/tagsync/cache"
	"github.com/redis/go-redis/v9"
)

// ErrFeedClosed is returned when using a closed RedisFeed.
var ErrFeedClosed = errors.New("sync: feed closed")

// Publisher accepts invalidation messages for local fan-out.
type Publisher interface {
	Publish(msg InvalidationMessage) (int, error)
}

// RedisFeed relays invalidation messages between server instances over
// Redis Pub/Sub. Every instance subscribes and hands what it receives to its
// local Publisher, usually a Broadcaster.
type RedisFeed struct {
	client  *redis.Client
	channel string
	target  Publisher
	logger  cache.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewRedisFeed creates a feed on channel that forwards to target.
func NewRedisFeed(client *redis.Client, channel string, target Publisher, logger cache.Logger) *RedisFeed {
	if logger == nil {
		logger = cache.NewNoOpLogger()
	}
	return &RedisFeed{
		client:  client,
		channel: channel,
		target:  target,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Subscribe starts listening. It returns once Redis has confirmed the
// subscription.
func (f *RedisFeed) Subscribe(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrFeedClosed
	}

	pubsub := f.client.Subscribe(ctx, f.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return err
	}
	f.pubsub = pubsub

	f.wg.Add(1)
	go f.listen(pubsub.Channel())
	return nil
}

// Publish sends msg to every subscribed instance, this one included.
func (f *RedisFeed) Publish(ctx context.Context, msg InvalidationMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, f.channel, string(data)).Err()
}

// Close stops listening.
func (f *RedisFeed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.done)
	pubsub := f.pubsub
	f.mu.Unlock()

	var err error
	if pubsub != nil {
		err = pubsub.Close()
	}
	f.wg.Wait()
	return err
}

func (f *RedisFeed) listen(ch <-chan *redis.Message) {
	defer f.wg.Done()

	for {
		select {
		case <-f.done:
			return
		case m, ok := <-ch:
			if !ok || m == nil {
				return
			}

			var msg InvalidationMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				f.logger.Warn("Feed: skipping malformed payload", "error", err)
				continue
			}
			if _, err := f.target.Publish(msg); err != nil {
				f.logger.Warn("Feed: rejected message", "error", err)
			}
		}
	}
}

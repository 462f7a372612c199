package sync

import (
	"sync"

	"github.com/huykn/tagsync/cache"
	"github.com/huykn/tagsync/telemetry"
	"github.com/huykn/tagsync/types"
)

// InvalidationMessage is an alias for types.InvalidationMessage
type InvalidationMessage = types.InvalidationMessage

// Options configures a Broadcaster.
type Options struct {
	// Registry holds the open channels. If nil, a MemoryRegistry is used.
	Registry Registry

	// Marshaller encodes messages for the wire.
	// If nil, defaults to JSON.
	Marshaller cache.Marshaller

	// Logger is the logger for debug logging.
	// If nil, defaults to no-op logger.
	Logger cache.Logger

	// DebugMode enables debug logging.
	DebugMode bool

	// Metrics receives broadcast counters. If nil, defaults to telemetry.Noop().
	Metrics telemetry.Collector
}

// Broadcaster fans invalidation messages out to every registered channel.
// Delivery is fire-and-forget and nothing is retried. A channel whose queue is
// full is closed and unregistered instead, so its client reconnects and
// resyncs rather than keep entries that missed an invalidation.
type Broadcaster struct {
	// mu serializes fan-out so every channel sees messages in the same order.
	mu         sync.Mutex
	registry   Registry
	marshaller cache.Marshaller
	logger     cache.Logger
	metrics    telemetry.Collector
	options    Options
}

// NewBroadcaster creates a Broadcaster.
func NewBroadcaster(opts Options) *Broadcaster {
	if opts.Registry == nil {
		opts.Registry = NewMemoryRegistry()
	}
	if opts.Marshaller == nil {
		opts.Marshaller = cache.NewJSONMarshaller()
	}
	if opts.Logger == nil {
		opts.Logger = cache.NewNoOpLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.Noop()
	}
	return &Broadcaster{
		registry:   opts.Registry,
		marshaller: opts.Marshaller,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		options:    opts,
	}
}

// Register adds a channel.
func (b *Broadcaster) Register(c Client) {
	b.registry.Add(c)
	b.metrics.SetOpenChannels(b.registry.Len())
	if b.options.DebugMode {
		b.logger.Debug("Broadcaster: channel registered", "channel", c.ID())
	}
}

// Unregister removes a channel.
func (b *Broadcaster) Unregister(id string) {
	if b.registry.Remove(id) {
		b.metrics.SetOpenChannels(b.registry.Len())
		if b.options.DebugMode {
			b.logger.Debug("Broadcaster: channel unregistered", "channel", id)
		}
	}
}

// Channels returns the number of registered channels.
func (b *Broadcaster) Channels() int {
	return b.registry.Len()
}

// Broadcast sends {tags, message} to every registered channel and returns
// how many channels accepted it. With no channels it is a no-op.
func (b *Broadcaster) Broadcast(tags []types.Tag, message string) (int, error) {
	msg := InvalidationMessage{Tags: tags, Message: message}
	if err := msg.Validate(); err != nil {
		b.metrics.IncDropped(telemetry.DropInvalid)
		return 0, err
	}
	payload, err := b.marshaller.Marshal(msg)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	delivered, dropped := 0, 0
	for _, c := range b.registry.Snapshot() {
		if c.Enqueue(payload) {
			delivered++
			continue
		}
		b.metrics.IncDropped(telemetry.DropQueueFull)
		b.logger.Warn("Broadcaster: channel queue full; disconnecting", "channel", c.ID(), "tags", len(tags))
		c.Close()
		if b.registry.Remove(c.ID()) {
			dropped++
		}
	}
	if dropped > 0 {
		b.metrics.SetOpenChannels(b.registry.Len())
	}
	b.metrics.IncBroadcast(delivered)

	if b.options.DebugMode {
		b.logger.Debug("Broadcaster: message sent", "tags", tags, "delivered", delivered)
	}
	return delivered, nil
}

// Publish broadcasts msg.
func (b *Broadcaster) Publish(msg InvalidationMessage) (int, error) {
	return b.Broadcast(msg.Tags, msg.Message)
}

// Created broadcasts the invalidation for a newly created entity of kind.
func (b *Broadcaster) Created(kind, message string) (int, error) {
	return b.Broadcast(CreatedTags(kind), message)
}

// Updated broadcasts the invalidation for an updated entity.
func (b *Broadcaster) Updated(kind, id, message string) (int, error) {
	return b.Broadcast(UpdatedTags(kind, id), message)
}

// Deleted broadcasts the invalidation for a deleted entity.
func (b *Broadcaster) Deleted(kind, id, message string) (int, error) {
	return b.Broadcast(DeletedTags(kind, id), message)
}

// CreatedTags returns the tags a create mutation invalidates.
func CreatedTags(kind string) []types.Tag {
	return []types.Tag{types.ListTag(kind)}
}

// UpdatedTags returns the tags an update mutation invalidates.
func UpdatedTags(kind, id string) []types.Tag {
	return []types.Tag{types.ListTag(kind), types.NewTag(kind, id)}
}

// DeletedTags returns the tags a delete mutation invalidates.
func DeletedTags(kind, id string) []types.Tag {
	return UpdatedTags(kind, id)
}

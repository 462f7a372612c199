package sync

import (
	"context"
	"sync"
	"time"

	"github.com/huykn/tagsync/cache"
)

// Sink is the write side of one transport connection.
type Sink interface {
	Write(payload []byte) error
	Ping() error
	Close() error
}

// ClientOptions configures a QueuedClient.
type ClientOptions struct {
	// QueueSize bounds the number of undelivered messages.
	QueueSize int

	// PingInterval is how often a keepalive is sent. Zero disables pings.
	PingInterval time.Duration

	// Logger is the logger for debug logging.
	// If nil, defaults to no-op logger.
	Logger cache.Logger
}

// DefaultClientOptions returns default client options.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		QueueSize:    64,
		PingInterval: 30 * time.Second,
	}
}

// QueuedClient is a Client backed by a bounded queue and a single writer
// goroutine, so one slow connection never stalls a broadcast.
type QueuedClient struct {
	id      string
	sink    Sink
	queue   chan []byte
	options ClientOptions
	logger  cache.Logger

	once sync.Once
	stop chan struct{}
	done chan struct{}
}

// NewQueuedClient creates a client writing to sink. Call Run to start delivery.
func NewQueuedClient(id string, sink Sink, opts ClientOptions) *QueuedClient {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultClientOptions().QueueSize
	}
	if opts.Logger == nil {
		opts.Logger = cache.NewNoOpLogger()
	}
	return &QueuedClient{
		id:      id,
		sink:    sink,
		queue:   make(chan []byte, opts.QueueSize),
		options: opts,
		logger:  opts.Logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// ID returns the channel id.
func (c *QueuedClient) ID() string {
	return c.id
}

// Enqueue queues payload. It returns false if the queue is full or the
// client is closed.
func (c *QueuedClient) Enqueue(payload []byte) bool {
	select {
	case <-c.stop:
		return false
	default:
	}
	select {
	case c.queue <- payload:
		return true
	default:
		return false
	}
}

// Pending returns the number of queued messages.
func (c *QueuedClient) Pending() int {
	return len(c.queue)
}

// Run writes queued messages in order until ctx ends, Close is called or a
// write fails. It closes the sink on return.
func (c *QueuedClient) Run(ctx context.Context) error {
	defer close(c.done)
	defer c.sink.Close()

	var tick <-chan time.Time
	if c.options.PingInterval > 0 {
		ticker := time.NewTicker(c.options.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return nil
		case payload := <-c.queue:
			if err := c.sink.Write(payload); err != nil {
				c.logger.Info("Client: write failed", "channel", c.id, "error", err)
				c.Close()
				return err
			}
		case <-tick:
			if err := c.sink.Ping(); err != nil {
				c.logger.Info("Client: ping failed", "channel", c.id, "error", err)
				c.Close()
				return err
			}
		}
	}
}

// Close stops delivery. Queued messages are discarded.
func (c *QueuedClient) Close() {
	c.once.Do(func() { close(c.stop) })
}

// Done is closed when Run has returned.
func (c *QueuedClient) Done() <-chan struct{} {
	return c.done
}

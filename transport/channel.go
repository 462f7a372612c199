package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/huykn/tagsync/cache"
	"github.com/huykn/tagsync/telemetry"
)

// State is the connection state of a Channel.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Options configures a Channel.
type Options struct {
	// Backoff is the reconnect schedule.
	Backoff Backoff

	// Logger is the logger for debug logging.
	// If nil, defaults to no-op logger.
	Logger cache.Logger

	// DebugMode enables debug logging.
	DebugMode bool

	// Metrics receives reconnect attempts. If nil, defaults to telemetry.Noop().
	Metrics telemetry.Collector

	// OnStateChange is called on every state transition.
	OnStateChange func(State)

	// After returns a channel that fires after d. If nil, defaults to time.After.
	After func(d time.Duration) <-chan time.Time
}

// DefaultOptions returns default channel options.
func DefaultOptions() Options {
	return Options{
		Backoff: DefaultBackoff(),
	}
}

// Validate validates the options.
func (o *Options) Validate() error {
	if !o.Backoff.valid() {
		return fmt.Errorf("transport: invalid backoff %+v", o.Backoff)
	}
	return nil
}

// Channel maintains one logical connection from a client to the broadcaster.
// It reconnects after transient failures following Options.Backoff and stops
// for good after a rejected handshake or exhausted attempts.
type Channel struct {
	dialer  Dialer
	handler Handler
	options Options
	logger  cache.Logger
	metrics telemetry.Collector

	state    int32
	attempts int32
	started  int32
	offline  int32

	mu     sync.Mutex
	cancel context.CancelFunc
	err    error
	closed bool
	done   chan struct{}
}

// NewChannel creates a Channel. It does not connect until Connect is called.
func NewChannel(dialer Dialer, handler Handler, opts Options) (*Channel, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = cache.NewNoOpLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.Noop()
	}
	if opts.After == nil {
		opts.After = time.After
	}
	return &Channel{
		dialer:  dialer,
		handler: handler,
		options: opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		state:   int32(StateConnecting),
		done:    make(chan struct{}),
	}, nil
}

// Connect starts the connection loop with token attached to every handshake.
// It returns immediately; progress is reported through the Handler.
func (c *Channel) Connect(ctx context.Context, token string) error {
	if token == "" {
		return ErrEmptyToken
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return ErrAlreadyConnected
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(runCtx, token)
	return nil
}

// State returns the current connection state.
func (c *Channel) State() State {
	return State(atomic.LoadInt32(&c.state))
}

// Attempts returns the number of reconnects tried since the last open.
func (c *Channel) Attempts() int {
	return int(atomic.LoadInt32(&c.attempts))
}

// Offline reports whether the channel stopped for good.
func (c *Channel) Offline() bool {
	return atomic.LoadInt32(&c.offline) != 0
}

// Err returns the terminal error, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the connection loop has exited.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Close stops the channel. It is safe to call more than once.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
		return
	}
	// never connected
	c.setState(StateClosed)
	close(c.done)
}

func (c *Channel) run(ctx context.Context, token string) {
	defer close(c.done)

	for {
		c.setState(StateConnecting)
		conn, err := c.dialer.Dial(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(StateClosed)
				return
			}
			if errors.Is(err, ErrUnauthorized) {
				c.logger.Warn("Transport: handshake rejected", "error", err)
				c.stop(err)
				return
			}
			c.logger.Info("Transport: connect failed", "error", err, "attempts", c.Attempts())
			if !c.backoff(ctx, err) {
				return
			}
			continue
		}

		atomic.StoreInt32(&c.attempts, 0)
		c.setState(StateOpen)
		c.handler.HandleOpen()

		err = c.read(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return
		}
		c.logger.Info("Transport: connection lost", "error", err)
		if !c.backoff(ctx, err) {
			return
		}
	}
}

// read delivers messages until the connection fails.
func (c *Channel) read(ctx context.Context, conn Conn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		msg, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, ErrMalformedMessage) {
				c.logger.Warn("Transport: skipping malformed message", "error", err)
				continue
			}
			return err
		}
		if c.options.DebugMode {
			c.logger.Debug("Transport: message received", "tags", len(msg.Tags))
		}
		c.handler.HandleMessage(msg)
	}
}

// backoff waits before the next attempt. It returns false when the channel
// must stop, either because ctx ended or attempts are exhausted.
func (c *Channel) backoff(ctx context.Context, cause error) bool {
	n := int(atomic.LoadInt32(&c.attempts))
	if n >= c.options.Backoff.Attempts {
		c.stop(fmt.Errorf("%w after %d attempts: %v", ErrOffline, n, cause))
		return false
	}
	n = int(atomic.AddInt32(&c.attempts, 1))
	delay := c.options.Backoff.Delay(n)
	c.metrics.IncReconnectAttempt()
	if c.options.DebugMode {
		c.logger.Debug("Transport: reconnect scheduled", "attempt", n, "delay", delay)
	}

	c.setState(StateConnecting)
	select {
	case <-ctx.Done():
		c.setState(StateClosed)
		return false
	case <-c.options.After(delay):
		return true
	}
}

func (c *Channel) stop(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	atomic.StoreInt32(&c.offline, 1)
	c.setState(StateClosed)
	c.handler.HandleOffline(err)
}

func (c *Channel) setState(s State) {
	old := State(atomic.SwapInt32(&c.state, int32(s)))
	if old != s && c.options.OnStateChange != nil {
		c.options.OnStateChange(s)
	}
}

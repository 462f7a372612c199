package tagsync

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/huykn/tagsync/cache"
	"github.com/huykn/tagsync/consumer"
	"github.com/huykn/tagsync/quote"
	"github.com/huykn/tagsync/telemetry"
	"github.com/huykn/tagsync/transport"
)

// Config configures a tagsync client.
type Config struct {
	// ServerURL is the http(s) base URL of the tagsync server.
	ServerURL string

	// Token is the session token presented on the handshake and on reads.
	Token string

	// Fetcher performs reads. If nil, quotes are read from ServerURL.
	Fetcher Fetcher

	// Dialer opens the realtime channel. If nil, a websocket dialer on
	// ServerURL + "/ws" is used.
	Dialer transport.Dialer

	// LocalCacheConfig configures the value store.
	LocalCacheConfig LocalCacheConfig

	// LocalCacheFactory creates the value store.
	// If nil, an LRU store sized by LocalCacheConfig.MaxSize is used.
	LocalCacheFactory LocalCacheFactory

	// GracePeriod is how long an unobserved entry is kept.
	GracePeriod time.Duration

	// Backoff is the reconnect schedule.
	Backoff Backoff

	// MaxConcurrentRefetches bounds background refetches.
	MaxConcurrentRefetches int64

	// FetchTimeout bounds one background refetch.
	FetchTimeout time.Duration

	// Notifier receives the human message of each invalidation.
	Notifier Notifier

	// OnStateChange is called on every connection state change.
	OnStateChange func(State)

	// OnOffline is called once when realtime delivery stops for good.
	OnOffline func(error)

	// Logger is the logger for debug logging.
	// If nil, defaults to no-op logger.
	Logger Logger

	// DebugMode enables debug logging.
	DebugMode bool

	// Metrics receives client metrics. If nil, defaults to telemetry.Noop().
	Metrics telemetry.Collector
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	cacheOpts := cache.DefaultOptions()
	consumerOpts := consumer.DefaultOptions()
	return Config{
		ServerURL:              "http://localhost:8080",
		LocalCacheConfig:       cacheOpts.LocalCacheConfig,
		GracePeriod:            cacheOpts.GracePeriod,
		Backoff:                transport.DefaultBackoff(),
		MaxConcurrentRefetches: consumerOpts.MaxConcurrentRefetches,
		FetchTimeout:           consumerOpts.FetchTimeout,
	}
}

// Client bundles the tag cache, the invalidation consumer and the realtime
// channel feeding it.
type Client struct {
	cfg      Config
	cache    *cache.TagCache
	consumer *consumer.Consumer
	channel  *transport.Channel
}

// New creates a client. Call Connect to start realtime delivery.
func New(cfg Config) (*Client, error) {
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.Noop()
	}
	if cfg.Fetcher == nil {
		if cfg.ServerURL == "" {
			return nil, fmt.Errorf("%w: ServerURL or Fetcher required", ErrInvalidConfig)
		}
		cfg.Fetcher = quote.NewHTTPFetcher(cfg.ServerURL, cfg.Token)
	}
	if cfg.Dialer == nil {
		wsURL, err := WebsocketURL(cfg.ServerURL)
		if err != nil {
			return nil, err
		}
		cfg.Dialer = transport.NewWebsocketDialer(wsURL)
	}

	tc, err := cache.NewTagCache(cache.Options{
		LocalCacheConfig:  cfg.LocalCacheConfig,
		LocalCacheFactory: cfg.LocalCacheFactory,
		GracePeriod:       cfg.GracePeriod,
		Logger:            cfg.Logger,
		DebugMode:         cfg.DebugMode,
	})
	if err != nil {
		return nil, err
	}

	c, err := consumer.New(tc, cfg.Fetcher, consumer.Options{
		MaxConcurrentRefetches: cfg.MaxConcurrentRefetches,
		FetchTimeout:           cfg.FetchTimeout,
		Notifier:               cfg.Notifier,
		OnOffline:              cfg.OnOffline,
		Logger:                 cfg.Logger,
		DebugMode:              cfg.DebugMode,
		Metrics:                cfg.Metrics,
	})
	if err != nil {
		tc.Close()
		return nil, err
	}

	ch, err := transport.NewChannel(cfg.Dialer, c, transport.Options{
		Backoff:       cfg.Backoff,
		Logger:        cfg.Logger,
		DebugMode:     cfg.DebugMode,
		Metrics:       cfg.Metrics,
		OnStateChange: cfg.OnStateChange,
	})
	if err != nil {
		c.Close()
		tc.Close()
		return nil, err
	}

	return &Client{cfg: cfg, cache: tc, consumer: c, channel: ch}, nil
}

// WebsocketURL maps an http(s) server URL to its realtime endpoint.
func WebsocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidConfig, u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Connect starts realtime delivery with the configured token.
func (c *Client) Connect(ctx context.Context) error {
	return c.channel.Connect(ctx, c.cfg.Token)
}

// Subscribe registers observer on q.
func (c *Client) Subscribe(q Query, observer Observer) (*Subscription, error) {
	return c.consumer.Subscribe(q, observer)
}

// Read returns the fresh value for q, fetching it if needed.
func (c *Client) Read(ctx context.Context, q Query) (any, error) {
	return c.consumer.Read(ctx, q)
}

// Refresh refetches q now.
func (c *Client) Refresh(ctx context.Context, q Query) error {
	return c.consumer.Refresh(ctx, q)
}

// Inject applies msg as if it had been pushed by the server.
func (c *Client) Inject(msg InvalidationMessage) {
	c.consumer.Inject(msg)
}

// WatchQuote starts a workflow following quote id until it leaves pending.
func (c *Client) WatchQuote(ctx context.Context, id string, opts quote.Options) (*quote.Workflow, error) {
	if opts.Logger == nil {
		opts.Logger = c.cfg.Logger
	}
	if opts.Metrics == nil {
		opts.Metrics = c.cfg.Metrics
	}
	w, err := quote.NewWorkflow(c.consumer, id, opts)
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// State returns the realtime connection state.
func (c *Client) State() State {
	return c.channel.State()
}

// Offline reports whether realtime delivery stopped for good, and why.
func (c *Client) Offline() (bool, error) {
	return c.consumer.Offline()
}

// Wait blocks until background refetches have finished.
func (c *Client) Wait() {
	c.consumer.Wait()
}

// Stats returns cache statistics.
func (c *Client) Stats() Stats {
	return c.cache.Stats()
}

// Close disconnects and releases the cache.
func (c *Client) Close() error {
	c.channel.Close()
	<-c.channel.Done()
	c.consumer.Close()
	c.cache.Close()
	return nil
}

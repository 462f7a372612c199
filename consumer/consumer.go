package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/huykn/tagsync/cache"
	"github.com/huykn/tagsync/telemetry"
	"github.com/huykn/tagsync/types"
)

// Consumer turns invalidation messages into cache invalidations and refetches.
// It implements transport.Handler.
type Consumer struct {
	cache   *cache.TagCache
	fetcher Fetcher
	options Options
	logger  cache.Logger
	metrics telemetry.Collector
	sem     *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	// mu orders wg.Add in refetch against Close.
	mu sync.Mutex
	wg sync.WaitGroup

	closed     int32
	offline    int32
	offlineMu  sync.Mutex
	offlineErr error
}

// New creates a Consumer over tc using fetcher for reads.
func New(tc *cache.TagCache, fetcher Fetcher, opts Options) (*Consumer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = cache.NewNoOpLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.Noop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		cache:   tc,
		fetcher: fetcher,
		options: opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		sem:     semaphore.NewWeighted(opts.MaxConcurrentRefetches),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Subscription is one observer registration.
type Subscription struct {
	c    *Consumer
	sig  string
	id   uint64
	once sync.Once
}

// Signature returns the signature of the observed query.
func (s *Subscription) Signature() string {
	return s.sig
}

// Unsubscribe removes the observer. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.c.cache.Unsubscribe(s.sig, s.id)
	})
}

// Subscribe registers observer on q. The observer receives the current value
// if it is fresh and then values applied afterwards, one call at a time and
// never an older value after a newer one. The first observer of a stale entry
// triggers a refetch.
func (c *Consumer) Subscribe(q cache.Query, observer cache.Observer) (*Subscription, error) {
	if c.isClosed() {
		return nil, ErrConsumerClosed
	}

	sig := q.Signature()
	id, needsFetch := c.cache.Subscribe(q, observer)
	sub := &Subscription{c: c, sig: sig, id: id}

	if needsFetch {
		c.refetch(sig)
	} else {
		c.cache.NotifyCurrent(sig, id)
	}
	return sub, nil
}

// Read returns the fresh value for q, fetching it if needed.
func (c *Consumer) Read(ctx context.Context, q cache.Query) (any, error) {
	if c.isClosed() {
		return nil, ErrConsumerClosed
	}
	if value, status, ok := c.cache.Get(q.Signature()); ok && status == cache.Fresh {
		return value, nil
	}
	res, err := c.fetch(ctx, q)
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// Refresh fetches q now and applies the result unless a newer fetch was
// issued meanwhile.
func (c *Consumer) Refresh(ctx context.Context, q cache.Query) error {
	if c.isClosed() {
		return ErrConsumerClosed
	}
	_, err := c.fetch(ctx, q)
	return err
}

// HandleOpen resyncs after a (re)connect: everything is marked stale and
// observed entries are refetched, since messages sent while disconnected are
// lost.
func (c *Consumer) HandleOpen() {
	if c.isClosed() {
		return
	}
	atomic.StoreInt32(&c.offline, 0)
	sigs := c.cache.InvalidateAll()
	if c.options.DebugMode {
		c.logger.Debug("Consumer: resync on open", "observed", len(sigs))
	}
	for _, sig := range sigs {
		c.refetch(sig)
	}
}

// HandleMessage applies one invalidation message.
func (c *Consumer) HandleMessage(msg types.InvalidationMessage) {
	if c.isClosed() {
		return
	}
	if err := msg.Validate(); err != nil {
		c.logger.Warn("Consumer: ignoring invalid message", "error", err)
		return
	}

	sigs := c.cache.Invalidate(msg.Tags)
	if c.options.DebugMode {
		c.logger.Debug("Consumer: invalidated", "tags", msg.Tags, "refetch", len(sigs))
	}
	for _, sig := range sigs {
		c.refetch(sig)
	}

	if msg.Message != "" {
		c.metrics.IncNotification()
		if c.options.Notifier != nil {
			c.options.Notifier.Notify(msg.Message)
		} else {
			c.logger.Info("Consumer: notification", "message", msg.Message)
		}
	}
}

// HandleOffline records that realtime delivery stopped for good. Reads keep
// working from cached data and explicit refreshes.
func (c *Consumer) HandleOffline(err error) {
	c.offlineMu.Lock()
	c.offlineErr = err
	c.offlineMu.Unlock()
	atomic.StoreInt32(&c.offline, 1)

	c.logger.Warn("Consumer: realtime updates offline", "error", err)
	if c.options.OnOffline != nil {
		c.options.OnOffline(err)
	}
}

// Inject delivers msg as if it came from the transport.
func (c *Consumer) Inject(msg types.InvalidationMessage) {
	c.HandleMessage(msg)
}

// Offline reports whether the transport gave up, and why.
func (c *Consumer) Offline() (bool, error) {
	c.offlineMu.Lock()
	defer c.offlineMu.Unlock()
	return atomic.LoadInt32(&c.offline) != 0, c.offlineErr
}

// Wait blocks until all background refetches have finished.
func (c *Consumer) Wait() {
	c.wg.Wait()
}

// Close cancels background refetches and waits for them to return.
// The cache is left to its owner.
func (c *Consumer) Close() {
	c.mu.Lock()
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

func (c *Consumer) isClosed() bool {
	return atomic.LoadInt32(&c.closed) != 0
}

// refetch starts a guarded background fetch for sig.
func (c *Consumer) refetch(sig string) {
	q, ok := c.cache.Query(sig)
	if !ok {
		return
	}

	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		return
	}
	seq := c.cache.BeginFetch(q)
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if err := c.sem.Acquire(c.ctx, 1); err != nil {
			c.cache.AbortFetch(sig, seq)
			return
		}
		defer c.sem.Release(1)

		ctx, cancel := context.WithTimeout(c.ctx, c.options.FetchTimeout)
		defer cancel()

		res, err := c.fetcher.Fetch(ctx, q)
		if err != nil {
			c.fetchFailed(sig, seq, err)
			return
		}
		c.complete(sig, seq, res)
	}()
}

// fetch runs a guarded fetch on the caller's goroutine.
func (c *Consumer) fetch(ctx context.Context, q cache.Query) (Result, error) {
	sig := q.Signature()
	seq := c.cache.BeginFetch(q)

	res, err := c.fetcher.Fetch(ctx, q)
	if err != nil {
		c.fetchFailed(sig, seq, err)
		return Result{}, err
	}
	c.complete(sig, seq, res)
	return res, nil
}

func (c *Consumer) complete(sig string, seq uint64, res Result) {
	done := c.cache.CompleteFetch(sig, seq, res.Value, res.Tags)
	if !done.Applied {
		c.metrics.IncRefetch(telemetry.RefetchDiscarded)
		return
	}
	c.metrics.IncRefetch(telemetry.RefetchApplied)
	done.Notify()
	if done.Refetch {
		if c.options.DebugMode {
			c.logger.Debug("Consumer: invalidated during fetch, fetching again", "signature", sig)
		}
		c.refetch(sig)
	}
}

func (c *Consumer) fetchFailed(sig string, seq uint64, err error) {
	c.cache.AbortFetch(sig, seq)
	if errors.Is(err, context.Canceled) && c.isClosed() {
		return
	}
	c.metrics.IncRefetch(telemetry.RefetchFailed)
	c.logger.Error("Consumer: refetch failed", "signature", sig, "error", err)
}

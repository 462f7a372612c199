package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/huykn/tagsync/cache"
	"github.com/huykn/tagsync/types"
)

var (
	productList = types.ListTag(types.KindProduct)
	product1    = types.NewTag(types.KindProduct, "p1")
	product7    = types.NewTag(types.KindProduct, "p7")
	newsList    = types.ListTag(types.KindNews)
)

// countingFetcher returns fn's result and counts calls per signature.
type countingFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, q cache.Query, n int) (Result, error)
}

func newCountingFetcher(fn func(ctx context.Context, q cache.Query, n int) (Result, error)) *countingFetcher {
	return &countingFetcher{calls: make(map[string]int), fn: fn}
}

func (f *countingFetcher) Fetch(ctx context.Context, q cache.Query) (Result, error) {
	f.mu.Lock()
	f.calls[q.Signature()]++
	n := f.calls[q.Signature()]
	f.mu.Unlock()
	return f.fn(ctx, q, n)
}

func (f *countingFetcher) count(q cache.Query) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[q.Signature()]
}

func staticFetcher(tags ...types.Tag) *countingFetcher {
	return newCountingFetcher(func(_ context.Context, q cache.Query, n int) (Result, error) {
		return Result{Value: n, Tags: tags}, nil
	})
}

func newConsumer(t *testing.T, f Fetcher, mutate func(*Options)) (*Consumer, *cache.TagCache) {
	t.Helper()
	tc, err := cache.NewTagCache(cache.DefaultOptions())
	require.NoError(t, err)
	opts := DefaultOptions()
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(tc, f, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		tc.Close()
	})
	return c, tc
}

type valueRecorder struct {
	mu     sync.Mutex
	values []any
}

func (r *valueRecorder) observe(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

func (r *valueRecorder) snapshot() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.values...)
}

func TestSubscribeFetchesStaleEntry(t *testing.T) {
	f := staticFetcher(productList)
	c, tc := newConsumer(t, f, nil)
	q := cache.NewQuery("products")

	rec := &valueRecorder{}
	sub, err := c.Subscribe(q, rec.observe)
	require.NoError(t, err)
	c.Wait()

	require.Equal(t, []any{1}, rec.snapshot())
	value, status, ok := tc.Get(q.Signature())
	require.True(t, ok)
	require.Equal(t, cache.Fresh, status)
	require.Equal(t, 1, value)

	// a second observer of a fresh entry gets the value without a fetch
	rec2 := &valueRecorder{}
	sub2, err := c.Subscribe(q, rec2.observe)
	require.NoError(t, err)
	c.Wait()
	require.Equal(t, 1, f.count(q))
	require.Equal(t, []any{1}, rec2.snapshot())

	sub.Unsubscribe()
	sub.Unsubscribe()
	sub2.Unsubscribe()
	require.Equal(t, 0, tc.Observers(q.Signature()))
}

func TestRepeatedInvalidationNeverOverlapsRefetches(t *testing.T) {
	release := make(chan struct{})
	var running, peak int32
	f := newCountingFetcher(func(_ context.Context, _ cache.Query, n int) (Result, error) {
		cur := atomic.AddInt32(&running, 1)
		defer atomic.AddInt32(&running, -1)
		for {
			p := atomic.LoadInt32(&peak)
			if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
				break
			}
		}
		if n == 2 {
			<-release
		}
		return Result{Value: n, Tags: []types.Tag{productList}}, nil
	})
	c, tc := newConsumer(t, f, nil)
	q := cache.NewQuery("products")

	_, err := c.Subscribe(q, func(any) {})
	require.NoError(t, err)
	c.Wait()

	msg := types.InvalidationMessage{Tags: []types.Tag{productList}}
	c.Inject(msg)
	c.Inject(msg)
	c.Inject(msg)
	close(release)
	c.Wait()

	// initial fetch, the refetch, and one follow-up for the messages that
	// arrived while it was in flight
	require.Equal(t, 3, f.count(q))
	require.EqualValues(t, 1, atomic.LoadInt32(&peak))
	require.Equal(t, cache.Fresh, tc.Status(q.Signature())[q.Signature()])
}

func TestInvalidationDuringRefetchConverges(t *testing.T) {
	var version atomic.Int64
	version.Store(1)
	read := make(chan struct{})
	release := make(chan struct{})
	f := newCountingFetcher(func(_ context.Context, _ cache.Query, n int) (Result, error) {
		v := version.Load()
		if n == 2 {
			close(read)
			<-release
		}
		return Result{Value: v, Tags: []types.Tag{product1}}, nil
	})
	c, tc := newConsumer(t, f, nil)
	q := cache.NewQuery("product", "id", "p1")

	rec := &valueRecorder{}
	_, err := c.Subscribe(q, rec.observe)
	require.NoError(t, err)
	c.Wait()

	msg := types.InvalidationMessage{Tags: []types.Tag{product1}}
	c.Inject(msg)
	<-read
	// mutated after the refetch read version 1
	version.Store(2)
	c.Inject(msg)
	close(release)
	c.Wait()

	value, status, ok := tc.Get(q.Signature())
	require.True(t, ok)
	require.Equal(t, cache.Fresh, status)
	require.Equal(t, int64(2), value)
	require.Equal(t, 3, f.count(q))

	values := rec.snapshot()
	require.NotEmpty(t, values)
	require.Equal(t, int64(2), values[len(values)-1])
}

func TestCloseDuringInvalidations(t *testing.T) {
	c, _ := newConsumer(t, staticFetcher(productList), nil)
	_, err := c.Subscribe(cache.NewQuery("products"), func(any) {})
	require.NoError(t, err)
	c.Wait()

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		msg := types.InvalidationMessage{Tags: []types.Tag{productList}}
		for {
			select {
			case <-stop:
				return
			default:
				c.Inject(msg)
			}
		}
	}()

	time.Sleep(10 * time.Millisecond)
	c.Close()
	close(stop)
	<-done
	c.Wait()

	_, err = c.Subscribe(cache.NewQuery("products"), func(any) {})
	require.ErrorIs(t, err, ErrConsumerClosed)
}

func TestUnrelatedTagsLeaveEntryFresh(t *testing.T) {
	f := staticFetcher(product1)
	c, tc := newConsumer(t, f, nil)
	q := cache.NewQuery("product", "id", "p1")

	_, err := c.Subscribe(q, func(any) {})
	require.NoError(t, err)
	c.Wait()

	c.Inject(types.InvalidationMessage{Tags: []types.Tag{newsList}})
	c.Wait()

	require.Equal(t, cache.Fresh, tc.Status(q.Signature())[q.Signature()])
	require.Equal(t, 1, f.count(q))
}

func TestLastRequestWins(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := newCountingFetcher(func(_ context.Context, _ cache.Query, n int) (Result, error) {
		if n == 1 {
			close(started)
			<-release
			return Result{Value: "A", Tags: []types.Tag{product7}}, nil
		}
		return Result{Value: "B", Tags: []types.Tag{product7}}, nil
	})
	c, tc := newConsumer(t, f, nil)
	q := cache.NewQuery("product", "id", "p7")

	done := make(chan error, 1)
	go func() { done <- c.Refresh(context.Background(), q) }()
	<-started

	require.NoError(t, c.Refresh(context.Background(), q))
	close(release)
	require.NoError(t, <-done)

	value, status, ok := tc.Get(q.Signature())
	require.True(t, ok)
	require.Equal(t, cache.Fresh, status)
	require.Equal(t, "B", value)
	require.EqualValues(t, 1, tc.Stats().Discarded)
}

func TestUnsubscribeSupersedesInflightRefetch(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := newCountingFetcher(func(_ context.Context, _ cache.Query, _ int) (Result, error) {
		close(started)
		<-release
		return Result{Value: "late", Tags: []types.Tag{productList}}, nil
	})
	c, tc := newConsumer(t, f, nil)
	q := cache.NewQuery("products")

	rec := &valueRecorder{}
	sub, err := c.Subscribe(q, rec.observe)
	require.NoError(t, err)
	<-started
	sub.Unsubscribe()
	close(release)
	c.Wait()

	_, _, ok := tc.Get(q.Signature())
	require.False(t, ok)
	require.Empty(t, rec.snapshot())
}

func TestNotificationOncePerMessage(t *testing.T) {
	f := newCountingFetcher(func(_ context.Context, q cache.Query, n int) (Result, error) {
		if q.Name == "products" {
			return Result{Value: n, Tags: []types.Tag{productList}}, nil
		}
		return Result{Value: n, Tags: []types.Tag{product7}}, nil
	})

	var notes []string
	var mu sync.Mutex
	c, _ := newConsumer(t, f, func(o *Options) {
		o.Notifier = NotifierFunc(func(m string) {
			mu.Lock()
			defer mu.Unlock()
			notes = append(notes, m)
		})
	})

	list := cache.NewQuery("products")
	item := cache.NewQuery("product", "id", "p7")
	_, err := c.Subscribe(list, func(any) {})
	require.NoError(t, err)
	_, err = c.Subscribe(item, func(any) {})
	require.NoError(t, err)
	c.Wait()

	c.Inject(types.InvalidationMessage{Tags: []types.Tag{productList, product7}, Message: "Product updated"})
	c.Wait()
	require.Equal(t, 2, f.count(list))
	require.Equal(t, 2, f.count(item))

	c.Inject(types.InvalidationMessage{Tags: []types.Tag{productList}})
	c.Wait()
	require.Equal(t, 3, f.count(list))
	require.Equal(t, 2, f.count(item))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"Product updated"}, notes)
}

func TestHandleOpenResyncsObservedEntries(t *testing.T) {
	f := staticFetcher(productList)
	c, tc := newConsumer(t, f, nil)
	observed := cache.NewQuery("products")
	idle := cache.NewQuery("products", "page", "2")

	_, err := c.Subscribe(observed, func(any) {})
	require.NoError(t, err)
	require.NoError(t, c.Refresh(context.Background(), idle))
	c.Wait()

	c.HandleOpen()
	c.Wait()

	require.Equal(t, 2, f.count(observed))
	require.Equal(t, 1, f.count(idle))
	status := tc.Status(observed.Signature(), idle.Signature())
	require.Equal(t, cache.Fresh, status[observed.Signature()])
	require.Equal(t, cache.Stale, status[idle.Signature()])
}

func TestRefetchFailureLeavesEntryStale(t *testing.T) {
	fail := int32(1)
	f := newCountingFetcher(func(_ context.Context, _ cache.Query, n int) (Result, error) {
		if atomic.LoadInt32(&fail) == 1 {
			return Result{}, errors.New("upstream unavailable")
		}
		return Result{Value: n, Tags: []types.Tag{productList}}, nil
	})
	c, tc := newConsumer(t, f, nil)
	q := cache.NewQuery("products")

	_, err := c.Subscribe(q, func(any) {})
	require.NoError(t, err)
	c.Wait()
	_, status, ok := tc.Get(q.Signature())
	require.False(t, ok)
	require.Equal(t, cache.Stale, status)

	_, err = c.Read(context.Background(), q)
	require.Error(t, err)

	atomic.StoreInt32(&fail, 0)
	value, err := c.Read(context.Background(), q)
	require.NoError(t, err)
	require.Equal(t, 3, value)

	// fresh now, so no further fetch
	value, err = c.Read(context.Background(), q)
	require.NoError(t, err)
	require.Equal(t, 3, value)
	require.Equal(t, 3, f.count(q))
}

func TestInvalidationRetriesFailedRefetch(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	f := newCountingFetcher(func(_ context.Context, _ cache.Query, n int) (Result, error) {
		if fail.Load() {
			return Result{}, errors.New("upstream unavailable")
		}
		return Result{Value: n, Tags: []types.Tag{productList}}, nil
	})
	c, tc := newConsumer(t, f, nil)
	q := cache.NewQuery("products", "page", "1")

	// the first fetch fails before any tags are known, so seed them
	tc.Record(q, []types.Tag{productList}, 0)
	rec := &valueRecorder{}
	_, err := c.Subscribe(q, rec.observe)
	require.NoError(t, err)

	c.Inject(types.InvalidationMessage{Tags: []types.Tag{productList}})
	c.Wait()
	require.Equal(t, 1, f.count(q))
	require.Equal(t, cache.Stale, tc.Status(q.Signature())[q.Signature()])

	fail.Store(false)
	c.Inject(types.InvalidationMessage{Tags: []types.Tag{productList}})
	c.Wait()
	require.Equal(t, 2, f.count(q))
	require.Equal(t, cache.Fresh, tc.Status(q.Signature())[q.Signature()])
	require.Equal(t, []any{0, 2}, rec.snapshot())
}

func TestInvalidMessageIgnored(t *testing.T) {
	f := staticFetcher(productList)
	c, tc := newConsumer(t, f, nil)
	q := cache.NewQuery("products")

	_, err := c.Subscribe(q, func(any) {})
	require.NoError(t, err)
	c.Wait()

	c.Inject(types.InvalidationMessage{Message: "no tags"})
	c.Wait()
	require.Equal(t, cache.Fresh, tc.Status(q.Signature())[q.Signature()])
}

func TestHandleOffline(t *testing.T) {
	var got error
	c, _ := newConsumer(t, staticFetcher(), func(o *Options) {
		o.OnOffline = func(err error) { got = err }
	})

	offline, err := c.Offline()
	require.False(t, offline)
	require.NoError(t, err)

	cause := errors.New("gave up")
	c.HandleOffline(cause)
	offline, err = c.Offline()
	require.True(t, offline)
	require.Equal(t, cause, err)
	require.Equal(t, cause, got)

	c.HandleOpen()
	offline, _ = c.Offline()
	require.False(t, offline)
}

func TestClosedConsumer(t *testing.T) {
	c, _ := newConsumer(t, staticFetcher(), nil)
	c.Close()
	c.Close()

	_, err := c.Subscribe(cache.NewQuery("products"), func(any) {})
	require.ErrorIs(t, err, ErrConsumerClosed)
	_, err = c.Read(context.Background(), cache.NewQuery("products"))
	require.ErrorIs(t, err, ErrConsumerClosed)
	require.ErrorIs(t, c.Refresh(context.Background(), cache.NewQuery("products")), ErrConsumerClosed)
}

func TestCloseCancelsBlockedRefetch(t *testing.T) {
	f := newCountingFetcher(func(ctx context.Context, _ cache.Query, _ int) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	})
	c, _ := newConsumer(t, f, nil)

	_, err := c.Subscribe(cache.NewQuery("products"), func(any) {})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not cancel the refetch")
	}
}

func TestOptionsValidate(t *testing.T) {
	opts := DefaultOptions()
	require.NoError(t, opts.Validate())

	opts.MaxConcurrentRefetches = 0
	require.ErrorIs(t, opts.Validate(), cache.ErrInvalidConfig)

	opts = DefaultOptions()
	opts.FetchTimeout = 0
	require.ErrorIs(t, opts.Validate(), cache.ErrInvalidConfig)
}

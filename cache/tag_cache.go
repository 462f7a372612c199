package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// entry is the bookkeeping for one query signature.
// The value itself lives in the LocalCache under the same signature.
type entry struct {
	query     Query
	tags      []Tag
	status    Status
	observers map[uint64]*observer

	// seq is the highest fetch sequence issued for this signature.
	seq uint64
	// inflight is set while the fetch carrying seq has not completed.
	inflight bool
	// dirty is set when an invalidation hits while the fetch carrying seq is
	// in flight; that fetch may have read data older than the invalidation.
	dirty bool
	// version grows with every stored value.
	version uint64

	evictGen uint64
	timer    *time.Timer
}

// TagCache stores query results keyed by signature and annotated with tags.
// An inverted index from Tag to signatures keeps Invalidate proportional to
// the entries it touches.
//
// All index mutations happen under a single mutex, so a multi-tag
// invalidation is observed either completely or not at all.
type TagCache struct {
	mu      sync.Mutex
	entries map[string]*entry
	index   map[Tag]map[string]struct{}
	values  LocalCache
	options Options
	logger  Logger

	nextObserver uint64
	closed       bool
	stats        Stats
}

// NewTagCache creates a new TagCache.
func NewTagCache(opts Options) (*TagCache, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.LocalCacheFactory == nil {
		opts.LocalCacheFactory = NewLRUCacheFactory(opts.LocalCacheConfig.MaxSize)
	}
	if opts.Logger == nil {
		opts.Logger = NewNoOpLogger()
	}

	values, err := opts.LocalCacheFactory.Create()
	if err != nil {
		return nil, err
	}

	return &TagCache{
		entries: make(map[string]*entry),
		index:   make(map[Tag]map[string]struct{}),
		values:  values,
		options: opts,
		logger:  opts.Logger,
	}, nil
}

// Record stores value for q, replaces its tag set and marks it fresh.
// Any fetch for q still in flight is superseded.
func (tc *TagCache) Record(q Query, tags []Tag, value any) {
	sig := q.Signature()

	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return
	}

	e := tc.ensureLocked(sig, q)
	e.seq++
	e.inflight = false
	e.dirty = false
	tc.storeLocked(sig, e, tags, value)
	atomic.AddInt64(&tc.stats.Records, 1)
}

// Invalidate marks stale every entry whose tags intersect tags.
// It returns the observed signatures that need a refetch: those that went
// from fresh to stale, and stale ones with no fetch in flight (a previous
// refetch failed). A stale entry already being fetched is not returned;
// it is marked dirty instead and CompleteFetch asks for one more fetch.
func (tc *TagCache) Invalidate(tags []Tag) []string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return nil
	}

	var observed []string
	seen := make(map[string]bool)
	for _, tag := range tags {
		for sig := range tc.index[tag] {
			e := tc.entries[sig]
			if e == nil {
				continue
			}
			if seen[sig] {
				continue
			}
			if e.status == Fresh {
				e.status = Stale
				e.dirty = e.inflight
				atomic.AddInt64(&tc.stats.Invalidations, 1)
			} else if e.inflight {
				e.dirty = true
				continue
			}
			if len(e.observers) > 0 {
				seen[sig] = true
				observed = append(observed, sig)
			}
		}
	}

	if tc.options.DebugMode {
		tc.logger.Debug("Invalidate: applied", "tags", tags, "observed", len(observed))
	}
	return observed
}

// InvalidateAll marks every entry stale and returns the signatures of all
// observed entries, whatever their previous status. It is used to resync
// after a period without realtime delivery.
func (tc *TagCache) InvalidateAll() []string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return nil
	}

	var observed []string
	for sig, e := range tc.entries {
		if e.status == Fresh {
			e.status = Stale
			atomic.AddInt64(&tc.stats.Invalidations, 1)
		}
		if len(e.observers) > 0 {
			observed = append(observed, sig)
		}
	}
	return observed
}

// Subscribe registers obs on q, creating the entry if needed.
// needsFetch is true when this is the first observer and the entry is stale.
func (tc *TagCache) Subscribe(q Query, obs Observer) (id uint64, needsFetch bool) {
	sig := q.Signature()

	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return 0, false
	}

	e := tc.ensureLocked(sig, q)
	tc.cancelEvictionLocked(e)

	tc.nextObserver++
	id = tc.nextObserver
	e.observers[id] = newObserver(obs)

	if len(e.observers) == 1 && tc.statusLocked(sig, e) == Stale {
		needsFetch = true
	}
	return id, needsFetch
}

// Unsubscribe removes an observer. When the last observer leaves, fetches in
// flight are superseded and the eviction grace period starts.
func (tc *TagCache) Unsubscribe(sig string, id uint64) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return false
	}

	e := tc.entries[sig]
	if e == nil {
		return false
	}
	if _, ok := e.observers[id]; !ok {
		return false
	}
	delete(e.observers, id)

	if len(e.observers) == 0 {
		e.seq++
		e.inflight = false
		e.dirty = false
		tc.scheduleEvictionLocked(sig, e)
	}
	return true
}

// NotifyCurrent delivers the current value of sig to observer id if the entry
// is fresh. A value applied meanwhile by CompleteFetch is never overtaken.
func (tc *TagCache) NotifyCurrent(sig string, id uint64) {
	tc.mu.Lock()
	if tc.closed {
		tc.mu.Unlock()
		return
	}
	e := tc.entries[sig]
	if e == nil || e.observers[id] == nil || tc.statusLocked(sig, e) != Fresh {
		tc.mu.Unlock()
		return
	}
	value, _ := tc.values.Get(sig)
	o, version := e.observers[id], e.version
	tc.mu.Unlock()

	o.deliver(value, version)
}

// Get returns the stored value and status for sig.
// ok is false when the entry does not exist or holds no value.
func (tc *TagCache) Get(sig string) (value any, status Status, ok bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return nil, Stale, false
	}

	e := tc.entries[sig]
	if e == nil {
		return nil, Stale, false
	}
	value, ok = tc.values.Get(sig)
	if !ok {
		e.status = Stale
		return nil, Stale, false
	}
	return value, e.status, true
}

// Status returns the status of each known signature, read under one lock.
func (tc *TagCache) Status(sigs ...string) map[string]Status {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	out := make(map[string]Status, len(sigs))
	for _, sig := range sigs {
		if e := tc.entries[sig]; e != nil {
			out[sig] = e.status
		}
	}
	return out
}

// BeginFetch issues the next fetch sequence number for q.
// Only the completion carrying the latest number is applied.
func (tc *TagCache) BeginFetch(q Query) uint64 {
	sig := q.Signature()

	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return 0
	}

	e := tc.ensureLocked(sig, q)
	e.seq++
	e.inflight = true
	e.dirty = false
	return e.seq
}

// AbortFetch records that the fetch carrying seq failed. The entry stays stale
// so the next subscription or invalidation tries again.
func (tc *TagCache) AbortFetch(sig string, seq uint64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return
	}
	if e := tc.entries[sig]; e != nil && e.seq == seq {
		e.inflight = false
		e.dirty = false
	}
}

// CompleteFetch applies a fetch result if seq is still the latest issued for
// sig. Call Notify on the result, outside any lock, to deliver the value.
// An entry invalidated while the fetch was in flight keeps the value but
// stays stale.
func (tc *TagCache) CompleteFetch(sig string, seq uint64, value any, tags []Tag) Completion {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return Completion{}
	}

	e := tc.entries[sig]
	if e == nil || seq != e.seq {
		atomic.AddInt64(&tc.stats.Discarded, 1)
		if tc.options.DebugMode {
			tc.logger.Debug("CompleteFetch: discarded superseded result", "signature", sig, "seq", seq)
		}
		return Completion{}
	}

	e.inflight = false
	tc.storeLocked(sig, e, tags, value)

	done := Completion{
		Applied:   true,
		value:     value,
		version:   e.version,
		observers: make([]*observer, 0, len(e.observers)),
	}
	for _, o := range e.observers {
		done.observers = append(done.observers, o)
	}
	if e.dirty {
		e.dirty = false
		e.status = Stale
		done.Refetch = len(e.observers) > 0
		if tc.options.DebugMode {
			tc.logger.Debug("CompleteFetch: invalidated while in flight", "signature", sig)
		}
	}
	return done
}

// Query returns the query stored for sig.
func (tc *TagCache) Query(sig string) (Query, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	e := tc.entries[sig]
	if e == nil {
		return Query{}, false
	}
	return e.query, true
}

// Tags returns a copy of the tags attached to sig.
func (tc *TagCache) Tags(sig string) []Tag {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	e := tc.entries[sig]
	if e == nil {
		return nil
	}
	return append([]Tag(nil), e.tags...)
}

// Observers returns the number of observers of sig.
func (tc *TagCache) Observers(sig string) int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if e := tc.entries[sig]; e != nil {
		return len(e.observers)
	}
	return 0
}

// Len returns the number of entries.
func (tc *TagCache) Len() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.entries)
}

// Stats returns cache statistics.
func (tc *TagCache) Stats() Stats {
	tc.mu.Lock()
	entries := int64(len(tc.entries))
	tc.mu.Unlock()

	return Stats{
		Entries:       entries,
		Records:       atomic.LoadInt64(&tc.stats.Records),
		Invalidations: atomic.LoadInt64(&tc.stats.Invalidations),
		Discarded:     atomic.LoadInt64(&tc.stats.Discarded),
		Evictions:     atomic.LoadInt64(&tc.stats.Evictions),
	}
}

// Close stops eviction timers and releases the value store.
func (tc *TagCache) Close() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return
	}
	tc.closed = true
	for _, e := range tc.entries {
		tc.cancelEvictionLocked(e)
	}
	tc.entries = nil
	tc.index = nil
	tc.values.Close()
}

func (tc *TagCache) ensureLocked(sig string, q Query) *entry {
	e := tc.entries[sig]
	if e != nil {
		return e
	}
	e = &entry{
		query:     q,
		status:    Stale,
		observers: make(map[uint64]*observer),
	}
	tc.entries[sig] = e
	// a fresh entry with no observers is subject to eviction like any other
	tc.scheduleEvictionLocked(sig, e)
	return e
}

// statusLocked reports Stale for a fresh entry whose value was dropped by the
// value store.
func (tc *TagCache) statusLocked(sig string, e *entry) Status {
	if e.status == Fresh {
		if _, ok := tc.values.Get(sig); !ok {
			e.status = Stale
		}
	}
	return e.status
}

func (tc *TagCache) storeLocked(sig string, e *entry, tags []Tag, value any) {
	tc.values.Set(sig, value, 1)
	tc.reindexLocked(sig, e, tags)
	e.version++
	e.status = Fresh
}

func (tc *TagCache) reindexLocked(sig string, e *entry, tags []Tag) {
	for _, tag := range e.tags {
		tc.unindexLocked(tag, sig)
	}
	e.tags = dedupTags(tags)
	for _, tag := range e.tags {
		set := tc.index[tag]
		if set == nil {
			set = make(map[string]struct{})
			tc.index[tag] = set
		}
		set[sig] = struct{}{}
	}
}

func (tc *TagCache) unindexLocked(tag Tag, sig string) {
	set := tc.index[tag]
	if set == nil {
		return
	}
	delete(set, sig)
	if len(set) == 0 {
		delete(tc.index, tag)
	}
}

func (tc *TagCache) scheduleEvictionLocked(sig string, e *entry) {
	tc.cancelEvictionLocked(e)
	gen := e.evictGen
	e.timer = time.AfterFunc(tc.options.GracePeriod, func() {
		tc.evict(sig, gen)
	})
}

func (tc *TagCache) cancelEvictionLocked(e *entry) {
	e.evictGen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (tc *TagCache) evict(sig string, gen uint64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return
	}
	e := tc.entries[sig]
	if e == nil || e.evictGen != gen || len(e.observers) > 0 {
		return
	}
	tc.evictLocked(sig, e)
}

func (tc *TagCache) evictLocked(sig string, e *entry) {
	for _, tag := range e.tags {
		tc.unindexLocked(tag, sig)
	}
	delete(tc.entries, sig)
	tc.values.Delete(sig)
	atomic.AddInt64(&tc.stats.Evictions, 1)
	if tc.options.DebugMode {
		tc.logger.Debug("Evict: removed entry", "signature", sig)
	}
}

func dedupTags(tags []Tag) []Tag {
	out := make([]Tag, 0, len(tags))
	seen := make(map[Tag]struct{}, len(tags))
	for _, tag := range tags {
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

package cache

import "sync"

// observer delivers values to one Observer. Calls never overlap and a value
// never follows a newer one. A value arriving while the Observer is running is
// handed to the running delivery, so intermediate values may be skipped but
// the last value delivered is always the newest.
type observer struct {
	fn Observer

	mu      sync.Mutex
	version uint64
	pending any
	running bool
}

func newObserver(fn Observer) *observer {
	return &observer{fn: fn}
}

func (o *observer) deliver(value any, version uint64) {
	o.mu.Lock()
	if version <= o.version {
		o.mu.Unlock()
		return
	}
	o.version = version
	o.pending = value
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true

	for {
		v, ver := o.pending, o.version
		o.pending = nil
		o.mu.Unlock()

		o.fn(v)

		o.mu.Lock()
		if o.version == ver {
			o.running = false
			o.mu.Unlock()
			return
		}
	}
}

// Completion is the outcome of CompleteFetch.
type Completion struct {
	// Applied is false when a newer fetch or a Record superseded this one.
	Applied bool

	// Refetch is true when the entry was invalidated while the fetch was in
	// flight and still has observers. The value is stored but the entry stays
	// stale and the owner should fetch again.
	Refetch bool

	value     any
	version   uint64
	observers []*observer
}

// Notify delivers the applied value to the observers registered when the
// fetch completed. It must not be called with locks the observers may take.
func (c Completion) Notify() {
	for _, o := range c.observers {
		o.deliver(c.value, c.version)
	}
}

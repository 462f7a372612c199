package cache

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestObserverDropsOlderValues(t *testing.T) {
	var got []any
	o := newObserver(func(v any) { got = append(got, v) })

	o.deliver("v2", 2)
	o.deliver("v1", 1)
	o.deliver("v2", 2)
	o.deliver("v3", 3)

	if len(got) != 2 || got[0] != "v2" || got[1] != "v3" {
		t.Fatalf("Expected [v2 v3], got %v", got)
	}
}

func TestObserverDeliversValueArrivingDuringCall(t *testing.T) {
	var got []any
	var o *observer
	o = newObserver(func(v any) {
		got = append(got, v)
		if v == "v1" {
			// must not block or recurse
			o.deliver("v2", 2)
		}
	})

	o.deliver("v1", 1)

	if len(got) != 2 || got[0] != "v1" || got[1] != "v2" {
		t.Fatalf("Expected [v1 v2], got %v", got)
	}
}

func TestObserverConcurrentDeliveries(t *testing.T) {
	var (
		mu      sync.Mutex
		seen    []uint64
		running int32
		overlap int32
	)
	o := newObserver(func(v any) {
		if atomic.AddInt32(&running, 1) > 1 {
			atomic.StoreInt32(&overlap, 1)
		}
		mu.Lock()
		seen = append(seen, v.(uint64))
		mu.Unlock()
		atomic.AddInt32(&running, -1)
	})

	var wg sync.WaitGroup
	for i := uint64(1); i <= 200; i++ {
		wg.Add(1)
		go func(ver uint64) {
			defer wg.Done()
			o.deliver(ver, ver)
		}(i)
	}
	wg.Wait()

	if atomic.LoadInt32(&overlap) != 0 {
		t.Fatal("Observer calls overlapped")
	}
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Fatalf("Value %d delivered after %d", seen[i], seen[i-1])
		}
	}
	if len(seen) == 0 || seen[len(seen)-1] != 200 {
		t.Fatalf("Expected the newest value last, got %v", seen)
	}
}

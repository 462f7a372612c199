package cache

import (
	"testing"
)

func TestLFUCacheGetSet(t *testing.T) {
	cache, err := NewLFUCache(DefaultLocalCacheConfig())
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	defer cache.Close()

	if ok := cache.Set("news?id=n1", "headline", 1); !ok {
		t.Fatal("Set should be admitted on an empty cache")
	}

	value, found := cache.Get("news?id=n1")
	if !found {
		t.Fatal("Value should be visible right after Set")
	}
	if value != "headline" {
		t.Fatalf("Expected headline, got %v", value)
	}
}

func TestLFUCacheDeleteAndClear(t *testing.T) {
	cache, err := NewLFUCache(DefaultLocalCacheConfig())
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	defer cache.Close()

	cache.Set("a", 1, 1)
	cache.Set("b", 2, 1)

	cache.Delete("a")
	if _, found := cache.Get("a"); found {
		t.Fatal("a should be deleted")
	}

	cache.Clear()
	if _, found := cache.Get("b"); found {
		t.Fatal("Clear should remove b")
	}
}

func TestLFUCacheMetrics(t *testing.T) {
	cache, err := NewLFUCache(DefaultLocalCacheConfig())
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	defer cache.Close()

	cache.Set("k", "v", 1)
	cache.Get("k")
	cache.Get("missing")

	metrics := cache.Metrics()
	if metrics.Hits != 1 || metrics.Misses != 1 {
		t.Fatalf("Expected 1 hit and 1 miss, got %+v", metrics)
	}
	if metrics.Size != DefaultLocalCacheConfig().MaxCost {
		t.Fatalf("Expected size %d, got %d", DefaultLocalCacheConfig().MaxCost, metrics.Size)
	}
}

func TestTagCacheWithLFUStore(t *testing.T) {
	opts := DefaultOptions()
	opts.LocalCacheFactory = NewLFUCacheFactory(opts.LocalCacheConfig)

	tc, err := NewTagCache(opts)
	if err != nil {
		t.Fatalf("Failed to create tag cache: %v", err)
	}
	defer tc.Close()

	q := NewQuery("product", "id", "p1")
	tc.Record(q, []Tag{{Kind: "Product", ID: "p1"}}, "widget")

	value, status, ok := tc.Get(q.Signature())
	if !ok || status != Fresh || value != "widget" {
		t.Fatalf("Expected fresh widget, got %v %v %v", value, status, ok)
	}
}

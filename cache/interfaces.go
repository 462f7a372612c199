package cache

import (
	"github.com/huykn/tagsync/types"
)

// Logger defines the interface for logging across tagsync components.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...any)

	// Info logs an info message.
	Info(msg string, args ...any)

	// Warn logs a warning message.
	Warn(msg string, args ...any)

	// Error logs an error message.
	Error(msg string, args ...any)
}

// Marshaller defines the interface for JSON marshalling/unmarshalling.
type Marshaller interface {
	// Marshal serializes a value to bytes.
	Marshal(v any) ([]byte, error)

	// Unmarshal deserializes a value from bytes.
	Unmarshal(data []byte, v any) error
}

// LocalCache is the bounded value store behind a TagCache.
// It only holds fetched values; tags, freshness and observers live in the TagCache.
type LocalCache interface {
	// Get retrieves a value from the local cache.
	Get(key string) (any, bool)

	// Set stores a value in the local cache.
	Set(key string, value any, cost int64) bool

	// Delete removes a value from the local cache.
	Delete(key string)

	// Clear removes all values from the local cache.
	Clear()

	// Close closes the local cache.
	Close()

	// Metrics returns cache metrics.
	Metrics() LocalCacheMetrics
}

// LocalCacheMetrics represents local cache metrics.
type LocalCacheMetrics struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int64
}

// LocalCacheFactory defines the interface for creating local cache implementations.
type LocalCacheFactory interface {
	// Create creates a new local cache instance.
	Create() (LocalCache, error)
}

// Observer receives the value of an entry each time a fetch for it is applied.
type Observer func(value any)

// Status is the freshness of a cache entry.
type Status int

const (
	// Stale entries have no value yet or a value that may be outdated.
	Stale Status = iota
	// Fresh entries hold the result of the latest applied fetch.
	Fresh
)

func (s Status) String() string {
	if s == Fresh {
		return "fresh"
	}
	return "stale"
}

// Tag is an alias for types.Tag.
type Tag = types.Tag

// Stats represents cache statistics.
type Stats struct {
	Entries       int64
	Records       int64
	Invalidations int64
	Discarded     int64
	Evictions     int64
}

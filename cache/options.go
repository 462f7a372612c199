package cache

import (
	"time"
)

// LocalCacheConfig configures the local cache.
type LocalCacheConfig struct {
	// NumCounters is the number of counters for the cache (Ristretto only).
	// Recommended: 10 * MaxItems
	NumCounters int64

	// MaxCost is the maximum cost of items in the cache (Ristretto only).
	MaxCost int64

	// BufferItems is the number of items to buffer before eviction (Ristretto only).
	// Recommended: 64
	BufferItems int64

	// IgnoreInternalCost ignores the internal cost of items (Ristretto only).
	IgnoreInternalCost bool

	// MaxSize is the maximum number of items in the cache (LRU only).
	MaxSize int
}

// Options configures a TagCache instance.
type Options struct {
	// LocalCacheConfig configures the value store.
	LocalCacheConfig LocalCacheConfig

	// LocalCacheFactory creates the value store.
	// If nil, defaults to the LRU factory.
	LocalCacheFactory LocalCacheFactory

	// GracePeriod is how long an entry without observers is kept before eviction.
	GracePeriod time.Duration

	// Logger is the logger for debug logging.
	// If nil, defaults to no-op logger.
	Logger Logger

	// DebugMode enables debug logging.
	DebugMode bool
}

// DefaultOptions returns default cache options.
func DefaultOptions() Options {
	return Options{
		LocalCacheConfig:  DefaultLocalCacheConfig(),
		LocalCacheFactory: nil, // Will default to LRU in NewTagCache()
		GracePeriod:       60 * time.Second,
		Logger:            nil, // Will default to no-op in NewTagCache()
		DebugMode:         false,
	}
}

// DefaultLocalCacheConfig returns default local cache configuration.
func DefaultLocalCacheConfig() LocalCacheConfig {
	return LocalCacheConfig{
		NumCounters:        1e5,
		MaxCost:            1e4,
		BufferItems:        64,
		IgnoreInternalCost: true,
		MaxSize:            10000,
	}
}

// Validate validates the options.
func (o *Options) Validate() error {
	if o.GracePeriod <= 0 {
		return ErrInvalidConfig
	}
	if o.LocalCacheFactory == nil && o.LocalCacheConfig.MaxSize <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// ErrInvalidConfig is returned when options are invalid.
var ErrInvalidConfig = NewError("invalid cache configuration")

// ErrCacheClosed is returned when operations are performed on a closed cache.
var ErrCacheClosed = NewError("cache is closed")

// NewError creates a new error with the given message.
func NewError(msg string) error {
	return &cacheError{msg: msg}
}

type cacheError struct {
	msg string
}

func (e *cacheError) Error() string {
	return e.msg
}

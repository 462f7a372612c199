package tagsync

import (
	"github.com/huykn/tagsync/cache"
	"github.com/huykn/tagsync/consumer"
	"github.com/huykn/tagsync/transport"
	"github.com/huykn/tagsync/types"
)

// Logger is an alias for cache.Logger.
type Logger = cache.Logger

// LocalCacheFactory is an alias for cache.LocalCacheFactory.
type LocalCacheFactory = cache.LocalCacheFactory

// LocalCacheConfig is an alias for cache.LocalCacheConfig.
type LocalCacheConfig = cache.LocalCacheConfig

// Query is an alias for cache.Query.
type Query = cache.Query

// Observer is an alias for cache.Observer.
type Observer = cache.Observer

// Status is an alias for cache.Status.
type Status = cache.Status

// Stats is an alias for cache.Stats.
type Stats = cache.Stats

// Tag is an alias for types.Tag.
type Tag = types.Tag

// InvalidationMessage is an alias for types.InvalidationMessage.
type InvalidationMessage = types.InvalidationMessage

// Fetcher is an alias for consumer.Fetcher.
type Fetcher = consumer.Fetcher

// FetcherFunc is an alias for consumer.FetcherFunc.
type FetcherFunc = consumer.FetcherFunc

// Result is an alias for consumer.Result.
type Result = consumer.Result

// Notifier is an alias for consumer.Notifier.
type Notifier = consumer.Notifier

// Subscription is an alias for consumer.Subscription.
type Subscription = consumer.Subscription

// Backoff is an alias for transport.Backoff.
type Backoff = transport.Backoff

// State is an alias for transport.State.
type State = transport.State

// Connection states.
const (
	StateConnecting = transport.StateConnecting
	StateOpen       = transport.StateOpen
	StateClosed     = transport.StateClosed
)

// NewQuery builds a Query from alternating key/value arguments.
func NewQuery(name string, kv ...string) Query {
	return cache.NewQuery(name, kv...)
}

// DefaultLocalCacheConfig returns default local cache configuration.
func DefaultLocalCacheConfig() LocalCacheConfig {
	return cache.DefaultLocalCacheConfig()
}

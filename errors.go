package tagsync

import (
	"github.com/huykn/tagsync/cache"
	"github.com/huykn/tagsync/consumer"
	"github.com/huykn/tagsync/transport"
	"github.com/huykn/tagsync/types"
)

// ErrInvalidConfig is returned when the configuration is invalid.
var ErrInvalidConfig = cache.ErrInvalidConfig

// ErrUnauthorized is reported when the server rejects the session token.
var ErrUnauthorized = transport.ErrUnauthorized

// ErrOffline is reported when reconnect attempts are exhausted.
var ErrOffline = transport.ErrOffline

// ErrChannelClosed is returned when connecting a closed client.
var ErrChannelClosed = transport.ErrChannelClosed

// ErrNoTags is returned for an invalidation message without tags.
var ErrNoTags = types.ErrNoTags

// ErrTooManyTags is returned for an invalidation message over types.MaxTags.
var ErrTooManyTags = types.ErrTooManyTags

// ErrConsumerClosed is returned when using a closed client.
var ErrConsumerClosed = consumer.ErrConsumerClosed

// ErrNotFound is returned when a fetched resource does not exist.
var ErrNotFound = consumer.ErrNotFound

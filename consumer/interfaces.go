package consumer

import (
	"context"
	"errors"

	"github.com/huykn/tagsync/cache"
	"github.com/huykn/tagsync/types"
)

// ErrConsumerClosed is returned when using a closed Consumer.
var ErrConsumerClosed = errors.New("consumer: closed")

// ErrNotFound is returned by fetchers when the requested resource does not exist.
var ErrNotFound = errors.New("consumer: not found")

// Result is the outcome of a fetch: the value and the tags it depends on.
type Result struct {
	Value any
	Tags  []types.Tag
}

// Fetcher performs the network read behind a query.
type Fetcher interface {
	Fetch(ctx context.Context, q cache.Query) (Result, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, q cache.Query) (Result, error)

// Fetch calls f(ctx, q).
func (f FetcherFunc) Fetch(ctx context.Context, q cache.Query) (Result, error) {
	return f(ctx, q)
}

// Notifier shows a user-visible message.
type Notifier interface {
	Notify(message string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(message string)

// Notify calls f(message).
func (f NotifierFunc) Notify(message string) {
	f(message)
}

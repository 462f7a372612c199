package consumer

import (
	"fmt"
	"time"

	"github.com/huykn/tagsync/cache"
	"github.com/huykn/tagsync/telemetry"
)

// Options configures a Consumer.
type Options struct {
	// MaxConcurrentRefetches bounds background refetches across all signatures.
	MaxConcurrentRefetches int64

	// FetchTimeout bounds a single background refetch.
	FetchTimeout time.Duration

	// Notifier receives the human message of each invalidation.
	// If nil, messages are only logged.
	Notifier Notifier

	// OnOffline is called once when the transport gives up.
	OnOffline func(err error)

	// Logger is the logger for debug logging.
	// If nil, defaults to no-op logger.
	Logger cache.Logger

	// DebugMode enables debug logging.
	DebugMode bool

	// Metrics receives refetch outcomes. If nil, defaults to telemetry.Noop().
	Metrics telemetry.Collector
}

// DefaultOptions returns default consumer options.
func DefaultOptions() Options {
	return Options{
		MaxConcurrentRefetches: 8,
		FetchTimeout:           10 * time.Second,
	}
}

// Validate validates the options.
func (o *Options) Validate() error {
	if o.MaxConcurrentRefetches <= 0 {
		return fmt.Errorf("%w: MaxConcurrentRefetches must be positive", cache.ErrInvalidConfig)
	}
	if o.FetchTimeout <= 0 {
		return fmt.Errorf("%w: FetchTimeout must be positive", cache.ErrInvalidConfig)
	}
	return nil
}

package quote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/huykn/tagsync/cache"
	"github.com/huykn/tagsync/consumer"
	"github.com/huykn/tagsync/telemetry"
	"github.com/huykn/tagsync/types"
)

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("quote: workflow already started")

// Options configures a Workflow.
type Options struct {
	// PollInterval is the fixed delay between reads while pending.
	PollInterval time.Duration

	// FailureThreshold is the number of consecutive failed polls after which
	// the workflow reports itself degraded. It keeps polling.
	FailureThreshold int

	// OnTransition is called once with the quote that left pending.
	OnTransition func(q types.Quote)

	// OnDegraded is called when consecutive poll failures reach FailureThreshold.
	OnDegraded func(err error)

	// Logger is the logger for debug logging.
	// If nil, defaults to no-op logger.
	Logger cache.Logger

	// DebugMode enables debug logging.
	DebugMode bool

	// Metrics receives transitions. If nil, defaults to telemetry.Noop().
	Metrics telemetry.Collector
}

// DefaultOptions returns default workflow options.
func DefaultOptions() Options {
	return Options{
		PollInterval:     10 * time.Second,
		FailureThreshold: 3,
	}
}

// Validate validates the options.
func (o *Options) Validate() error {
	if o.PollInterval <= 0 {
		return fmt.Errorf("%w: PollInterval must be positive", cache.ErrInvalidConfig)
	}
	if o.FailureThreshold <= 0 {
		return fmt.Errorf("%w: FailureThreshold must be positive", cache.ErrInvalidConfig)
	}
	return nil
}

// Workflow follows one pending quote until it is priced or rejected.
// Poll ticks and pushed invalidations both go through the consumer's cache
// entry for the quote; the workflow only watches the values applied there.
type Workflow struct {
	consumer *consumer.Consumer
	id       string
	query    cache.Query
	options  Options
	logger   cache.Logger
	metrics  telemetry.Collector

	mu       sync.Mutex
	state    types.QuoteStatus
	latest   *types.Quote
	sub      *consumer.Subscription
	started  bool
	degraded bool

	updates chan struct{}
	stop    chan struct{}
	done    chan struct{}

	stopOnce    sync.Once
	cancelOnce  sync.Once
	cancels     int32
	transitions int32
	ticker      *time.Ticker
}

// NewWorkflow creates a workflow for quote id. Call Start to begin.
func NewWorkflow(c *consumer.Consumer, id string, opts Options) (*Workflow, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, errors.New("quote: empty id")
	}
	if opts.Logger == nil {
		opts.Logger = cache.NewNoOpLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.Noop()
	}
	return &Workflow{
		consumer: c,
		id:       id,
		query:    QuoteQuery(id),
		options:  opts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		state:    types.QuotePending,
		updates:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start subscribes to the quote and starts the poll loop.
func (w *Workflow) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	w.started = true
	w.ticker = time.NewTicker(w.options.PollInterval)
	w.mu.Unlock()

	sub, err := w.consumer.Subscribe(w.query, w.observe)
	if err != nil {
		w.cancelPolling()
		close(w.done)
		return err
	}
	w.mu.Lock()
	w.sub = sub
	w.mu.Unlock()

	go w.run(ctx)
	return nil
}

// State returns the current workflow state.
func (w *Workflow) State() types.QuoteStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Quote returns the last quote value seen, if any.
func (w *Workflow) Quote() (types.Quote, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.latest == nil {
		return types.Quote{}, false
	}
	return *w.latest, true
}

// Degraded reports whether polls have been failing past the threshold.
func (w *Workflow) Degraded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.degraded
}

// Done is closed when the workflow has finished.
func (w *Workflow) Done() <-chan struct{} {
	return w.done
}

// Stop tears the workflow down. It is safe to call more than once.
func (w *Workflow) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// PollCancellations returns how many times the poll timer was cancelled.
func (w *Workflow) PollCancellations() int {
	return int(atomic.LoadInt32(&w.cancels))
}

// Transitions returns how many state transitions happened.
func (w *Workflow) Transitions() int {
	return int(atomic.LoadInt32(&w.transitions))
}

// observe is called by the consumer for each applied value. It must not
// block: a poll refresh calls it on the loop goroutine.
func (w *Workflow) observe(v any) {
	q, ok := asQuote(v)
	if !ok {
		w.logger.Warn("Quote: unexpected value", "id", w.id)
		return
	}

	w.mu.Lock()
	// a terminal value is never replaced by an older pending one
	if w.latest == nil || !w.latest.Status.Terminal() {
		w.latest = &q
	}
	w.mu.Unlock()

	select {
	case w.updates <- struct{}{}:
	default:
	}
}

func (w *Workflow) run(ctx context.Context) {
	defer close(w.done)
	defer w.teardown()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-w.updates:
			if w.checkTerminal() {
				return
			}
		case <-w.ticker.C:
			if err := w.consumer.Refresh(ctx, w.query); err != nil {
				failures++
				w.pollFailed(failures, err)
				continue
			}
			if failures > 0 {
				failures = 0
				w.mu.Lock()
				w.degraded = false
				w.mu.Unlock()
			}
			if w.checkTerminal() {
				return
			}
		}
	}
}

// checkTerminal moves the workflow to the terminal state of the latest value.
// Only the loop goroutine calls it, so the transition happens at most once.
func (w *Workflow) checkTerminal() bool {
	w.mu.Lock()
	if w.latest == nil || !w.latest.Status.Terminal() || w.state.Terminal() {
		w.mu.Unlock()
		return false
	}
	q := *w.latest
	w.state = q.Status
	w.mu.Unlock()

	w.cancelPolling()
	atomic.AddInt32(&w.transitions, 1)
	w.metrics.IncQuoteTransition(string(q.Status))
	w.logger.Info("Quote: transitioned", "id", w.id, "status", q.Status)
	if w.options.OnTransition != nil {
		w.options.OnTransition(q)
	}
	return true
}

func (w *Workflow) pollFailed(failures int, err error) {
	w.logger.Info("Quote: poll failed", "id", w.id, "failures", failures, "error", err)
	if failures != w.options.FailureThreshold {
		return
	}
	w.mu.Lock()
	w.degraded = true
	w.mu.Unlock()
	w.logger.Warn("Quote: polling degraded", "id", w.id, "failures", failures)
	if w.options.OnDegraded != nil {
		w.options.OnDegraded(err)
	}
}

func (w *Workflow) cancelPolling() {
	w.cancelOnce.Do(func() {
		w.ticker.Stop()
		atomic.AddInt32(&w.cancels, 1)
		if w.options.DebugMode {
			w.logger.Debug("Quote: polling cancelled", "id", w.id)
		}
	})
}

func (w *Workflow) teardown() {
	w.cancelPolling()
	w.mu.Lock()
	sub := w.sub
	w.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

func asQuote(v any) (types.Quote, bool) {
	switch q := v.(type) {
	case types.Quote:
		return q, true
	case *types.Quote:
		if q == nil {
			return types.Quote{}, false
		}
		return *q, true
	default:
		return types.Quote{}, false
	}
}

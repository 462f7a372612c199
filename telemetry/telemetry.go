package telemetry

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures events emitted by the broadcaster, the client transport,
// the consumer and the quote workflow.
//
// Hooks are called inline on delivery paths and must be cheap.
type Collector interface {
	IncBroadcast(delivered int)
	IncDropped(reason string)
	SetOpenChannels(n int)
	IncRefetch(result string)
	IncReconnectAttempt()
	IncNotification()
	IncQuoteTransition(status string)
}

// Refetch results reported through IncRefetch.
const (
	RefetchApplied   = "applied"
	RefetchDiscarded = "discarded"
	RefetchFailed    = "failed"
)

// Drop reasons reported through IncDropped.
const (
	DropQueueFull = "queue_full"
	DropInvalid   = "invalid"
)

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncBroadcast(int)          {}
func (noopCollector) IncDropped(string)         {}
func (noopCollector) SetOpenChannels(int)       {}
func (noopCollector) IncRefetch(string)         {}
func (noopCollector) IncReconnectAttempt()      {}
func (noopCollector) IncNotification()          {}
func (noopCollector) IncQuoteTransition(string) {}

// PrometheusCollector exposes tagsync metrics via Prometheus.
type PrometheusCollector struct {
	broadcasts    prometheus.Counter
	deliveries    prometheus.Counter
	dropped       *prometheus.CounterVec
	openChannels  prometheus.Gauge
	refetches     *prometheus.CounterVec
	reconnects    prometheus.Counter
	notifications prometheus.Counter
	transitions   *prometheus.CounterVec
}

// NewPrometheusCollector registers the metrics with reg. Metrics already
// registered on reg by an earlier collector are reused.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	var err error
	c := &PrometheusCollector{}
	if c.broadcasts, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tagsync_broadcasts_total",
		Help: "Number of invalidation messages accepted by the broadcaster.",
	})); err != nil {
		return nil, err
	}
	if c.deliveries, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tagsync_broadcast_deliveries_total",
		Help: "Number of invalidation messages enqueued to client channels.",
	})); err != nil {
		return nil, err
	}
	if c.dropped, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tagsync_broadcast_dropped_total",
		Help: "Number of invalidation messages dropped per reason.",
	}, []string{"reason"})); err != nil {
		return nil, err
	}
	if c.openChannels, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tagsync_open_channels",
		Help: "Number of client channels currently registered with the broadcaster.",
	})); err != nil {
		return nil, err
	}
	if c.refetches, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tagsync_refetch_total",
		Help: "Number of cache refetches per outcome.",
	}, []string{"result"})); err != nil {
		return nil, err
	}
	if c.reconnects, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tagsync_reconnect_attempts_total",
		Help: "Number of transport reconnect attempts.",
	})); err != nil {
		return nil, err
	}
	if c.notifications, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tagsync_notifications_total",
		Help: "Number of user-visible notifications emitted.",
	})); err != nil {
		return nil, err
	}
	if c.transitions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tagsync_quote_transitions_total",
		Help: "Number of quote workflow transitions per terminal status.",
	}, []string{"status"})); err != nil {
		return nil, err
	}
	return c, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return c, nil
}

func (c *PrometheusCollector) IncBroadcast(delivered int) {
	c.broadcasts.Inc()
	c.deliveries.Add(float64(delivered))
}

func (c *PrometheusCollector) IncDropped(reason string) {
	c.dropped.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) SetOpenChannels(n int) {
	c.openChannels.Set(float64(n))
}

func (c *PrometheusCollector) IncRefetch(result string) {
	c.refetches.WithLabelValues(result).Inc()
}

func (c *PrometheusCollector) IncReconnectAttempt() {
	c.reconnects.Inc()
}

func (c *PrometheusCollector) IncNotification() {
	c.notifications.Inc()
}

func (c *PrometheusCollector) IncQuoteTransition(status string) {
	c.transitions.WithLabelValues(status).Inc()
}

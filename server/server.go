package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/huykn/tagsync/cache"
	"github.com/huykn/tagsync/storage"
	tsync "github.com/huykn/tagsync/sync"
	"github.com/huykn/tagsync/telemetry"
)

// Options configures a Server.
type Options struct {
	// Authenticator validates session tokens. Required.
	Authenticator Authenticator

	// Store holds quotes. If nil, an in-memory store is used.
	Store storage.QuoteStore

	// Broadcaster fans out invalidations. If nil, one is created.
	Broadcaster *tsync.Broadcaster

	// Client configures the per-channel queue.
	Client tsync.ClientOptions

	// Gatherer backs /metrics. If nil, prometheus.DefaultGatherer is used.
	Gatherer prometheus.Gatherer

	// Logger is the logger for debug logging.
	// If nil, defaults to no-op logger.
	Logger cache.Logger

	// Metrics receives server events. If nil, defaults to telemetry.Noop().
	Metrics telemetry.Collector

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration
}

// Server exposes the invalidation channel and the quote endpoints.
type Server struct {
	auth        Authenticator
	store       storage.QuoteStore
	broadcaster *tsync.Broadcaster
	options     Options
	logger      cache.Logger
	metrics     telemetry.Collector
	engine      *gin.Engine

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Server.
func New(opts Options) (*Server, error) {
	if opts.Authenticator == nil {
		return nil, errors.New("server: authenticator required")
	}
	if opts.Store == nil {
		opts.Store = storage.NewMemoryQuoteStore()
	}
	if opts.Logger == nil {
		opts.Logger = cache.NewNoOpLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.Noop()
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = tsync.NewBroadcaster(tsync.Options{Logger: opts.Logger, Metrics: opts.Metrics})
	}
	if opts.Client.QueueSize <= 0 {
		opts.Client = tsync.DefaultClientOptions()
	}
	if opts.Client.Logger == nil {
		opts.Client.Logger = opts.Logger
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		auth:        opts.Authenticator,
		store:       opts.Store,
		broadcaster: opts.Broadcaster,
		options:     opts,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		ctx:         ctx,
		cancel:      cancel,
	}
	s.engine = s.routes()
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "channels": s.broadcaster.Channels()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.options.Gatherer, promhttp.HandlerOpts{})))
	r.GET("/ws", s.handleWS)

	q := r.Group("/quote", authMiddleware(s.auth))
	q.POST("", s.createQuote)
	q.GET("/:id", s.getQuote)
	q.POST("/:id/price", s.priceQuote)
	q.POST("/:id/reject", s.rejectQuote)
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Broadcaster returns the server's broadcaster.
func (s *Server) Broadcaster() *tsync.Broadcaster {
	return s.broadcaster
}

// Run serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server: listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	// websocket connections are hijacked and closed through Close
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.options.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Close disconnects every open channel.
func (s *Server) Close() {
	s.cancel()
}

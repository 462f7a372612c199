package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/huykn/tagsync/server"
	"github.com/huykn/tagsync/storage"
	tsync "github.com/huykn/tagsync/sync"
	"github.com/huykn/tagsync/telemetry"
)

func newServeCmd(root *rootFlags) *cobra.Command {
	var configPath string
	overrides := FileConfig{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the invalidation broadcaster and quote API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadFileConfig(configPath)
			if err != nil {
				return err
			}
			f := cmd.Flags()
			if f.Changed("addr") {
				cfg.Addr = overrides.Addr
			}
			if f.Changed("secret") {
				cfg.Secret = overrides.Secret
			}
			if f.Changed("redis-addr") {
				cfg.Redis.Addr = overrides.Redis.Addr
				if !f.Changed("store") && configPath == "" {
					cfg.Store = "redis"
				}
			}
			if f.Changed("store") {
				cfg.Store = overrides.Store
			}
			if f.Changed("feed-channel") {
				cfg.Redis.FeedChannel = overrides.Redis.FeedChannel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.Secret == "" {
				return errors.New("a signing secret is required (--secret or secret:)")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, root)
		},
	}

	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "YAML config file")
	f.StringVar(&overrides.Addr, "addr", ":8080", "listen address")
	f.StringVar(&overrides.Secret, "secret", "", "HMAC secret for session tokens")
	f.StringVar(&overrides.Store, "store", "memory", "quote store (memory, redis)")
	f.StringVar(&overrides.Redis.Addr, "redis-addr", "", "Redis address")
	f.StringVar(&overrides.Redis.FeedChannel, "feed-channel", "", "Redis channel relaying external invalidations")
	return cmd
}

func serve(ctx context.Context, cfg FileConfig, root *rootFlags) error {
	logger := root.logger()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := telemetry.NewPrometheusCollector(reg)
	if err != nil {
		return err
	}

	var store storage.QuoteStore = storage.NewMemoryQuoteStore()
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		if cfg.Store == "redis" {
			store = storage.NewRedisQuoteStoreFromClient(rdb)
		}
	}

	broadcaster := tsync.NewBroadcaster(tsync.Options{Logger: logger, DebugMode: root.debug, Metrics: metrics})
	srv, err := server.New(server.Options{
		Authenticator: server.NewJWTAuthenticator(cfg.Secret),
		Store:         store,
		Broadcaster:   broadcaster,
		Client: tsync.ClientOptions{
			QueueSize:    cfg.QueueSize,
			PingInterval: cfg.PingInterval,
			Logger:       logger,
		},
		Gatherer: reg,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}

	var feed *tsync.RedisFeed
	if cfg.Redis.FeedChannel != "" {
		feed = tsync.NewRedisFeed(rdb, cfg.Redis.FeedChannel, broadcaster, logger)
		if err := feed.Subscribe(ctx); err != nil {
			return fmt.Errorf("subscribe %s: %w", cfg.Redis.FeedChannel, err)
		}
		logger.Info("Serve: relaying invalidations", "channel", cfg.Redis.FeedChannel)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, cfg.Addr)
	})
	if feed != nil {
		g.Go(func() error {
			<-gctx.Done()
			return feed.Close()
		})
	}
	return g.Wait()
}

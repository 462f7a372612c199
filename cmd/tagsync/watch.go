package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/huykn/tagsync"
	"github.com/huykn/tagsync/consumer"
	"github.com/huykn/tagsync/quote"
	"github.com/huykn/tagsync/types"
)

func newWatchQuoteCmd(root *rootFlags) *cobra.Command {
	var (
		serverURL string
		token     string
		id        string
		poll      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch-quote",
		Short: "Follow a pending quote until it is priced or rejected",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watchQuote(ctx, cmd, root, serverURL, token, id, poll)
		},
	}

	f := cmd.Flags()
	f.StringVar(&serverURL, "server", "http://localhost:8080", "server base URL")
	f.StringVar(&token, "token", "", "session token")
	f.StringVar(&id, "id", "", "quote id")
	f.DurationVar(&poll, "poll", 10*time.Second, "poll interval while pending")
	cmd.MarkFlagRequired("token")
	cmd.MarkFlagRequired("id")
	return cmd
}

func watchQuote(ctx context.Context, cmd *cobra.Command, root *rootFlags, serverURL, token, id string, poll time.Duration) error {
	out := cmd.OutOrStdout()
	logger := root.logger()

	cfg := tagsync.DefaultConfig()
	cfg.ServerURL = serverURL
	cfg.Token = token
	cfg.Logger = logger
	cfg.DebugMode = root.debug
	cfg.Notifier = consumer.NotifierFunc(func(m string) {
		fmt.Fprintf(out, "notice: %s\n", m)
	})
	cfg.OnStateChange = func(s tagsync.State) {
		fmt.Fprintf(out, "connection: %s\n", s)
	}

	client, err := tagsync.New(cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Connect(ctx); err != nil {
		return err
	}

	opts := quote.DefaultOptions()
	opts.PollInterval = poll
	opts.OnTransition = func(q types.Quote) {
		fmt.Fprintf(out, "quote %s: %s\n", q.ID, q.Status)
		for i, it := range q.Items {
			if i < len(q.Prices) {
				fmt.Fprintf(out, "  %s x%d @ %s\n", it.ProductID, it.Quantity, q.Prices[i].StringFixed(2))
			}
		}
	}
	opts.OnDegraded = func(err error) {
		fmt.Fprintf(out, "polling degraded: %v\n", err)
	}

	w, err := client.WatchQuote(ctx, id, opts)
	if err != nil {
		return err
	}
	defer w.Stop()
	fmt.Fprintf(out, "watching quote %s\n", id)

	select {
	case <-w.Done():
	case <-ctx.Done():
	}
	if !w.State().Terminal() {
		return fmt.Errorf("quote %s still %s", id, w.State())
	}
	return nil
}

package main

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/huykn/tagsync"
	"github.com/huykn/tagsync/cache"
)

type rootFlags struct {
	logLevel string
	debug    bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "tagsync",
		Short:         "Realtime tag invalidation server and client tools",
		Version:       tagsync.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable component debug logging")

	cmd.AddCommand(newServeCmd(flags), newWatchQuoteCmd(flags), newTokenCmd())
	return cmd
}

// logger builds the zerolog-backed logger shared by all components.
func (f *rootFlags) logger() cache.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(f.logLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if f.debug {
		level = zerolog.DebugLevel
	}
	cw := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	zl := zerolog.New(cw).Level(level).With().Timestamp().Logger()
	return cache.NewZerologLogger(zl)
}

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/huykn/tagsync/server"
)

func newTokenCmd() *cobra.Command {
	var (
		secret  string
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tok, err := server.IssueToken(secret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&secret, "secret", "", "HMAC secret")
	f.StringVar(&subject, "subject", "admin", "token subject")
	f.DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	cmd.MarkFlagRequired("secret")
	return cmd
}

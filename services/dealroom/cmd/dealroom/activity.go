package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"dealroom/pkg/queue"
)

func newActivityCommand(load configLoader) *cobra.Command {
	var (
		limit  int64
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Print recent deal room events from the activity stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.RedisAddr == "" {
				return errors.New("activity: redisAddr is not configured")
			}
			stream, err := openActivityStream(cfg, nil)
			if err != nil {
				return err
			}
			defer stream.Close()

			out := cmd.OutOrStdout()
			entries, err := stream.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for i := len(entries) - 1; i >= 0; i-- {
				if err := printEntry(out, entries[i]); err != nil {
					return err
				}
			}
			if !follow {
				return nil
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err = stream.Tail(ctx, "$", func(e queue.Entry) error { return printEntry(out, e) })
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().Int64VarP(&limit, "limit", "n", 20, "number of recent events to print")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events")
	return cmd
}

func printEntry(w io.Writer, e queue.Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(line))
	return err
}

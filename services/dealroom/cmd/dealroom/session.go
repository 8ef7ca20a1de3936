package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"dealroom/services/dealroom/internal/app"
)

func newSessionCommand(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect or clear the persisted identity",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the persisted identity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			kv, _, err := openSessionKV(cfg)
			if err != nil {
				return err
			}
			defer kv.Close()

			raw, ok, err := kv.Get(cmd.Context(), app.SessionKey)
			if err != nil {
				return fmt.Errorf("read session: %w", err)
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "logged out")
				return nil
			}
			user, err := app.DecodeSessionUser(raw)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "malformed session entry (%v); it is ignored on start\n", err)
				return nil
			}
			out, _ := json.MarshalIndent(user, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}, &cobra.Command{
		Use:   "clear",
		Short: "Remove the persisted identity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			kv, _, err := openSessionKV(cfg)
			if err != nil {
				return err
			}
			defer kv.Close()

			if err := kv.Delete(cmd.Context(), app.SessionKey); err != nil {
				return fmt.Errorf("clear session: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "session cleared")
			return nil
		},
	})
	return cmd
}

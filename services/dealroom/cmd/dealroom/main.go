package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dealroom/internal/util"
	"dealroom/services/dealroom/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "dealroom",
		Short:         "Deal room workspace: deals, negotiation messages, documents and notifications",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default ./"+config.ConfigPath+" when present)")

	load := func() (config.FileConfig, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		util.InitLogger(cfg.LogLevel)
		return cfg, nil
	}
	root.AddCommand(newServeCommand(load), newSeedCommand(load), newSessionCommand(load), newActivityCommand(load))
	return root
}

type configLoader func() (config.FileConfig, error)

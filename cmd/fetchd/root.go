package main

import (
	"github.com/spf13/cobra"
	"github.com/tinoosan/fetchd/internal/config"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "fetchd",
		Short:         "fetchd is a concurrent download manager",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (default $FETCHD_CONFIG)")

	load := func() (config.Config, error) { return config.Load(configPath) }
	cmd.AddCommand(newServeCmd(load), newGetCmd(load))
	return cmd
}

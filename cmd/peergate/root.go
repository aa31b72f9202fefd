package main

import (
	"github.com/opd-ai/peergate/config"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "peergate",
		Short:         "Inbound peer connection gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, format := logFlags(cmd)
			return config.ConfigureLogging(cmd.ErrOrStderr(), level, format)
		},
	}
	cmd.PersistentFlags().String("log-level", "info", "Log level: debug|info|warn|error")
	cmd.PersistentFlags().String("log-format", "text", "Log format: text|json")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newProbeCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func logFlags(cmd *cobra.Command) (level, format string) {
	level, _ = cmd.Flags().GetString("log-level")
	format, _ = cmd.Flags().GetString("log-format")
	return level, format
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.olrik.dev/wharf/internal/core"
	"go.olrik.dev/wharf/internal/daemon"
	"go.olrik.dev/wharf/internal/store"
)

func NewVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Long:  `Show version of both client and daemon (if running)`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			clientVersion := core.Version
			clientFormatted := core.FormatVersion(clientVersion)
			fmt.Fprintf(cmd.OutOrStdout(), "Client version: %s\n", clientFormatted)

			st, err := store.Open(a.cfg.StorePath)
			if err != nil {
				return err
			}
			defer st.Close()

			info, err := daemon.ReadInfo(cmd.Context(), st)
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Daemon: not running")
				return nil
			}

			daemonFormatted := core.FormatVersion(info.Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Daemon version: %s (PID: %d, API: %s)\n", daemonFormatted, info.PID, info.URL())
			if info.Version != clientVersion {
				a.logger.Warn(fmt.Sprintf("Version mismatch! Client %s and daemon %s versions differ. Consider restarting the daemon.", clientFormatted, daemonFormatted))
			}
			return nil
		},
	}
}

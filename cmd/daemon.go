package cmd

import (
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.olrik.dev/wharf/internal/core"
	"go.olrik.dev/wharf/internal/daemon"
	"go.olrik.dev/wharf/internal/events"
	"go.olrik.dev/wharf/internal/keyring"
)

func NewDaemonCommand(a *app) *cobra.Command {
	var listen, onExposed, tunnelsFile string

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the port reconciliation daemon in the foreground",
		Long: `Run the daemon: follow the supervisor's port status feed, keep the local
port view up to date and serve it on the local API.

When WHARF_MONITOR_PID is set the daemon exits once that process is gone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if listen != "" {
				cfg.API.Listen = listen
			}
			if onExposed != "" {
				cfg.Ports.OnExposed = onExposed
			}
			if tunnelsFile != "" {
				cfg.Ports.TunnelsFile = tunnelsFile
			}

			// Log lines are also streamed to API subscribers
			stream := events.NewStreamer[events.Event](daemon.EventHistorySize)
			logger := core.SetupLogging(io.MultiWriter(os.Stderr, daemon.NewLogWriter(stream)), cfg.Verbose)

			opts := []daemon.Option{
				daemon.WithEvents(stream),
				daemon.WithLogger(logger),
			}
			if tokens, err := keyring.Open(); err != nil {
				logger.Warn("Keyring unavailable, supervisor calls will not be authenticated", "error", err)
			} else {
				opts = append(opts, daemon.WithTokens(tokens))
			}

			rt, err := daemon.New(cfg, opts...)
			if err != nil {
				return err
			}
			defer rt.Close()

			return rt.Run(cmd.Context())
		},
	}
	daemonCmd.Flags().StringVar(&listen, "listen", "", "API listen address (overrides config)")
	daemonCmd.Flags().StringVar(&onExposed, "on-exposed", "", "notify, open-browser, open-preview or ignore")
	daemonCmd.Flags().StringVar(&tunnelsFile, "tunnels-file", "", "YAML tunnel list to watch")

	return daemonCmd
}

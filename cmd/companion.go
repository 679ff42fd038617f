package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.olrik.dev/wharf/internal/companion"
	"go.olrik.dev/wharf/internal/daemon"
)

// withState opens the shared state for the duration of fn
func (a *app) withState(fn func(s *daemon.State) error) error {
	s, err := daemon.OpenState(a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func NewCompanionCommand(a *app) *cobra.Command {
	companionCmd := &cobra.Command{
		Use:   "companion",
		Short: "Manage the local companion of a remote host",
	}

	ensureCmd := &cobra.Command{
		Use:   "ensure <host>",
		Short: "Install and start the companion for host unless it already runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withState(func(s *daemon.State) error {
				cfg, err := s.Companions.Ensure(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return render(cmd, cfg, func(w io.Writer) { printCompanionConfig(w, cfg) })
			})
		},
	}
	addFormatFlag(ensureCmd)

	stopCmd := &cobra.Command{
		Use:   "stop <host>",
		Short: "Stop the companion for host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withState(func(s *daemon.State) error {
				if err := s.Companions.Stop(cmd.Context(), args[0]); err != nil {
					return err
				}
				a.logger.Info("Companion stopped", "host", args[0])
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status <host>",
		Short: "Show the cached installation and process of host's companion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withState(func(s *daemon.State) error {
				st, err := s.Companions.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return render(cmd, st, func(w io.Writer) { printCompanionStatus(w, st) })
			})
		},
	}
	addFormatFlag(statusCmd)

	var instanceID string
	resolveCmd := &cobra.Command{
		Use:   "resolve <host> <workspace-id>",
		Short: "Ask the companion how to reach a workspace over SSH",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if instanceID == "" {
				instanceID = a.cfg.Supervisor.InstanceID
			}
			return a.withState(func(s *daemon.State) error {
				conn, err := s.Companions.ResolveSSHConnection(cmd.Context(), args[0], instanceID, args[1])
				if err != nil {
					return err
				}
				return render(cmd, conn, func(w io.Writer) {
					fmt.Fprintf(w, "ssh -F %s %s\n", conn.ConfigFile, conn.Host)
				})
			})
		},
	}
	resolveCmd.Flags().StringVar(&instanceID, "instance-id", "", "workspace instance (defaults to supervisor.instance_id)")
	addFormatFlag(resolveCmd)

	autoTunnelCmd := &cobra.Command{
		Use:       "auto-tunnel <host> <on|off>",
		Short:     "Turn automatic tunnelling of the instance's ports on or off",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var enabled bool
			switch args[1] {
			case "on":
				enabled = true
			case "off":
			default:
				return fmt.Errorf("expected on or off, got %q", args[1])
			}
			if instanceID == "" {
				instanceID = a.cfg.Supervisor.InstanceID
			}
			return a.withState(func(s *daemon.State) error {
				return s.Companions.AutoTunnel(cmd.Context(), args[0], instanceID, enabled)
			})
		},
	}
	autoTunnelCmd.Flags().StringVar(&instanceID, "instance-id", "", "workspace instance (defaults to supervisor.instance_id)")

	companionCmd.AddCommand(ensureCmd, stopCmd, statusCmd, resolveCmd, autoTunnelCmd)
	return companionCmd
}

func printCompanionConfig(w io.Writer, cfg companion.Config) {
	fmt.Fprintf(w, "Companion for %s (PID: %d)\n", cfg.RemoteHost, cfg.PID)
	fmt.Fprintf(w, "  API port:   %d\n", cfg.APIPort)
	fmt.Fprintf(w, "  SSH config: %s\n", cfg.ConfigFile)
	fmt.Fprintf(w, "  Log:        %s\n", cfg.LogPath)
}

func printCompanionStatus(w io.Writer, st companion.Status) {
	if st.Installation == nil {
		fmt.Fprintf(w, "%s: not installed\n", st.Authority)
	} else {
		version := st.Installation.ETag
		if version == "" {
			version = "configured"
		}
		fmt.Fprintf(w, "%s: installed at %s (%s)\n", st.Authority, st.Installation.Path, version)
	}

	switch {
	case st.Config == nil:
		fmt.Fprintln(w, "  not started")
	case st.Running:
		fmt.Fprintf(w, "  running (PID: %d, API port: %d)\n", st.Config.PID, st.Config.APIPort)
	default:
		fmt.Fprintf(w, "  dead (PID: %d), see logs %s\n", st.Config.PID, st.Config.LogPath)
	}
}

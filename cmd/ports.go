package cmd

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"
	"go.olrik.dev/wharf/internal/api"
	"go.olrik.dev/wharf/internal/daemon"
	"go.olrik.dev/wharf/internal/ports"
	"go.olrik.dev/wharf/internal/store"
)

// daemonClient finds the running daemon through the shared store
func (a *app) daemonClient(cmd *cobra.Command) (*api.Client, error) {
	st, err := store.Open(a.cfg.StorePath)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	info, err := daemon.ReadInfo(cmd.Context(), st)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("Found daemon", "pid", info.PID, "addr", info.Addr)
	return api.NewClient(info.URL()), nil
}

func NewPortsCommand(a *app) *cobra.Command {
	portsCmd := &cobra.Command{
		Use:   "ports",
		Short: "Shows the workspace ports known to the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.daemonClient(cmd)
			if errors.Is(err, daemon.ErrNotRunning) {
				a.logger.Warn("No ports (daemon is not running).")
				return nil
			}
			if err != nil {
				return err
			}

			list, err := client.Ports(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd, list, func(w io.Writer) { printPorts(w, list) })
		},
	}
	addFormatFlag(portsCmd)

	portsCmd.AddCommand(
		newVisibilityCommand(a, "expose", "Expose a port as private or public", "private|public",
			func(cmd *cobra.Command, c *api.Client, port int, visibility string) error {
				return c.SetPortVisibility(cmd.Context(), port, visibility)
			}),
		newVisibilityCommand(a, "tunnel", "Set where a port's tunnel listens locally", "none|host|network",
			func(cmd *cobra.Command, c *api.Client, port int, visibility string) error {
				return c.SetTunnelVisibility(cmd.Context(), port, visibility)
			}),
		&cobra.Command{
			Use:   "untunnel <port>",
			Short: "Close a port's tunnel",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				port, err := parsePort(args[0])
				if err != nil {
					return err
				}
				client, err := a.daemonClient(cmd)
				if err != nil {
					return err
				}
				if err := client.CloseTunnel(cmd.Context(), port); err != nil {
					return err
				}
				a.logger.Info("Tunnel close requested", "port", port)
				return nil
			},
		},
	)

	return portsCmd
}

func parsePort(arg string) (int, error) {
	port, err := strconv.Atoi(arg)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", arg)
	}
	return port, nil
}

func newVisibilityCommand(a *app, use, short, values string, set func(*cobra.Command, *api.Client, int, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <port> <" + values + ">",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[0])
			if err != nil {
				return err
			}
			client, err := a.daemonClient(cmd)
			if err != nil {
				return err
			}
			if err := set(cmd, client, port, args[1]); err != nil {
				return err
			}
			a.logger.Info("Request sent, the port list updates once the workspace applies it", "port", port, "visibility", args[1])
			return nil
		},
	}
}

func printPorts(w io.Writer, list []ports.WorkspacePort) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No ports.")
		return
	}
	fmt.Fprintln(w, "Ports:")
	for _, p := range list {
		line := fmt.Sprintf("  - %s [%s]", p.Info.Label, p.Info.IconStatus)
		if p.Info.Description != "" {
			line += " " + p.Info.Description
		}
		if p.Status.Exposed != nil && p.Status.Exposed.URL != "" {
			line += " " + p.Status.Exposed.URL
		}
		fmt.Fprintln(w, line)
	}
}

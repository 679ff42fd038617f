package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.olrik.dev/wharf/internal/daemon"
	"go.olrik.dev/wharf/internal/lease"
)

func NewLocksCommand(a *app) *cobra.Command {
	var sweep bool

	locksCmd := &cobra.Command{
		Use:   "locks",
		Short: "List the leases held in the shared store",
		Long: `List the leases held in the shared store and whether they are stale.

A lease is stale when its deadline has passed, its holder process is gone
or its value cannot be read. With --sweep stale leases are removed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withState(func(s *daemon.State) error {
				if sweep {
					n, err := s.Locker.ReleaseStale(cmd.Context())
					if err != nil {
						return err
					}
					a.logger.Info("Swept stale leases", "released", n)
				}

				leases, err := s.Locker.List(cmd.Context())
				if err != nil {
					return err
				}
				return render(cmd, leases, func(w io.Writer) { printLeases(w, leases, time.Now()) })
			})
		},
	}
	locksCmd.Flags().BoolVar(&sweep, "sweep", false, "remove stale leases first")
	addFormatFlag(locksCmd)

	return locksCmd
}

func printLeases(w io.Writer, leases []lease.Status, now time.Time) {
	if len(leases) == 0 {
		fmt.Fprintln(w, "No leases.")
		return
	}
	fmt.Fprintln(w, "Leases:")
	for _, st := range leases {
		if st.Corrupt {
			fmt.Fprintf(w, "  - %s (corrupt)\n", st.Name)
			continue
		}
		state := "held"
		if st.Stale {
			state = "stale"
		}
		fmt.Fprintf(w, "  - %s (%s, PID: %d, Expires in: %s)\n",
			st.Name, state, st.Lease.PID, st.Lease.Deadline.Sub(now).Round(time.Second))
	}
}

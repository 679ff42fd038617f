package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.olrik.dev/wharf/internal/keyring"
	"go.olrik.dev/wharf/internal/rpc"
)

func NewTokenCommand(a *app) *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Manage bearer tokens in the system keyring",
	}

	setCmd := &cobra.Command{
		Use:   "set <host>",
		Short: "Store a token for host",
		Long: `Store a token for host in the system keyring.

The token is read from the terminal without echo, or from stdin when
there is no terminal.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := keyring.Open()
			if err != nil {
				return err
			}
			token, err := keyring.PromptToken(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			if err := tokens.Set(args[0], token); err != nil {
				return fmt.Errorf("failed to store token: %w", err)
			}
			a.logger.Info("Token stored", "host", args[0])
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:     "clear <host>",
		Aliases: []string{"delete", "rm"},
		Short:   "Remove the token for host",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := keyring.Open()
			if err != nil {
				return err
			}
			if err := tokens.Delete(args[0]); err != nil {
				return err
			}
			a.logger.Info("Token removed", "host", args[0])
			return nil
		},
	}

	var scopes []string
	fetchCmd := &cobra.Command{
		Use:   "fetch <host>",
		Short: "Ask the supervisor for a token for host and store it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := keyring.Open()
			if err != nil {
				return err
			}

			sup := a.cfg.Supervisor
			conn, err := rpc.Dial(sup.Address, rpc.WithDeadlines(rpc.Deadlines{
				Short:  sup.ShortDeadline,
				Normal: sup.NormalDeadline,
				Long:   sup.LongDeadline,
			}))
			if err != nil {
				return err
			}
			defer conn.Close()

			token, err := conn.GetToken(cmd.Context(), args[0], scopes)
			if err != nil {
				return fmt.Errorf("failed to get token from supervisor %s: %w", sup.Address, err)
			}
			if err := tokens.Set(args[0], token); err != nil {
				return fmt.Errorf("failed to store token: %w", err)
			}
			a.logger.Info("Token fetched and stored", "host", args[0], "scopes", scopes)
			return nil
		},
	}
	fetchCmd.Flags().StringSliceVar(&scopes, "scope", nil, "scope to request, may be repeated")

	statusCmd := &cobra.Command{
		Use:   "status <host>",
		Short: "Report whether a token is stored for host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := keyring.Open()
			if err != nil {
				return err
			}
			if tokens.Has(args[0]) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: token stored\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: no token\n", args[0])
			}
			return nil
		},
	}

	tokenCmd.AddCommand(setCmd, clearCmd, fetchCmd, statusCmd)
	return tokenCmd
}

package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.olrik.dev/wharf/internal/core"
)

// app carries what the persistent flags resolve to, for every subcommand
type app struct {
	configPath string
	verbose    int

	cfg    *core.Configuration
	logger *slog.Logger
}

func NewRootCommand() *cobra.Command {
	a := &app{}

	homeDir, _ := os.UserHomeDir()

	rootCmd := &cobra.Command{
		Use:   "wharf",
		Short: "wharf - workspace companion supervisor",
		Long: `wharf keeps a local companion process running for your remote workspaces
and reconciles the workspace's ports into a local view.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	rootCmd.PersistentFlags().StringVar(
		&a.configPath, "config-path", filepath.Join(homeDir, core.BaseDirName),
		"config path",
	)
	rootCmd.PersistentFlags().CountVarP(&a.verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewDaemonCommand(a),
		NewPortsCommand(a),
		NewCompanionCommand(a),
		NewLocksCommand(a),
		NewTokenCommand(a),
		NewVersionCommand(a),
	)

	return rootCmd
}

// load reads the config file; flags win over file values
func (a *app) load() error {
	cfg, err := core.LoadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config from %s: %w", a.configPath, err)
	}
	if a.verbose > cfg.Verbose {
		cfg.Verbose = a.verbose
	}
	a.cfg = cfg
	a.logger = core.SetupLogging(os.Stderr, cfg.Verbose)
	return nil
}

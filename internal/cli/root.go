// Package cli implements the satsjar command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/satsjar/satsjar/internal/daemon"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "satsjar",
	Short: "Family task and allowance service with escrowed Lightning payouts",
	Long: `satsjar lets guardians post paid tasks for dependents, locks the reward
until approval and pays it out over the guardian's Lightning wallet.

Configuration is read from $SATSJAR_HOME/config.toml (default ~/.satsjar)
and can be overridden with SATSJAR_* environment variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config.toml")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// openDaemon loads configuration and wires the services without serving.
func openDaemon() (*daemon.Daemon, error) {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return daemon.New(cfg)
}

// ─── serve ──────────────────────────────────────────────────────────────────

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the recurring task scheduler",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}

// ─── version ────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "satsjar %s\n", daemon.Version)
	},
}

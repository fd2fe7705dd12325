package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitewatch/internal/config"
	"github.com/JakeFAU/sitewatch/internal/logging"
	"github.com/JakeFAU/sitewatch/internal/server"
)

// Runner is what the serve command drives. Tests substitute a fake.
type Runner interface {
	Run(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg *config.Config) (Runner, error) {
	return server.Build(ctx, cfg)
}

type rootOptions struct {
	cfgFile string
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "sitewatch",
		Short: "Watches a fleet of websites for drift.",
		Long: `sitewatch checks every registered site on its own interval, compares each
snapshot (HTTP status, DNS records, resolved addresses and content hash) with
the previous one, and raises an alert when something changed.

Run "sitewatch serve" to start the monitor and its HTTP API, then manage sites
with the "sitewatch sites" subcommands.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newSitesCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		logger, lerr := logging.New(false)
		if lerr != nil {
			os.Exit(1)
		}
		logger.Fatal("command execution failed", zap.Error(err))
	}
}

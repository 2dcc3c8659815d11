package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/shipment-bundler/internal/cli"
	"github.com/fpang/shipment-bundler/internal/logging"
)

// CLI flags
var (
	envFileFlag string
	outputFlag  string
	yesFlag     bool
)

// rootCmd is the main Cobra command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "shipctl",
	Short: "Operate the shipment bundling pipeline",
	Long: `shipctl drives the shipment bundling pipeline against the deployed buckets,
state table and event bus named in the environment (or an .env file).

It can partition a batch, inspect job and package progress, re-drive a
package, issue or probe download links and run artifact cleanup by hand.

Examples:
  shipctl partition ./batches/2024-05-01.json
  shipctl partition s3://shipments-inbound/batch-17.json
  shipctl status 3f0c6d0e-...
  shipctl packages 3f0c6d0e-... -o json
  shipctl package 3f0c6d0e-... 2 --local
  shipctl link 3f0c6d0e-... 1 --ttl-hours 6
  shipctl cleanup 3f0c6d0e-... --yes
  shipctl sweep`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFileFlag, "env-file", ".env", "Optional .env file loaded before the environment")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", cli.FormatYAML, "Output format: yaml or json")

	cleanupCmd.Flags().BoolVarP(&yesFlag, "yes", "y", false, "Skip the confirmation prompt")
	packageCmd.Flags().BoolVar(&localFlag, "local", false, "Bundle the package in this process instead of publishing it")
	linkCmd.Flags().IntVar(&ttlHoursFlag, "ttl-hours", 0, "Link lifetime in hours, 1 to 24 (0 = configured default)")

	rootCmd.AddCommand(partitionCmd, statusCmd, packagesCmd, packageCmd, linkCmd, probeCmd, cleanupCmd, sweepCmd, verifyCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// render writes v to stdout in the selected format.
func render(cmd *cobra.Command, v any) error {
	return cli.Render(cmd.OutOrStdout(), outputFlag, v)
}

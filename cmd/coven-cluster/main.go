// ABOUTME: Entry point for coven-cluster, a process-group supervisor
// ABOUTME: Runs the CLI in the primary and the worker role when started by a primary

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-cluster/internal/cluster"
	"github.com/2389/coven-cluster/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __
 / __/ _ \ \ / / _ \ '_ \
| (_| (_) \ V /  __/ | | |  cluster
 \___\___/ \_/ \___|_| |_|
`

func main() {
	if cluster.IsWorker() {
		os.Exit(runWorker())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// rootOptions holds flags shared by every command.
type rootOptions struct {
	configPath string
}

// resolveConfigPath returns --config if set, otherwise config.Path().
func (o *rootOptions) resolveConfigPath() (string, error) {
	if o.configPath != "" {
		return o.configPath, nil
	}
	return config.Path()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "coven-cluster",
		Short:         "Run and supervise a pool of worker processes",
		Long:          color.CyanString(banner) + "\nForks copies of itself as workers, replaces the ones that die, and spreads work across them.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default $COVEN_CLUSTER_CONFIG or ~/.config/coven/cluster.yaml)")

	root.AddCommand(
		newServeCmd(opts),
		newInitCmd(opts),
		newHealthCmd(opts),
		newJournalCmd(opts),
		newVersionCmd(),
	)
	return root
}

// Package cmd defines the CLI commands of the governor executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-governor/internal/config"
	"github.com/JakeFAU/crawl-governor/internal/server"
	"github.com/JakeFAU/crawl-governor/internal/throttle"
)

// services is what the administrative commands need from a built process.
// It is an interface so tests can inject a shared in-memory registry.
type services interface {
	Registry() *throttle.Registry
	Close(ctx context.Context) error
}

// openServices builds the governor for one command invocation.
var openServices = func(ctx context.Context, cfg *config.Config) (services, error) {
	return server.Build(ctx, cfg)
}

// runServer builds the governor and blocks in Run.
var runServer = func(ctx context.Context, cfg *config.Config) error {
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

type rootOptions struct {
	cfgFile string
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}

// withServices loads config, opens the governor, runs fn and closes it.
func (o *rootOptions) withServices(cmd *cobra.Command, fn func(ctx context.Context, svc services) error) (err error) {
	cfg, err := o.load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	svc, err := openServices(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize governor services: %w", err)
	}
	defer func() {
		if cerr := svc.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, svc)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "governor",
		Short: "Cluster-wide locks and connection throttling for crawler processes.",
		Long: `governor runs the named lock service and the throttle registry that
crawler processes share through a coordination store (memory, postgres,
redis or gcs), and administers throttle groups and the cluster shutdown flag.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (env GOVERNOR_* overrides)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newGroupsCmd(opts))
	cmd.AddCommand(newClusterCmd(opts))
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

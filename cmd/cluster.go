package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newClusterCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Control the cluster-wide shutdown flag",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "shutdown",
		Short: "Drain every governed process: waiters wake and no new connections are granted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withServices(cmd, func(ctx context.Context, svc services) error {
				if err := svc.Registry().ShutdownCluster(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cluster shutdown flag raised")
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "resume",
		Short: "Clear the cluster-wide shutdown flag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withServices(cmd, func(ctx context.Context, svc services) error {
				if err := svc.Registry().ResumeCluster(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cluster shutdown flag cleared")
				return nil
			})
		},
	})
	return cmd
}

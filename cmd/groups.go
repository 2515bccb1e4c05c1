package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/crawl-governor/internal/throttle"
)

func newGroupsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Manage throttle groups",
	}
	cmd.AddCommand(newGroupsListCmd(opts))
	cmd.AddCommand(newGroupsShowCmd(opts))
	cmd.AddCommand(newGroupsApplyCmd(opts))
	cmd.AddCommand(newGroupsRemoveCmd(opts))
	return cmd
}

func newGroupsListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list TYPE",
		Short: "List the throttle groups of a connection type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withServices(cmd, func(ctx context.Context, svc services) error {
				groups, err := svc.Registry().GetThrottleGroups(ctx, args[0])
				if err != nil {
					return err
				}
				for _, g := range groups {
					fmt.Fprintln(cmd.OutOrStdout(), g)
				}
				return nil
			})
		},
	}
}

func newGroupsShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show TYPE GROUP",
		Short: "Print the spec of one throttle group as YAML",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withServices(cmd, func(ctx context.Context, svc services) error {
				spec, err := svc.Registry().GetThrottleSpec(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(throttle.GroupDefinition{Type: args[0], Group: args[1], Bins: spec.Bins}); err != nil {
					return fmt.Errorf("encode spec: %w", err)
				}
				return enc.Close()
			})
		},
	}
}

func newGroupsApplyCmd(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "apply -f FILE",
		Short: "Create or update the throttle groups listed in a YAML file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("open groups file: %w", err)
			}
			defer f.Close()
			defs, err := throttle.LoadGroupsYAML(f)
			if err != nil {
				return err
			}
			return opts.withServices(cmd, func(ctx context.Context, svc services) error {
				if err := svc.Registry().ApplyGroups(ctx, defs); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "applied %d throttle groups\n", len(defs))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file of throttle groups")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newGroupsRemoveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove TYPE GROUP",
		Short: "Remove a throttle group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withServices(cmd, func(ctx context.Context, svc services) error {
				if err := svc.Registry().RemoveThrottleGroup(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s/%s\n", args[0], args[1])
				return nil
			})
		},
	}
}

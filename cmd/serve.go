package cmd

import "github.com/spf13/cobra"

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the governor process",
		Long: `Starts the poll hooks (per-type rebalancing, global poll, lock
heartbeat, cleanup) and the ops HTTP endpoint serving /healthz, /readyz and
/metrics. SIGINT or SIGTERM drains the process and returns its quota to the
cluster.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}
}

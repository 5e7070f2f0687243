package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/phalanx/internal/scheduler"
)

func newToolsCmd(opts *rootOptions) *cobra.Command {
	var role string

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the registered tools",
		Example: `  phalanx tools
  phalanx tools --role scout`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			inventory := newInventory(nil, nil)
			sched := scheduler.New(nil, nil, inventory, nil, cfg.Scheduler)

			names := sched.GetAvailableTools()
			if role != "" {
				names = sched.GetToolsForRole(role)
			}

			descs := inventory.List()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, name := range names {
				fmt.Fprintf(tw, "%s\t%s\n", name, descs[name])
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "show the allowlist of an agent role")
	return cmd
}

package cmd

import (
	"github.com/spf13/cobra"

	"simjobs/internal/simctl"
)

func statsCmd(a *simctl.App) *cobra.Command {
	return &cobra.Command{
		Use:     "stats",
		Aliases: []string{"statistics"},
		Short:   "Summarise your jobs.",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.Statistics(ctx(cmd))
		},
	}
}

func cleanupCmd(a *simctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished jobs older than the retention window.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			days, err := cmd.Flags().GetInt("days")
			if err != nil {
				return err
			}
			return a.Cleanup(ctx(cmd), days)
		},
	}
	cmd.Flags().Int("days", 30, "remove jobs finished more than this many days ago")
	return cmd
}

func reconcileCmd(a *simctl.App) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation cycle on the server now.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.Reconcile(ctx(cmd))
		},
	}
}

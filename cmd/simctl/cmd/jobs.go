package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"simjobs/internal/simctl"
)

func submitCmd(a *simctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit -f <job-file>",
		Short: "Submit a simulation job.",
		Long: `Submit a simulation job described by a YAML or JSON file.

The file holds the job name, resource_spec, optional priority and either
inline parameters or a parameters_file path relative to the job file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := cmd.Flags().GetString("file")
			if err != nil {
				return fmt.Errorf("error reading file: %w", err)
			}
			return a.Submit(ctx(cmd), path)
		},
	}
	cmd.Flags().StringP("file", "f", "", "job file (YAML or JSON)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func listCmd(a *simctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List your jobs, newest first.",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := cmd.Flags().GetString("status")
			if err != nil {
				return err
			}
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return err
			}
			offset, err := cmd.Flags().GetInt("offset")
			if err != nil {
				return err
			}
			return a.List(ctx(cmd), status, limit, offset)
		},
	}
	cmd.Flags().String("status", "", "only jobs with this status")
	cmd.Flags().Int("limit", 50, "maximum number of jobs")
	cmd.Flags().Int("offset", 0, "number of jobs to skip")
	return cmd
}

func getCmd(a *simctl.App) *cobra.Command {
	return &cobra.Command{
		Use:     "get <job-id>",
		Aliases: []string{"describe"},
		Short:   "Show a job with its recent logs.",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.Describe(ctx(cmd), args[0])
		},
	}
}

func statusCmd(a *simctl.App) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status and progress of a job.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.Status(ctx(cmd), args[0])
		},
	}
}

func cancelCmd(a *simctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job that has not finished.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, err := cmd.Flags().GetString("reason")
			if err != nil {
				return fmt.Errorf("error reading reason: %w", err)
			}
			return a.Cancel(ctx(cmd), args[0], reason)
		},
	}
	cmd.Flags().String("reason", "", "reason recorded in the job log")
	return cmd
}

func logsCmd(a *simctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Print a job's log entries.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := cmd.Flags().GetString("level")
			if err != nil {
				return err
			}
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return err
			}
			return a.Logs(ctx(cmd), args[0], level, limit)
		},
	}
	cmd.Flags().String("level", "", "only entries of this level (debug, info, warning, error)")
	cmd.Flags().Int("limit", 100, "maximum number of entries")
	return cmd
}

func filesCmd(a *simctl.App) *cobra.Command {
	return &cobra.Command{
		Use:   "files <job-id>",
		Short: "List a job's output files.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.Files(ctx(cmd), args[0])
		},
	}
}

func downloadCmd(a *simctl.App) *cobra.Command {
	return &cobra.Command{
		Use:   "download <job-id> <path>",
		Short: "Print a time limited download URL for an output file.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.Download(ctx(cmd), args[0], args[1])
		},
	}
}

package cmd

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"simjobs/internal/config"
	"simjobs/internal/simctl"
)

// RootCmd is the root command; every sub-command is registered here.
func RootCmd() *cobra.Command {
	return rootCmd(simctl.New())
}

func rootCmd(a *simctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "simctl",
		Short:        "simctl submits and manages simulation jobs.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initApp(cmd, a)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("server", config.GetEnv("SIMJOBS_SERVER", "http://localhost:8080"), "jobs service URL ($SIMJOBS_SERVER)")
	flags.String("api-key", config.GetEnv("SIMJOBS_API_KEY", ""), "API key ($SIMJOBS_API_KEY)")
	flags.String("user", config.GetEnv("SIMJOBS_USER", os.Getenv("USER")), "user to act as ($SIMJOBS_USER)")
	flags.StringP("output", "o", simctl.FormatTable, "output format: table, json or yaml")
	flags.Duration("timeout", 30*time.Second, "request timeout")

	cmd.AddCommand(
		submitCmd(a),
		listCmd(a),
		getCmd(a),
		statusCmd(a),
		cancelCmd(a),
		logsCmd(a),
		filesCmd(a),
		downloadCmd(a),
		statsCmd(a),
		cleanupCmd(a),
		reconcileCmd(a),
	)
	return cmd
}

func initApp(cmd *cobra.Command, a *simctl.App) error {
	flags := cmd.Flags()
	server, err := flags.GetString("server")
	if err != nil {
		return err
	}
	apiKey, err := flags.GetString("api-key")
	if err != nil {
		return err
	}
	user, err := flags.GetString("user")
	if err != nil {
		return err
	}
	if a.Format, err = flags.GetString("output"); err != nil {
		return err
	}
	timeout, err := flags.GetDuration("timeout")
	if err != nil {
		return err
	}

	a.Client = simctl.NewClient(server, apiKey, user)
	a.Client.HTTP.Timeout = timeout
	a.Out = cmd.OutOrStdout()
	return nil
}

// ctx returns the command context, which cobra leaves nil outside ExecuteContext.
func ctx(cmd *cobra.Command) context.Context {
	if c := cmd.Context(); c != nil {
		return c
	}
	return context.Background()
}

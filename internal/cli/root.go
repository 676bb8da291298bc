// Package cli implements the deployer command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/metrics"
)

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := New().ExecuteContext(ctrl.SetupSignalHandler()); err != nil {
		os.Exit(1)
	}
}

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deployer [sub-command]",
		Short: "Deploy and undeploy application services on Kubernetes",
		Long: `deployer applies the manifests of a service to a cluster in dependency
order, waits for its pods to become ready and explains rollouts that fail.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		PersistentPreRunE:  preRun,
		PersistentPostRunE: postRun,
		DisableAutoGenTag:  true,
		SilenceUsage:       true,
	}

	registerClusterFlags(cmd.PersistentFlags())
	registerConfigFlags(cmd.PersistentFlags())
	registerLoggingFlags(cmd.PersistentFlags())
	cmd.PersistentFlags().String(FlagMetricsFile, "", "write the engine metrics to this file on exit, in the Prometheus text format")

	cmd.AddCommand(newDeploy())
	cmd.AddCommand(newApply())
	cmd.AddCommand(newUndeploy())
	cmd.AddCommand(newVersion())
	return cmd
}

func preRun(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	ctrl.SetLogger(logger)
	cmd.SetContext(log.IntoContext(cmd.Context(), logger))
	return nil
}

func postRun(cmd *cobra.Command, _ []string) error {
	path, err := cmd.Flags().GetString(FlagMetricsFile)
	if err != nil || path == "" {
		return err
	}
	if err := metrics.WriteTextfile(path); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/undeploy"
)

const FlagWait = "wait"

func newUndeploy() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "undeploy --app shop --env dev -n shop-dev [--service web]",
		Short: "Remove the resources of services, keeping their volumes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, err := newEngine(cmd)
			if err != nil {
				return err
			}
			var target undeploy.Target
			target.App, _ = cmd.Flags().GetString(FlagApp)
			target.Environment, _ = cmd.Flags().GetString(FlagEnvironment)
			target.Namespace, _ = cmd.Flags().GetString(FlagNamespace)
			target.Services, _ = cmd.Flags().GetStringSlice(FlagService)
			target.Wait, _ = cmd.Flags().GetBool(FlagWait)

			if err := engine.Deployer.Undeploy(cmd.Context(), target); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "undeployed %s in %s\n", target.App, target.Namespace)
			return nil
		},
		DisableAutoGenTag: true,
	}

	cmd.Flags().String(FlagApp, "", "application to undeploy")
	cmd.Flags().String(FlagEnvironment, "", "environment of the application")
	cmd.Flags().StringP(FlagNamespace, "n", "", "namespace of the application")
	cmd.Flags().StringSlice(FlagService, nil, "services to undeploy, all services of the application if unset")
	cmd.Flags().Bool(FlagWait, false, "wait until deleted resources are gone")
	for _, name := range []string{FlagApp, FlagEnvironment, FlagNamespace} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/apply"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/deploy"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/manifest"
)

const (
	FlagFile        = "file"
	FlagApp         = "app"
	FlagEnvironment = "env"
	FlagService     = "service"
	FlagNamespace   = "namespace"
	FlagNoWait      = "no-wait"
)

func registerManifestFlags(flags *pflag.FlagSet) {
	flags.StringSliceP(FlagFile, "f", nil, "manifest files to apply, - reads stdin")
	flags.StringP(FlagNamespace, "n", "", "namespace to deploy to")
}

func newDeploy() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy -f manifests.yaml --app shop --env dev --service web -n shop-dev",
		Short: "Deploy a service and wait until its pods are ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			files, _ := cmd.Flags().GetStringSlice(FlagFile)
			resources, err := manifest.DecodeFiles(cmd.InOrStdin(), files...)
			if err != nil {
				return err
			}
			engine, err := newEngine(cmd)
			if err != nil {
				return err
			}

			req := deploy.Request{Resources: resources}
			req.App, _ = cmd.Flags().GetString(FlagApp)
			req.Environment, _ = cmd.Flags().GetString(FlagEnvironment)
			req.Service, _ = cmd.Flags().GetString(FlagService)
			req.Namespace, _ = cmd.Flags().GetString(FlagNamespace)
			req.SkipReadiness, _ = cmd.Flags().GetBool(FlagNoWait)

			outcome, err := engine.Deployer.Deploy(cmd.Context(), req)
			if outcome != nil && outcome.Applied != nil {
				printResult(cmd.OutOrStdout(), outcome.Applied)
			}
			var failure *deploy.FailureError
			if errors.As(err, &failure) {
				fmt.Fprintf(cmd.ErrOrStderr(), "probable causes:\n%s\n", deploy.Render(failure.Diagnosis))
			}
			if err != nil {
				return err
			}
			if outcome.Stale > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d stale resources\n", outcome.Stale)
			}
			if outcome.Readiness != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%d/%d pods ready\n", outcome.Readiness.Ready(), outcome.Readiness.Replicas())
			}
			return nil
		},
		DisableAutoGenTag: true,
	}

	registerManifestFlags(cmd.Flags())
	cmd.Flags().String(FlagApp, "", "application the service belongs to")
	cmd.Flags().String(FlagEnvironment, "", "environment of the application")
	cmd.Flags().String(FlagService, "", "service to deploy")
	cmd.Flags().Bool(FlagNoWait, false, "return once the resources are applied")
	for _, name := range []string{FlagFile, FlagApp, FlagEnvironment, FlagService, FlagNamespace} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newApply() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply -f manifests.yaml -n shop-dev",
		Short: "Apply manifests in dependency order without waiting for pods",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			files, _ := cmd.Flags().GetStringSlice(FlagFile)
			resources, err := manifest.DecodeFiles(cmd.InOrStdin(), files...)
			if err != nil {
				return err
			}
			engine, err := newEngine(cmd)
			if err != nil {
				return err
			}
			namespace, _ := cmd.Flags().GetString(FlagNamespace)

			result, err := engine.Orchestrator.Apply(cmd.Context(), namespace, resources)
			if result != nil {
				printResult(cmd.OutOrStdout(), result)
			}
			if err != nil {
				return err
			}
			return result.Errors()
		},
		DisableAutoGenTag: true,
	}

	registerManifestFlags(cmd.Flags())
	_ = cmd.MarkFlagRequired(FlagFile)
	_ = cmd.MarkFlagRequired(FlagNamespace)
	return cmd
}

func printResult(w io.Writer, result *apply.Result) {
	for _, item := range result.Items {
		if item.Error != nil {
			fmt.Fprintf(w, "%s/%s failed: %v\n", item.Kind, item.Name, item.Error)
			continue
		}
		fmt.Fprintf(w, "%s/%s: %s\n", item.Kind, item.Name, item.Operation)
	}
}

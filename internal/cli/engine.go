package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/configuration"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/setup"
)

const (
	FlagKubeconfig  = "kubeconfig"
	FlagContext     = "context"
	FlagConfig      = "config"
	FlagConfigRef   = "config-ref"
	FlagMetricsFile = "metrics-file"
)

func registerClusterFlags(flags *pflag.FlagSet) {
	flags.String(FlagKubeconfig, "", "path to the kubeconfig file, defaults to the standard loading rules")
	flags.String(FlagContext, "", "kubeconfig context to use")
}

func registerConfigFlags(flags *pflag.FlagSet) {
	flags.String(FlagConfig, "", "path to a deployer configuration file")
	flags.String(FlagConfigRef, "", "load the configuration from the cluster, as ConfigMap/<namespace>/<name> or Secret/<namespace>/<name>")
}

func restConfig(cmd *cobra.Command) (*rest.Config, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	rules.ExplicitPath, _ = cmd.Flags().GetString(FlagKubeconfig)
	overrides := &clientcmd.ConfigOverrides{}
	overrides.CurrentContext, _ = cmd.Flags().GetString(FlagContext)

	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}
	return cfg, nil
}

// options resolves the configuration: a file wins over a cluster reference,
// both fall back to the defaults.
func options(cmd *cobra.Command, cfg *rest.Config) (configuration.Options, error) {
	if path, _ := cmd.Flags().GetString(FlagConfig); path != "" {
		return configuration.LoadFile(path)
	}
	ref, _ := cmd.Flags().GetString(FlagConfigRef)
	if ref == "" {
		return configuration.Default(), nil
	}
	reference, err := parseReference(ref)
	if err != nil {
		return configuration.Options{}, err
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return configuration.Options{}, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return configuration.Load(cmd.Context(), clientset, reference)
}

func parseReference(ref string) (configuration.Reference, error) {
	parts := strings.Split(ref, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return configuration.Reference{}, fmt.Errorf("invalid configuration reference %q, want Kind/namespace/name", ref)
	}
	return configuration.Reference{Kind: parts[0], Namespace: parts[1], Name: parts[2]}, nil
}

func newEngine(cmd *cobra.Command) (*setup.Engine, error) {
	cfg, err := restConfig(cmd)
	if err != nil {
		return nil, err
	}
	opts, err := options(cmd, cfg)
	if err != nil {
		return nil, err
	}
	log.FromContext(cmd.Context()).V(1).Info("connecting to cluster", "host", cfg.Host)
	return setup.New(cfg, opts)
}

// Package setup wires the engine components for one cluster.
package setup

import (
	"fmt"

	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"

	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/apply"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/clusterinfo"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/configuration"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/deploy"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/handler"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/kind"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/readiness"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/undeploy"
)

// Engine holds the wired components.
type Engine struct {
	Clientset    kubernetes.Interface
	Kinds        *kind.Registry
	Handlers     *handler.Registry
	Orchestrator *apply.Orchestrator
	Deployer     *deploy.Deployer
}

// New connects to the cluster behind cfg. Custom kinds are mapped through a
// cached discovery client that is refreshed when a kind is not found.
func New(cfg *rest.Config, opts configuration.Options) (*Engine, error) {
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	client, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}
	disco, err := discovery.NewDiscoveryClientForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery client: %w", err)
	}
	mapper := restmapper.NewDeferredDiscoveryRESTMapper(memory.NewMemCacheClient(disco))
	return NewForClients(clientset, client, mapper, opts)
}

// NewForClients wires the engine on existing clients.
func NewForClients(clientset kubernetes.Interface, client dynamic.Interface, mapper meta.RESTMapper, opts configuration.Options) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	cluster, err := clusterinfo.New(clientset, opts.Cluster())
	if err != nil {
		return nil, err
	}

	kinds := kind.Default()
	handlers := handler.NewRegistry(clientset, client, mapper, kinds, opts.Handler())
	orchestrator := apply.NewOrchestrator(handlers, kinds)

	return &Engine{
		Clientset:    clientset,
		Kinds:        kinds,
		Handlers:     handlers,
		Orchestrator: orchestrator,
		Deployer: deploy.New(deploy.Components{
			Kinds:          kinds,
			Cluster:        cluster,
			Orchestrator:   orchestrator,
			Stale:          undeploy.NewStaleReconciler(handlers, kinds),
			Undeployer:     undeploy.NewUndeployer(handlers, kinds, opts.UndeployConcurrency),
			Watcher:        readiness.NewWatcher(clientset, opts.Readiness()),
			Troubleshooter: deploy.NewEventTroubleshooter(clientset),
		}),
	}, nil
}

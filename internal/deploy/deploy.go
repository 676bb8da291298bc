// Package deploy runs the deployment of one service end to end: cluster
// checks, removal of resources the service no longer declares, apply,
// readiness and, when the rollout fails, troubleshooting.
package deploy

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/annotation"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/apply"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/clusterinfo"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/kind"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/readiness"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/undeploy"
)

// Request is the deployment of one service.
type Request struct {
	App         string
	Environment string
	Service     string
	Namespace   string
	Resources   []*unstructured.Unstructured
	// SkipReadiness returns once the resources are applied.
	SkipReadiness bool
}

func (r Request) id() annotation.ServiceID {
	return annotation.ServiceID{App: r.App, Environment: r.Environment, Service: r.Service}
}

func (r Request) validate() error {
	var errs []error
	if err := r.id().Validate(); err != nil {
		errs = append(errs, err)
	}
	if r.Namespace == "" {
		errs = append(errs, errors.New("namespace is required"))
	}
	if len(r.Resources) == 0 {
		errs = append(errs, errors.New("no resources to deploy"))
	}
	return errors.Join(errs...)
}

// Outcome summarizes a deployment.
type Outcome struct {
	Applied *apply.Result
	// Stale is the number of resources removed because the service no
	// longer declares them.
	Stale     int
	Readiness *readiness.Tally
}

// Components are the parts a Deployer drives.
type Components struct {
	Kinds          *kind.Registry
	Cluster        *clusterinfo.Cache
	Orchestrator   *apply.Orchestrator
	Stale          *undeploy.StaleReconciler
	Undeployer     *undeploy.Undeployer
	Watcher        *readiness.Watcher
	Troubleshooter Troubleshooter
}

type Deployer struct {
	Components
}

func New(c Components) *Deployer {
	return &Deployer{Components: c}
}

// Deploy applies the resources of the request and waits for its pods.
// A rollout that fails or times out is troubleshot and reported as a
// *FailureError; a rejected request as a *ValidationError.
func (d *Deployer) Deploy(ctx context.Context, req Request) (*Outcome, error) {
	outcome, err := d.deploy(ctx, req)
	DeploymentsCounterTotal.WithLabelValues(resultOf(err)).Inc()
	return outcome, err
}

func (d *Deployer) deploy(ctx context.Context, req Request) (*Outcome, error) {
	if err := req.validate(); err != nil {
		return nil, &ValidationError{Err: err}
	}
	id := req.id()
	logger := log.FromContext(ctx).WithValues("app", id.App, "environment", id.Environment, "service", id.Service, "namespace", req.Namespace)
	ctx = log.IntoContext(ctx, logger)

	if err := d.Cluster.Validate(ctx); err != nil {
		return nil, fmt.Errorf("cluster is not usable: %w", err)
	}

	resources := make([]*unstructured.Unstructured, 0, len(req.Resources))
	for _, obj := range req.Resources {
		resources = append(resources, d.label(obj, id))
	}
	if err := d.validateStorage(ctx, resources); err != nil {
		return nil, err
	}

	outcome := &Outcome{}
	stale, err := d.Stale.Reconcile(ctx, id, req.Namespace, resources)
	outcome.Stale = stale
	if err != nil {
		logger.Info("failed to remove stale resources", "error", err.Error())
	}

	outcome.Applied, err = d.Orchestrator.Apply(ctx, req.Namespace, resources)
	if err == nil {
		err = outcome.Applied.Errors()
	}
	if err != nil {
		var invalid *apply.ValidationError
		if !errors.As(err, &invalid) {
			d.Cluster.Invalidate()
		}
		return outcome, fmt.Errorf("failed to apply resources: %w", err)
	}
	logger.Info("applied resources", "count", outcome.Applied.Succeeded())

	if req.SkipReadiness {
		return outcome, nil
	}
	parent := d.podParent(resources)
	if parent == nil {
		logger.Info("service has no pod parent, not waiting for pods")
		return outcome, nil
	}

	outcome.Readiness, err = d.Watcher.Wait(ctx, readiness.Request{
		Namespace: req.Namespace,
		Selector:  id.Selector(),
		Replicas:  replicas(parent),
		Parent:    &readiness.Parent{Kind: parent.GetKind(), Name: parent.GetName()},
	})
	if err != nil {
		return outcome, d.fail(ctx, req, err)
	}
	return outcome, nil
}

// Undeploy removes services; see undeploy.Undeployer.
func (d *Deployer) Undeploy(ctx context.Context, target undeploy.Target) error {
	return d.Undeployer.Undeploy(ctx, target)
}

func (d *Deployer) fail(ctx context.Context, req Request, cause error) error {
	failure := &FailureError{Err: cause}
	if d.Troubleshooter == nil {
		return failure
	}
	diagnosis, err := d.Troubleshooter.Troubleshoot(ctx, Subject{
		App:         req.App,
		Environment: req.Environment,
		Service:     req.Service,
		Namespace:   req.Namespace,
	})
	if err != nil {
		log.FromContext(ctx).Info("troubleshooting failed", "error", err.Error())
	}
	failure.Diagnosis = diagnosis
	return failure
}

// label returns a copy of obj carrying the labels of the service, also on
// the pod template of pod parents so the pods can be selected.
func (d *Deployer) label(obj *unstructured.Unstructured, id annotation.ServiceID) *unstructured.Unstructured {
	out := obj.DeepCopy()
	out.SetLabels(id.Stamp(out.GetLabels()))
	if !d.Kinds.IsPodParent(out.GetKind()) {
		return out
	}
	if _, found, _ := unstructured.NestedMap(out.Object, "spec", "template"); !found {
		return out
	}
	template, _, _ := unstructured.NestedStringMap(out.Object, "spec", "template", "metadata", "labels")
	_ = unstructured.SetNestedStringMap(out.Object, id.Stamp(template), "spec", "template", "metadata", "labels")
	return out
}

// podParent returns the pod parent of the batch with the highest priority.
func (d *Deployer) podParent(resources []*unstructured.Unstructured) *unstructured.Unstructured {
	for _, desc := range d.Kinds.PodParents() {
		for _, obj := range resources {
			if obj.GetKind() == desc.Kind {
				return obj
			}
		}
	}
	return nil
}

func replicas(parent *unstructured.Unstructured) int {
	n, found, err := unstructured.NestedInt64(parent.Object, "spec", "replicas")
	if !found || err != nil {
		return 1
	}
	return int(n)
}

// validateStorage rejects claims asking for a storage class the cluster does
// not have.
func (d *Deployer) validateStorage(ctx context.Context, resources []*unstructured.Unstructured) error {
	var claims []string
	for _, obj := range resources {
		claims = append(claims, storageClassesOf(obj)...)
	}
	if len(claims) == 0 {
		return nil
	}
	classes, err := d.Cluster.StorageClasses(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range claims {
		if _, ok := classes.Resolve(name); ok {
			continue
		}
		if name == "" {
			errs = append(errs, errors.New("a volume claim uses the default storage class but the cluster has none"))
			continue
		}
		errs = append(errs, fmt.Errorf("storage class %q does not exist", name))
	}
	if len(errs) > 0 {
		return &ValidationError{Err: errors.Join(errs...)}
	}
	return nil
}

// storageClassesOf returns the storage class of every claim obj declares, an
// empty string for claims using the default class.
func storageClassesOf(obj *unstructured.Unstructured) []string {
	switch obj.GetKind() {
	case kind.PersistentVolumeClaim:
		name, _, _ := unstructured.NestedString(obj.Object, "spec", "storageClassName")
		return []string{name}
	case kind.StatefulSet:
		templates, _, _ := unstructured.NestedSlice(obj.Object, "spec", "volumeClaimTemplates")
		var out []string
		for _, t := range templates {
			if m, ok := t.(map[string]any); ok {
				name, _, _ := unstructured.NestedString(m, "spec", "storageClassName")
				out = append(out, name)
			}
		}
		return out
	}
	return nil
}

func resultOf(err error) string {
	var (
		invalid *ValidationError
		failure *FailureError
	)
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &invalid):
		return "invalid"
	case errors.As(err, &failure):
		return "failed"
	default:
		return "error"
	}
}

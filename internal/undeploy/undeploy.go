// Package undeploy removes the resources of services from the cluster, either
// entirely or only those that disappeared from the desired set.
//
// Which kinds to look at is read from the applied-kinds provenance on the pod
// parent of the service; the resources themselves are found by the service
// label selector.
package undeploy

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/annotation"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/handler"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/kind"
)

const defaultConcurrency = 4

// Error reports the kinds of a service whose deletion failed.
type Error struct {
	Service     string
	FailedKinds []string
	Err         error
}

func (e *Error) Error() string {
	if len(e.FailedKinds) == 0 {
		return fmt.Sprintf("undeploy service %s: %v", e.Service, e.Err)
	}
	return fmt.Sprintf("undeploy service %s: failed to delete %s: %v", e.Service, strings.Join(e.FailedKinds, ", "), e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Target selects the services to undeploy.
type Target struct {
	App         string
	Environment string
	Namespace   string
	// Services to undeploy. Empty means every service of the app found in
	// the namespace.
	Services []string
	// Wait blocks until deleted resources are gone.
	Wait bool
}

func (t Target) validate() error {
	var errs []error
	if t.App == "" {
		errs = append(errs, errors.New("app name is required"))
	}
	if t.Environment == "" {
		errs = append(errs, errors.New("environment name is required"))
	}
	if t.Namespace == "" {
		errs = append(errs, errors.New("namespace is required"))
	}
	return errors.Join(errs...)
}

// Undeployer deletes the resources of services.
type Undeployer struct {
	handlers    *handler.Registry
	kinds       *kind.Registry
	resolver    *Resolver
	concurrency int
}

// NewUndeployer returns an undeployer processing up to concurrency services
// at once.
func NewUndeployer(handlers *handler.Registry, kinds *kind.Registry, concurrency int) *Undeployer {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Undeployer{
		handlers:    handlers,
		kinds:       kinds,
		resolver:    NewResolver(handlers, kinds),
		concurrency: concurrency,
	}
}

// Undeploy deletes every cleanup kind recorded for each service of t.
// Services without a pod parent are skipped. Failures of one service do not
// stop the others; they are returned joined, one *Error per service.
func (u *Undeployer) Undeploy(ctx context.Context, t Target) error {
	if err := t.validate(); err != nil {
		return fmt.Errorf("invalid undeploy target: %w", err)
	}
	logger := log.FromContext(ctx).WithValues("app", t.App, "environment", t.Environment, "namespace", t.Namespace)
	ctx = log.IntoContext(ctx, logger)

	services := t.Services
	if len(services) == 0 {
		var err error
		if services, err = u.discover(ctx, t); err != nil {
			return err
		}
		logger.Info("discovered services", "services", services)
	}

	var (
		mu   sync.Mutex
		errs []error
		eg   errgroup.Group
	)
	eg.SetLimit(u.concurrency)
	for _, service := range services {
		id := annotation.ServiceID{App: t.App, Environment: t.Environment, Service: service}
		eg.Go(func() error {
			if err := u.undeployService(ctx, id, t.Namespace, t.Wait); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()
	return errors.Join(errs...)
}

// discover lists the services owning a pod parent labelled with the app and
// environment of t.
func (u *Undeployer) discover(ctx context.Context, t Target) ([]string, error) {
	selector := handler.LabelSelector(annotation.ServiceID{App: t.App, Environment: t.Environment}.Selector())
	found := sets.New[string]()
	for _, d := range u.kinds.PodParents() {
		items, err := u.handlers.For(d.GroupVersionKind()).List(ctx, selector, t.Namespace)
		if err != nil {
			return nil, fmt.Errorf("discover services of %s: %w", t.App, err)
		}
		for _, item := range items {
			if service := item.GetLabels()[annotation.ServiceLabel]; service != "" {
				found.Insert(service)
			}
		}
	}
	return sets.List(found), nil
}

func (u *Undeployer) undeployService(ctx context.Context, id annotation.ServiceID, namespace string, wait bool) error {
	logger := log.FromContext(ctx).WithValues("service", id.Service)

	parent, err := u.resolver.Resolve(ctx, id, namespace)
	if errors.Is(err, ErrNoParent) {
		logger.Info("service has no pod parent, nothing to undeploy")
		return nil
	}
	if err != nil {
		return &Error{Service: id.Service, Err: err}
	}

	refs, ok, err := parent.AppliedKinds()
	if err != nil {
		return &Error{Service: id.Service, Err: err}
	}
	if !ok {
		logger.Info("pod parent carries no applied kinds, deleting every cleanup kind", "parent", parent.Kind)
		for _, d := range u.kinds.CleanupKinds() {
			refs = append(refs, annotation.KindRef{Kind: d.Kind, APIVersion: d.APIVersion})
		}
	}

	selector := handler.LabelSelector(id.Selector())
	var (
		failed []string
		errs   []error
	)
	for _, ref := range u.teardownOrder(refs) {
		h := u.handlers.For(schema.FromAPIVersionAndKind(ref.APIVersion, ref.Kind))
		deleted, err := h.DeleteBySelector(ctx, selector, namespace, wait)
		DeletedCounterTotal.WithLabelValues(ref.Kind, ReasonUndeploy).Add(float64(deleted))
		if err != nil {
			failed = append(failed, ref.Kind)
			errs = append(errs, err)
			continue
		}
		logger.V(1).Info("deleted resources", "kind", ref.Kind, "count", deleted)
	}

	// the parent may lack the service labels when they were not generated
	if err := u.handlers.For(parent.Object.GroupVersionKind()).Delete(ctx, parent.Object.GetName(), namespace, wait); err != nil {
		failed = append(failed, parent.Kind)
		errs = append(errs, err)
	}

	if len(failed) > 0 {
		return &Error{Service: id.Service, FailedKinds: slices.Compact(failed), Err: errors.Join(errs...)}
	}
	logger.Info("undeployed service")
	return nil
}

// teardownOrder keeps the kinds taking part in cleanup, consumers first.
func (u *Undeployer) teardownOrder(refs []annotation.KindRef) []annotation.KindRef {
	out := make([]annotation.KindRef, 0, len(refs))
	for _, ref := range refs {
		if u.kinds.ParticipatesInCleanup(ref.Kind) {
			out = append(out, ref)
		}
	}
	slices.SortStableFunc(out, func(a, b annotation.KindRef) int {
		return cmp.Compare(u.kinds.Weight(b.Kind), u.kinds.Weight(a.Kind))
	})
	return out
}

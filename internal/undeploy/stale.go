package undeploy

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/annotation"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/handler"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/kind"
)

// StaleReconciler deletes resources a service applied before but no longer
// declares.
type StaleReconciler struct {
	handlers *handler.Registry
	kinds    *kind.Registry
	resolver *Resolver
}

func NewStaleReconciler(handlers *handler.Registry, kinds *kind.Registry) *StaleReconciler {
	return &StaleReconciler{handlers: handlers, kinds: kinds, resolver: NewResolver(handlers, kinds)}
}

// Reconcile compares the kinds recorded on the live pod parent of id with
// desired and deletes every labelled resource of those kinds whose name is not
// desired. A service deployed for the first time has nothing to reconcile.
// It returns how many resources were deleted.
func (r *StaleReconciler) Reconcile(ctx context.Context, id annotation.ServiceID, namespace string, desired []*unstructured.Unstructured) (int, error) {
	logger := log.FromContext(ctx).WithValues("service", id.Service, "namespace", namespace)

	parent, err := r.resolver.Resolve(ctx, id, namespace)
	if errors.Is(err, ErrNoParent) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	refs, ok, err := parent.AppliedKinds()
	if err != nil || !ok {
		return 0, err
	}

	wanted := make(map[string]sets.Set[string])
	for _, obj := range desired {
		k := obj.GetKind()
		if wanted[k] == nil {
			wanted[k] = sets.New[string]()
		}
		wanted[k].Insert(obj.GetName())
	}

	selector := handler.LabelSelector(id.Selector())
	var (
		deleted int
		errs    []error
	)
	for _, ref := range refs {
		if !r.kinds.ParticipatesInCleanup(ref.Kind) {
			continue
		}
		h := r.handlers.For(schema.FromAPIVersionAndKind(ref.APIVersion, ref.Kind))
		live, err := h.List(ctx, selector, namespace)
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s: %w", ref.Kind, err))
			continue
		}
		for _, obj := range live {
			if wanted[ref.Kind].Has(obj.GetName()) {
				continue
			}
			if err := h.Delete(ctx, obj.GetName(), namespace, false); err != nil {
				errs = append(errs, err)
				continue
			}
			deleted++
			DeletedCounterTotal.WithLabelValues(ref.Kind, ReasonStale).Inc()
			logger.Info("deleted stale resource", "kind", ref.Kind, "name", obj.GetName())
		}
	}
	return deleted, errors.Join(errs...)
}

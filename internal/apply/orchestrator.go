// Package apply brings a batch of desired resources of one service onto the
// cluster in dependency order.
package apply

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/annotation"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/handler"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/kind"
)

// Orchestrator applies batches of resources. It is safe for concurrent use
// across services; a single batch is applied sequentially.
type Orchestrator struct {
	handlers *handler.Registry
	kinds    *kind.Registry
	clock    clock.PassiveClock
}

func NewOrchestrator(handlers *handler.Registry, kinds *kind.Registry) *Orchestrator {
	return &Orchestrator{handlers: handlers, kinds: kinds, clock: clock.RealClock{}}
}

// WithClock sets the clock used for the last-updated annotation.
func (o *Orchestrator) WithClock(c clock.PassiveClock) *Orchestrator {
	o.clock = c
	return o
}

// Apply ensures namespace exists and applies resources into it. Built-in
// kinds are applied first by ascending weight, then every other kind grouped
// by kind.
//
// A resource that fails is recorded in the result and the batch continues.
// Apply only returns an error when the batch is invalid, the namespace
// cannot be ensured or no resource at all could be applied.
func (o *Orchestrator) Apply(ctx context.Context, namespace string, resources []*unstructured.Unstructured) (*Result, error) {
	if err := validate(namespace, resources); err != nil {
		return nil, err
	}

	logger := log.FromContext(ctx).WithValues("namespace", namespace)
	ctx = log.IntoContext(ctx, logger)

	var (
		namespaceDoc *unstructured.Unstructured
		desired      = make([]*unstructured.Unstructured, 0, len(resources))
	)
	for _, r := range resources {
		obj := r.DeepCopy()
		if obj.GetKind() == kind.Namespace && obj.GetName() == namespace {
			namespaceDoc = obj
			continue
		}
		if obj.GetNamespace() == "" {
			obj.SetNamespace(namespace)
		}
		desired = append(desired, obj)
	}

	if err := o.ensureNamespace(ctx, namespace, namespaceDoc); err != nil {
		return nil, err
	}

	refs := appliedKinds(resources)
	now := o.clock.Now()

	var native, custom []*unstructured.Unstructured
	for _, obj := range desired {
		annotation.SetLastUpdated(obj, now)
		if _, ok := o.handlers.Native(obj.GetKind(), obj.GetAPIVersion()); ok {
			native = append(native, obj)
		} else {
			custom = append(custom, obj)
		}
	}
	slices.SortStableFunc(native, func(a, b *unstructured.Unstructured) int {
		return cmp.Compare(o.kinds.Weight(a.GetKind()), o.kinds.Weight(b.GetKind()))
	})

	result := &Result{}
	for _, obj := range native {
		if o.kinds.IsPodParent(obj.GetKind()) {
			annotation.SetAppliedKinds(obj, refs)
		}
		result.record(o.applyNative(ctx, obj))
	}
	for _, obj := range groupByKind(custom) {
		result.record(o.applyCustom(ctx, obj))
	}

	logger.Info("applied resources", "succeeded", result.Succeeded(), "failed", len(result.Failed()))
	if result.Succeeded() == 0 && len(result.Items) > 0 {
		return result, fmt.Errorf("no resource could be applied: %w", result.Errors())
	}
	return result, nil
}

func validate(namespace string, resources []*unstructured.Unstructured) error {
	if len(resources) == 0 {
		return &ValidationError{Reason: "no resources to apply"}
	}
	if namespace == "" {
		return &ValidationError{Reason: "namespace is required"}
	}
	for i, r := range resources {
		if r == nil || r.GetKind() == "" || r.GetAPIVersion() == "" || r.GetName() == "" {
			return &ValidationError{Reason: fmt.Sprintf("resource %d lacks kind, apiVersion or name", i)}
		}
	}
	return nil
}

func (o *Orchestrator) ensureNamespace(ctx context.Context, name string, doc *unstructured.Unstructured) error {
	h, ok := o.handlers.Native(kind.Namespace, "")
	if !ok {
		return fmt.Errorf("ensure namespace %s: no handler for namespaces", name)
	}
	_, err := h.Get(ctx, name, "")
	if err == nil {
		return nil
	}
	if !handler.IsNotFound(err) {
		return fmt.Errorf("ensure namespace %s: %w", name, err)
	}

	if doc == nil {
		doc = &unstructured.Unstructured{}
		doc.SetAPIVersion("v1")
		doc.SetKind(kind.Namespace)
		doc.SetName(name)
	}
	_, err = h.Create(ctx, doc, "")
	observe(Item{Kind: kind.Namespace, Operation: OperationCreate, Error: err})
	if err != nil {
		return fmt.Errorf("ensure namespace %s: %w", name, err)
	}
	return nil
}

func (o *Orchestrator) applyNative(ctx context.Context, obj *unstructured.Unstructured) Item {
	h, _ := o.handlers.Native(obj.GetKind(), obj.GetAPIVersion())
	item := Item{Kind: obj.GetKind(), APIVersion: obj.GetAPIVersion(), Name: obj.GetName()}
	ns := obj.GetNamespace()

	_, err := h.Get(ctx, item.Name, ns)
	switch {
	case handler.IsNotFound(err), item.Kind == kind.Namespace:
		// namespaces are never updated, creating one is idempotent
		item.Operation = OperationCreate
		item.Observed, item.Error = h.Create(ctx, obj, ns)
	case err != nil:
		item.Operation = OperationUpdate
		item.Error = err
	default:
		item.Operation = OperationUpdate
		if h.UpdatePolicy() == handler.PolicyPatch {
			item.Operation = OperationPatch
		}
		item.Observed, item.Error = h.Update(ctx, obj, ns)
	}
	return finish(ctx, item)
}

func (o *Orchestrator) applyCustom(ctx context.Context, obj *unstructured.Unstructured) Item {
	h := o.handlers.ForObject(obj)
	item := Item{Kind: obj.GetKind(), APIVersion: obj.GetAPIVersion(), Name: obj.GetName()}
	ns := obj.GetNamespace()
	logger := log.FromContext(ctx).WithValues("kind", item.Kind, "name", item.Name)

	_, err := h.Get(ctx, item.Name, ns)
	switch {
	case err == nil:
		item.Operation = OperationPatch
		item.Observed, item.Error = h.Patch(ctx, item.Name, ns, obj)
		if item.Error == nil {
			return finish(ctx, item)
		}
		logger.Info("patch failed, recreating resource", "error", item.Error.Error())
		item.Operation = OperationRecreate
		if err := h.Delete(ctx, item.Name, ns, true); err != nil {
			item.Observed, item.Error = nil, err
			return finish(ctx, item)
		}
	case handler.IsNotFound(err):
		item.Operation = OperationCreate
	default:
		item.Operation = OperationCreate
		item.Error = err
		return finish(ctx, item)
	}
	item.Observed, item.Error = h.Create(ctx, obj, ns)
	return finish(ctx, item)
}

func finish(ctx context.Context, item Item) Item {
	observe(item)
	if item.Error != nil {
		log.FromContext(ctx).Error(item.Error, "failed to apply resource", "kind", item.Kind, "name", item.Name)
	}
	return item
}

func observe(item Item) {
	result := "success"
	if item.Error != nil {
		result = "failure"
	}
	OperationsCounterTotal.WithLabelValues(item.Kind, string(item.Operation), result).Inc()
}

// appliedKinds lists every kind of the batch.
func appliedKinds(resources []*unstructured.Unstructured) []annotation.KindRef {
	refs := make([]annotation.KindRef, 0, len(resources))
	for _, r := range resources {
		refs = append(refs, annotation.KindRef{Kind: r.GetKind(), APIVersion: r.GetAPIVersion()})
	}
	return refs
}

// groupByKind orders objs so that objects of the same kind are adjacent, kinds
// in order of first appearance.
func groupByKind(objs []*unstructured.Unstructured) []*unstructured.Unstructured {
	var order []schema.GroupVersionKind
	groups := make(map[schema.GroupVersionKind][]*unstructured.Unstructured)
	for _, obj := range objs {
		gvk := obj.GroupVersionKind()
		if _, ok := groups[gvk]; !ok {
			order = append(order, gvk)
		}
		groups[gvk] = append(groups[gvk], obj)
	}
	out := make([]*unstructured.Unstructured, 0, len(objs))
	for _, gvk := range order {
		out = append(out, groups[gvk]...)
	}
	return out
}

package handler

import (
	"context"
	"errors"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/annotation"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/patch"
)

// backend performs the raw API calls of one kind.
type backend interface {
	get(ctx context.Context, name, namespace string) (*unstructured.Unstructured, error)
	create(ctx context.Context, obj *unstructured.Unstructured, namespace string, opts metav1.CreateOptions) (*unstructured.Unstructured, error)
	update(ctx context.Context, obj *unstructured.Unstructured, namespace string, opts metav1.UpdateOptions) (*unstructured.Unstructured, error)
	patch(ctx context.Context, name, namespace string, data []byte, opts metav1.PatchOptions) (*unstructured.Unstructured, error)
	delete(ctx context.Context, name, namespace string, opts metav1.DeleteOptions) error
	list(ctx context.Context, namespace string, opts metav1.ListOptions) ([]*unstructured.Unstructured, error)
	namespaced() (bool, error)
}

// resourceHandler implements the Handler contract on top of a backend.
type resourceHandler struct {
	kind       string
	apiVersion string
	policy     UpdatePolicy
	backend    backend
	opts       Options

	// singleton kinds treat AlreadyExists on create as success.
	singleton bool
	// immutable kinds are replaced by delete and create.
	recreateOnUpdate bool
	// readOnly kinds reject Update and Patch.
	readOnly bool
}

type option func(*resourceHandler)

func singleton() option        { return func(h *resourceHandler) { h.singleton = true } }
func recreateOnUpdate() option { return func(h *resourceHandler) { h.recreateOnUpdate = true } }
func readOnly() option         { return func(h *resourceHandler) { h.readOnly = true } }

func newResourceHandler(kind, apiVersion string, policy UpdatePolicy, b backend, opts Options, options ...option) *resourceHandler {
	h := &resourceHandler{
		kind:       kind,
		apiVersion: apiVersion,
		policy:     policy,
		backend:    b,
		opts:       opts.withDefaults(),
	}
	for _, o := range options {
		o(h)
	}
	return h
}

func (h *resourceHandler) Kind() string               { return h.kind }
func (h *resourceHandler) APIVersion() string         { return h.apiVersion }
func (h *resourceHandler) UpdatePolicy() UpdatePolicy { return h.policy }

func (h *resourceHandler) Create(ctx context.Context, obj *unstructured.Unstructured, namespace string) (*unstructured.Unstructured, error) {
	desired, err := h.prepare(obj, namespace)
	if err != nil {
		return nil, err
	}
	logger := log.FromContext(ctx).WithValues("kind", h.kind, "name", desired.GetName(), "namespace", desired.GetNamespace())

	created, err := h.backend.create(ctx, desired, namespace, metav1.CreateOptions{FieldManager: h.opts.FieldManager})
	if err != nil {
		if h.singleton && isAlreadyExists(err) {
			logger.V(1).Info("resource already exists")
			return h.Get(ctx, desired.GetName(), namespace)
		}
		return nil, fmt.Errorf("create %s %s: %w", h.kind, desired.GetName(), err)
	}
	logger.Info("created resource")
	return created, nil
}

func (h *resourceHandler) Get(ctx context.Context, name, namespace string) (*unstructured.Unstructured, error) {
	obj, err := h.backend.get(ctx, name, namespace)
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", h.kind, name, err)
	}
	return obj, nil
}

func (h *resourceHandler) Update(ctx context.Context, obj *unstructured.Unstructured, namespace string) (*unstructured.Unstructured, error) {
	if h.readOnly {
		return nil, fmt.Errorf("update %s %s: %w", h.kind, obj.GetName(), ErrOperationNotSupported)
	}
	existing, err := h.Get(ctx, obj.GetName(), namespace)
	if IsNotFound(err) {
		return h.Create(ctx, obj, namespace)
	}
	if err != nil {
		return nil, err
	}

	switch {
	case h.policy == PolicyPatch:
		return h.patch(ctx, existing, obj, namespace)
	case h.recreateOnUpdate:
		return h.recreate(ctx, obj, namespace)
	}

	desired, err := h.prepare(obj, namespace)
	if err != nil {
		return nil, err
	}
	desired.SetResourceVersion(existing.GetResourceVersion())
	updated, err := h.backend.update(ctx, desired, namespace, metav1.UpdateOptions{FieldManager: h.opts.FieldManager})
	if err != nil {
		return nil, fmt.Errorf("update %s %s: %w", h.kind, desired.GetName(), err)
	}
	log.FromContext(ctx).Info("updated resource", "kind", h.kind, "name", desired.GetName(), "namespace", desired.GetNamespace())
	return updated, nil
}

func (h *resourceHandler) Patch(ctx context.Context, name, namespace string, target *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	if h.readOnly {
		return nil, fmt.Errorf("patch %s %s: %w", h.kind, name, ErrOperationNotSupported)
	}
	if target.GetName() != name {
		return nil, fmt.Errorf("patch %s %s: target is named %q", h.kind, name, target.GetName())
	}
	existing, err := h.Get(ctx, name, namespace)
	if IsNotFound(err) {
		return h.Create(ctx, target, namespace)
	}
	if err != nil {
		return nil, err
	}
	return h.patch(ctx, existing, target, namespace)
}

func (h *resourceHandler) patch(ctx context.Context, existing, target *unstructured.Unstructured, namespace string) (*unstructured.Unstructured, error) {
	logger := log.FromContext(ctx).WithValues("kind", h.kind, "name", target.GetName(), "namespace", namespace)

	desired, err := h.prepare(target, namespace)
	if err != nil {
		return nil, err
	}
	data, err := patch.Build(existing, desired)
	if errors.Is(err, patch.ErrNoBaseline) {
		logger.Info("live resource has no last-applied configuration, recreating")
		return h.recreate(ctx, desired, namespace)
	}
	if err != nil {
		return nil, err
	}
	if data == nil {
		logger.V(1).Info("resource unchanged")
		return existing, nil
	}

	patched, err := h.backend.patch(ctx, existing.GetName(), namespace, data, metav1.PatchOptions{FieldManager: h.opts.FieldManager})
	if err != nil {
		return nil, fmt.Errorf("patch %s %s: %w", h.kind, existing.GetName(), err)
	}
	logger.Info("patched resource")
	return patched, nil
}

func (h *resourceHandler) recreate(ctx context.Context, obj *unstructured.Unstructured, namespace string) (*unstructured.Unstructured, error) {
	if err := h.Delete(ctx, obj.GetName(), namespace, true); err != nil {
		return nil, err
	}
	return h.Create(ctx, obj, namespace)
}

func (h *resourceHandler) List(ctx context.Context, selector Selector, namespace string) ([]*unstructured.Unstructured, error) {
	opts, err := selector.listOptions()
	if err != nil {
		return nil, err
	}
	items, err := h.backend.list(ctx, namespace, opts)
	if err != nil {
		return nil, fmt.Errorf("list %s with selector %q: %w", h.kind, selector, err)
	}
	return items, nil
}

func (h *resourceHandler) Delete(ctx context.Context, name, namespace string, wait bool) error {
	logger := log.FromContext(ctx).WithValues("kind", h.kind, "name", name, "namespace", namespace)

	err := h.backend.delete(ctx, name, namespace, metav1.DeleteOptions{
		PropagationPolicy: ptr.To(metav1.DeletePropagationBackground),
	})
	if IsNotFound(err) {
		logger.V(1).Info("resource already absent")
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", h.kind, name, err)
	}
	logger.Info("deleted resource")

	if !wait {
		return nil
	}
	return h.waitForDeletion(ctx, name, namespace)
}

func (h *resourceHandler) waitForDeletion(ctx context.Context, name, namespace string) error {
	err := wait.PollUntilContextTimeout(ctx, h.opts.DeletePollInterval, h.opts.DeleteTimeout, true, func(ctx context.Context) (bool, error) {
		_, err := h.backend.get(ctx, name, namespace)
		switch {
		case IsNotFound(err):
			return true, nil
		case err != nil:
			return false, err
		default:
			return false, nil
		}
	})
	if err != nil {
		return fmt.Errorf("wait for %s %s to be deleted: %w", h.kind, name, err)
	}
	return nil
}

func (h *resourceHandler) DeleteBySelector(ctx context.Context, selector Selector, namespace string, wait bool) (int, error) {
	if selector.IsEmpty() {
		return 0, fmt.Errorf("refusing to delete every %s without a selector", h.kind)
	}
	items, err := h.List(ctx, selector, namespace)
	if err != nil {
		return 0, err
	}
	var (
		deleted int
		errs    []error
	)
	for _, item := range items {
		if err := h.Delete(ctx, item.GetName(), namespace, wait); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}

// prepare returns a copy of obj scoped to namespace and stamped with its own
// last-applied snapshot.
func (h *resourceHandler) prepare(obj *unstructured.Unstructured, namespace string) (*unstructured.Unstructured, error) {
	namespaced, err := h.backend.namespaced()
	if err != nil {
		return nil, err
	}
	desired := obj.DeepCopy()
	if desired.GetAPIVersion() == "" {
		desired.SetAPIVersion(h.apiVersion)
	}
	if desired.GetKind() == "" {
		desired.SetKind(h.kind)
	}
	if namespaced {
		desired.SetNamespace(namespace)
	} else {
		desired.SetNamespace("")
	}
	snapshot, err := patch.Snapshot(desired)
	if err != nil {
		return nil, err
	}
	annotation.SetLastApplied(desired, snapshot)
	return desired, nil
}

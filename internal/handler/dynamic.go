package handler

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
)

// NewGeneric returns a handler for any kind served by the cluster. Resources
// are addressed through the dynamic client after resolving the kind with
// mapper; updates are always patches.
func NewGeneric(gvk schema.GroupVersionKind, client dynamic.Interface, mapper meta.RESTMapper, opts Options) Handler {
	return newResourceHandler(gvk.Kind, gvk.GroupVersion().String(), PolicyPatch, &dynamicBackend{
		gvk:    gvk,
		client: client,
		mapper: mapper,
	}, opts)
}

type dynamicBackend struct {
	gvk    schema.GroupVersionKind
	client dynamic.Interface
	mapper meta.RESTMapper
}

func (b *dynamicBackend) mapping() (*meta.RESTMapping, error) {
	mapping, err := b.mapper.RESTMapping(b.gvk.GroupKind(), b.gvk.Version)
	if err != nil {
		return nil, fmt.Errorf("resolve resource for %s: %w", b.gvk, err)
	}
	return mapping, nil
}

func (b *dynamicBackend) resource(namespace string) (dynamic.ResourceInterface, error) {
	mapping, err := b.mapping()
	if err != nil {
		return nil, err
	}
	if mapping.Scope.Name() == meta.RESTScopeNameNamespace {
		return b.client.Resource(mapping.Resource).Namespace(namespace), nil
	}
	return b.client.Resource(mapping.Resource), nil
}

func (b *dynamicBackend) namespaced() (bool, error) {
	mapping, err := b.mapping()
	if err != nil {
		return false, err
	}
	return mapping.Scope.Name() == meta.RESTScopeNameNamespace, nil
}

func (b *dynamicBackend) get(ctx context.Context, name, namespace string) (*unstructured.Unstructured, error) {
	ri, err := b.resource(namespace)
	if err != nil {
		return nil, err
	}
	return ri.Get(ctx, name, metav1.GetOptions{})
}

func (b *dynamicBackend) create(ctx context.Context, obj *unstructured.Unstructured, namespace string, opts metav1.CreateOptions) (*unstructured.Unstructured, error) {
	ri, err := b.resource(namespace)
	if err != nil {
		return nil, err
	}
	return ri.Create(ctx, obj, opts)
}

func (b *dynamicBackend) update(ctx context.Context, obj *unstructured.Unstructured, namespace string, opts metav1.UpdateOptions) (*unstructured.Unstructured, error) {
	ri, err := b.resource(namespace)
	if err != nil {
		return nil, err
	}
	return ri.Update(ctx, obj, opts)
}

func (b *dynamicBackend) patch(ctx context.Context, name, namespace string, data []byte, opts metav1.PatchOptions) (*unstructured.Unstructured, error) {
	ri, err := b.resource(namespace)
	if err != nil {
		return nil, err
	}
	return ri.Patch(ctx, name, types.JSONPatchType, data, opts)
}

func (b *dynamicBackend) delete(ctx context.Context, name, namespace string, opts metav1.DeleteOptions) error {
	ri, err := b.resource(namespace)
	if err != nil {
		return err
	}
	return ri.Delete(ctx, name, opts)
}

func (b *dynamicBackend) list(ctx context.Context, namespace string, opts metav1.ListOptions) ([]*unstructured.Unstructured, error) {
	ri, err := b.resource(namespace)
	if err != nil {
		return nil, err
	}
	list, err := ri.List(ctx, opts)
	if err != nil {
		return nil, err
	}
	out := make([]*unstructured.Unstructured, 0, len(list.Items))
	for i := range list.Items {
		out = append(out, &list.Items[i])
	}
	return out, nil
}

package handler

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
)

type object interface {
	runtime.Object
	metav1.Object
}

// typedClient is the subset of a client-go typed client the handlers use.
// Every generated client such as SecretInterface satisfies it.
type typedClient[T object, L runtime.Object] interface {
	Create(ctx context.Context, obj T, opts metav1.CreateOptions) (T, error)
	Update(ctx context.Context, obj T, opts metav1.UpdateOptions) (T, error)
	Delete(ctx context.Context, name string, opts metav1.DeleteOptions) error
	Get(ctx context.Context, name string, opts metav1.GetOptions) (T, error)
	List(ctx context.Context, opts metav1.ListOptions) (L, error)
	Patch(ctx context.Context, name string, pt types.PatchType, data []byte, opts metav1.PatchOptions, subresources ...string) (T, error)
}

// typedBackend converts between unstructured objects and the typed objects of
// a client-go typed client.
type typedBackend[T object, L runtime.Object] struct {
	gvk           schema.GroupVersionKind
	client        func(namespace string) typedClient[T, L]
	newObject     func() T
	clusterScoped bool
}

func typed[T object, L runtime.Object](gvk schema.GroupVersionKind, client func(namespace string) typedClient[T, L], newObject func() T) *typedBackend[T, L] {
	return &typedBackend[T, L]{gvk: gvk, client: client, newObject: newObject}
}

func (b *typedBackend[T, L]) clusterWide() *typedBackend[T, L] {
	b.clusterScoped = true
	return b
}

func (b *typedBackend[T, L]) namespaced() (bool, error) {
	return !b.clusterScoped, nil
}

func (b *typedBackend[T, L]) get(ctx context.Context, name, namespace string) (*unstructured.Unstructured, error) {
	obj, err := b.client(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	return b.toUnstructured(obj)
}

func (b *typedBackend[T, L]) create(ctx context.Context, u *unstructured.Unstructured, namespace string, opts metav1.CreateOptions) (*unstructured.Unstructured, error) {
	obj, err := b.fromUnstructured(u)
	if err != nil {
		return nil, err
	}
	created, err := b.client(namespace).Create(ctx, obj, opts)
	if err != nil {
		return nil, err
	}
	return b.toUnstructured(created)
}

func (b *typedBackend[T, L]) update(ctx context.Context, u *unstructured.Unstructured, namespace string, opts metav1.UpdateOptions) (*unstructured.Unstructured, error) {
	obj, err := b.fromUnstructured(u)
	if err != nil {
		return nil, err
	}
	updated, err := b.client(namespace).Update(ctx, obj, opts)
	if err != nil {
		return nil, err
	}
	return b.toUnstructured(updated)
}

func (b *typedBackend[T, L]) patch(ctx context.Context, name, namespace string, data []byte, opts metav1.PatchOptions) (*unstructured.Unstructured, error) {
	patched, err := b.client(namespace).Patch(ctx, name, types.JSONPatchType, data, opts)
	if err != nil {
		return nil, err
	}
	return b.toUnstructured(patched)
}

func (b *typedBackend[T, L]) delete(ctx context.Context, name, namespace string, opts metav1.DeleteOptions) error {
	return b.client(namespace).Delete(ctx, name, opts)
}

func (b *typedBackend[T, L]) list(ctx context.Context, namespace string, opts metav1.ListOptions) ([]*unstructured.Unstructured, error) {
	list, err := b.client(namespace).List(ctx, opts)
	if err != nil {
		return nil, err
	}
	content, err := runtime.DefaultUnstructuredConverter.ToUnstructured(list)
	if err != nil {
		return nil, fmt.Errorf("convert %s list: %w", b.gvk.Kind, err)
	}
	items, _, err := unstructured.NestedSlice(content, "items")
	if err != nil {
		return nil, fmt.Errorf("read %s list items: %w", b.gvk.Kind, err)
	}
	out := make([]*unstructured.Unstructured, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		u := &unstructured.Unstructured{Object: m}
		u.SetGroupVersionKind(b.gvk)
		out = append(out, u)
	}
	return out, nil
}

func (b *typedBackend[T, L]) toUnstructured(obj T) (*unstructured.Unstructured, error) {
	content, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
	if err != nil {
		return nil, fmt.Errorf("convert %s to unstructured: %w", b.gvk.Kind, err)
	}
	u := &unstructured.Unstructured{Object: content}
	// typed clients drop the type meta of decoded objects
	u.SetGroupVersionKind(b.gvk)
	return u, nil
}

func (b *typedBackend[T, L]) fromUnstructured(u *unstructured.Unstructured) (T, error) {
	obj := b.newObject()
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(u.Object, obj); err != nil {
		var zero T
		return zero, fmt.Errorf("convert %s %s: %w", b.gvk.Kind, u.GetName(), err)
	}
	return obj, nil
}

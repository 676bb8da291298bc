package handler

import (
	"sync"

	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"

	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/kind"
)

// Registry resolves the handler of a kind: the typed handler of a built-in
// kind, or a generic handler created on first use.
type Registry struct {
	dynamic dynamic.Interface
	mapper  meta.RESTMapper
	opts    Options

	mu      sync.RWMutex
	native  map[string]Handler
	generic map[schema.GroupVersionKind]Handler
}

// NewRegistry returns a registry serving every kind of kinds that has a typed
// implementation with the typed clients of clientset. Other kinds go through
// client and mapper.
func NewRegistry(clientset kubernetes.Interface, client dynamic.Interface, mapper meta.RESTMapper, kinds *kind.Registry, opts Options) *Registry {
	r := &Registry{
		dynamic: client,
		mapper:  mapper,
		opts:    opts,
		native:  make(map[string]Handler),
		generic: make(map[schema.GroupVersionKind]Handler),
	}
	for _, h := range builtins(clientset, kinds, opts) {
		r.Register(h)
	}
	return r
}

// Register installs h as the native handler of its kind, replacing any
// previous one.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.native[h.Kind()] = h
}

// Native returns the typed handler of kind. An empty apiVersion matches any
// version; otherwise the handler must serve exactly apiVersion.
func (r *Registry) Native(kind, apiVersion string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.native[kind]
	if !ok || (apiVersion != "" && h.APIVersion() != apiVersion) {
		return nil, false
	}
	return h, true
}

// For returns the handler of gvk.
func (r *Registry) For(gvk schema.GroupVersionKind) Handler {
	if h, ok := r.Native(gvk.Kind, gvk.GroupVersion().String()); ok {
		return h
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.generic[gvk]; ok {
		return h
	}
	h := NewGeneric(gvk, r.dynamic, r.mapper, r.opts)
	r.generic[gvk] = h
	return h
}

// ForObject returns the handler of the kind of obj.
func (r *Registry) ForObject(obj *unstructured.Unstructured) Handler {
	return r.For(obj.GroupVersionKind())
}

func builtins(cs kubernetes.Interface, kinds *kind.Registry, opts Options) []Handler {
	core, apps, batch := cs.CoreV1(), cs.AppsV1(), cs.BatchV1()
	rbac, networking, autoscaling := cs.RbacV1(), cs.NetworkingV1(), cs.AutoscalingV2()

	type builtin struct {
		kind    string
		policy  UpdatePolicy
		backend func(gvk schema.GroupVersionKind) backend
		options []option
	}
	all := []builtin{
		{kind.Namespace, PolicyReplace, func(gvk schema.GroupVersionKind) backend {
			return typed(gvk, func(string) typedClient[*corev1.Namespace, *corev1.NamespaceList] {
				return core.Namespaces()
			}, newObject[corev1.Namespace]).clusterWide()
		}, []option{singleton(), readOnly()}},
		{kind.ServiceAccount, PolicyPatch, func(gvk schema.GroupVersionKind) backend {
			return typed(gvk, func(ns string) typedClient[*corev1.ServiceAccount, *corev1.ServiceAccountList] {
				return core.ServiceAccounts(ns)
			}, newObject[corev1.ServiceAccount])
		}, nil},
		{kind.Role, PolicyReplace, func(gvk schema.GroupVersionKind) backend {
			return typed(gvk, func(ns string) typedClient[*rbacv1.Role, *rbacv1.RoleList] {
				return rbac.Roles(ns)
			}, newObject[rbacv1.Role])
		}, nil},
		{kind.RoleBinding, PolicyReplace, func(gvk schema.GroupVersionKind) backend {
			return typed(gvk, func(ns string) typedClient[*rbacv1.RoleBinding, *rbacv1.RoleBindingList] {
				return rbac.RoleBindings(ns)
			}, newObject[rbacv1.RoleBinding])
		}, nil},
		{kind.Secret, PolicyReplace, func(gvk schema.GroupVersionKind) backend {
			return typed(gvk, func(ns string) typedClient[*corev1.Secret, *corev1.SecretList] {
				return core.Secrets(ns)
			}, newObject[corev1.Secret])
		}, nil},
		{kind.ConfigMap, PolicyReplace, func(gvk schema.GroupVersionKind) backend {
			return typed(gvk, func(ns string) typedClient[*corev1.ConfigMap, *corev1.ConfigMapList] {
				return core.ConfigMaps(ns)
			}, newObject[corev1.ConfigMap])
		}, nil},
		{kind.PersistentVolumeClaim, PolicyPatch, func(gvk schema.GroupVersionKind) backend {
			return typed(gvk, func(ns string) typedClient[*corev1.PersistentVolumeClaim, *corev1.PersistentVolumeClaimList] {
				return core.PersistentVolumeClaims(ns)
			}, newObject[corev1.PersistentVolumeClaim])
		}, nil},
		{kind.Pod, PolicyReplace, func(gvk schema.GroupVersionKind) backend {
			return typed(gvk, func(ns string) typedClient[*corev1.Pod, *corev1.PodList] {
				return core.Pods(ns)
			}, newObject[corev1.Pod])
		}, []option{recreateOnUpdate()}},
		{kind.Deployment, PolicyPatch, func(gvk schema.GroupVersionKind) backend {
			return typed(gvk, func(ns string) typedClient[*appsv1.Deployment, *appsv1.DeploymentList] {
				return apps.Deployments(ns)
			}, newObject[appsv1.Deployment])
		}, nil},
		{kind.StatefulSet, PolicyPatch, func(gvk schema.GroupVersionKind) backend {
			return typed(gvk, func(ns string) typedClient[*appsv1.StatefulSet, *appsv1.StatefulSetList] {
				return apps.StatefulSets(ns)
			}, newObject[appsv1.StatefulSet])
		}, nil},
		// the pod template of a job is immutable
		{kind.Job, PolicyReplace, func(gvk schema.GroupVersionKind) backend {
			return typed(gvk, func(ns string) typedClient[*batchv1.Job, *batchv1.JobList] {
				return batch.Jobs(ns)
			}, newObject[batchv1.Job])
		}, []option{recreateOnUpdate()}},
		{kind.Service, PolicyPatch, func(gvk schema.GroupVersionKind) backend {
			return typed(gvk, func(ns string) typedClient[*corev1.Service, *corev1.ServiceList] {
				return core.Services(ns)
			}, newObject[corev1.Service])
		}, nil},
		{kind.Ingress, PolicyPatch, func(gvk schema.GroupVersionKind) backend {
			return typed(gvk, func(ns string) typedClient[*networkingv1.Ingress, *networkingv1.IngressList] {
				return networking.Ingresses(ns)
			}, newObject[networkingv1.Ingress])
		}, nil},
		{kind.HorizontalPodAutoscaler, PolicyPatch, func(gvk schema.GroupVersionKind) backend {
			return typed(gvk, func(ns string) typedClient[*autoscalingv2.HorizontalPodAutoscaler, *autoscalingv2.HorizontalPodAutoscalerList] {
				return autoscaling.HorizontalPodAutoscalers(ns)
			}, newObject[autoscalingv2.HorizontalPodAutoscaler])
		}, nil},
	}

	handlers := make([]Handler, 0, len(all))
	for _, b := range all {
		d, ok := kinds.Lookup(b.kind)
		if !ok {
			continue
		}
		gvk := d.GroupVersionKind()
		handlers = append(handlers, newResourceHandler(d.Kind, d.APIVersion, b.policy, b.backend(gvk), opts, b.options...))
	}
	return handlers
}

func newObject[E any]() *E {
	return new(E)
}

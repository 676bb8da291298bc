package undeploy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/kind"
)

func desired(t *testing.T, objs ...runtime.Object) []*unstructured.Unstructured {
	t.Helper()
	out := make([]*unstructured.Unstructured, 0, len(objs))
	for _, obj := range objs {
		content, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
		require.NoError(t, err)
		u := &unstructured.Unstructured{Object: content}
		gvk := obj.GetObjectKind().GroupVersionKind()
		u.SetAPIVersion(gvk.GroupVersion().String())
		u.SetKind(gvk.Kind)
		out = append(out, u)
	}
	return out
}

func typed[T runtime.Object](obj T, apiVersion, kindName string) T {
	obj.GetObjectKind().SetGroupVersionKind(schema.FromAPIVersionAndKind(apiVersion, kindName))
	return obj
}

func TestStaleReconcileDeletesUndeclared(t *testing.T) {
	f := setup(
		deployment(web, "ConfigMap:v1,Deployment:apps/v1,PersistentVolumeClaim:v1"),
		configMap(web, "web-config"),
		configMap(web, "web-legacy"),
		&corev1.PersistentVolumeClaim{ObjectMeta: objectMeta(web, "web-data")},
	)

	deleted, err := NewStaleReconciler(f.handlers, f.kinds).Reconcile(t.Context(), web, testNamespace, desired(t,
		typed(deployment(web, ""), "apps/v1", kind.Deployment),
		typed(configMap(web, "web-config"), "v1", kind.ConfigMap),
	))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.False(t, f.exists(t, kind.ConfigMap, "web-legacy"))
	assert.True(t, f.exists(t, kind.ConfigMap, "web-config"))
	assert.True(t, f.exists(t, kind.Deployment, "web"))
	assert.True(t, f.exists(t, kind.PersistentVolumeClaim, "web-data"))
}

func TestStaleReconcileParentKindChange(t *testing.T) {
	f := setup(
		deployment(web, "ConfigMap:v1,Deployment:apps/v1"),
		configMap(web, "web-config"),
	)

	deleted, err := NewStaleReconciler(f.handlers, f.kinds).Reconcile(t.Context(), web, testNamespace, desired(t,
		typed(&appsv1.StatefulSet{ObjectMeta: objectMeta(web, "web")}, "apps/v1", kind.StatefulSet),
		typed(configMap(web, "web-config"), "v1", kind.ConfigMap),
	))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.False(t, f.exists(t, kind.Deployment, "web"))
	assert.True(t, f.exists(t, kind.ConfigMap, "web-config"))
}

func TestStaleReconcileFirstDeploy(t *testing.T) {
	f := setup(configMap(web, "unrelated"))

	deleted, err := NewStaleReconciler(f.handlers, f.kinds).Reconcile(t.Context(), web, testNamespace, desired(t,
		typed(deployment(web, ""), "apps/v1", kind.Deployment),
	))
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Empty(t, f.deleted())
}

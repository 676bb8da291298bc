package readiness

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
	"k8s.io/utils/ptr"
)

const perReplica = 90 * time.Second

// newTestWatcher serves streams in order to successive watch calls. Once
// exhausted, every further call gets a stream that never delivers.
func newTestWatcher(streams ...*watch.FakeWatcher) (*Watcher, *atomic.Int32) {
	return newTestWatcherFor(nil, streams...)
}

// newTestWatcherFor is newTestWatcher with objects preloaded in the cluster.
func newTestWatcherFor(objects []runtime.Object, streams ...*watch.FakeWatcher) (*Watcher, *atomic.Int32) {
	cs := fake.NewClientset(objects...)
	var opened atomic.Int32
	cs.PrependWatchReactor("pods", func(k8stesting.Action) (bool, watch.Interface, error) {
		i := int(opened.Add(1)) - 1
		if i < len(streams) {
			return true, streams[i], nil
		}
		return true, watch.NewFake(), nil
	})
	return NewWatcher(cs, Options{PerReplicaTimeout: perReplica, RestartThreshold: 3, ReconnectBackoff: time.Second}), &opened
}

func stream(objects ...runtime.Object) *watch.FakeWatcher {
	w := watch.NewFakeWithChanSize(len(objects)+1, false)
	for _, obj := range objects {
		w.Modify(obj)
	}
	return w
}

func request(replicas int) Request {
	return Request{Namespace: "shop-dev", Selector: "hyscale.io/service-name=web", Replicas: replicas}
}

func TestWaitReady(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		w, opened := newTestWatcher(stream(
			newPod("a", initialized()),
			newPod("b", initialized(), created()),
			running("a"),
			running("b"),
		))

		start := time.Now()
		tally, err := w.Wait(t.Context(), request(2))
		require.NoError(t, err)
		assert.Equal(t, PhaseReady, tally.Phase())
		assert.Equal(t, 2, tally.Ready())
		assert.Equal(t, int32(1), opened.Load())
		assert.Zero(t, time.Since(start))
	})
}

func TestWaitStalledInCreation(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		w, _ := newTestWatcher(stream(
			newPod("a", initialized()),
			newPod("b", initialized()),
			newPod("c", initialized()),
			newPod("a", initialized(), created()),
			newPod("b", initialized(), created()),
		))

		start := time.Now()
		tally, err := w.Wait(t.Context(), request(3))

		var timeout *TimeoutError
		require.ErrorAs(t, err, &timeout)
		assert.ErrorIs(t, err, ErrStalled)
		assert.Equal(t, PhaseCreating, timeout.Phase)
		assert.Equal(t, 3, timeout.Initialized)
		assert.Equal(t, 2, timeout.Created)
		assert.Equal(t, 3*perReplica, timeout.Timeout)
		assert.Equal(t, PhaseTimedOut, tally.Phase())
		assert.Equal(t, 3*perReplica, time.Since(start))
	})
}

func TestWaitTimesOutBeforeInitialization(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		w, _ := newTestWatcher()

		_, err := w.Wait(t.Context(), request(1))
		assert.ErrorIs(t, err, ErrTimedOut)

		var timeout *TimeoutError
		require.ErrorAs(t, err, &timeout)
		assert.Equal(t, PhaseInitializing, timeout.Phase)
	})
}

func TestWaitFailureShortCircuits(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		w, _ := newTestWatcher(stream(
			running("a"),
			newPod("b", failed()),
		))

		start := time.Now()
		tally, err := w.Wait(t.Context(), request(3))

		var phaseErr *PhaseError
		require.ErrorAs(t, err, &phaseErr)
		assert.Equal(t, "b", phaseErr.Pod)
		assert.Equal(t, PhaseFailed, tally.Phase())
		assert.Zero(t, time.Since(start), "a failure does not wait for the deadline")
	})
}

func TestWaitRestartThreshold(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		w, _ := newTestWatcher(stream(newPod("a", initialized(), restarted(3))))

		_, err := w.Wait(t.Context(), request(1))
		var phaseErr *PhaseError
		require.ErrorAs(t, err, &phaseErr)
		assert.Equal(t, int32(3), phaseErr.Restarts)
	})
}

func TestWaitReconnectsWithoutLosingProgress(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		first := stream(running("a"))
		first.Stop()

		second := stream()
		second.Error(&metav1.Status{Status: metav1.StatusFailure, Code: 410, Reason: metav1.StatusReasonExpired, Message: "too old resource version"})

		third := stream(running("b"))

		w, opened := newTestWatcher(first, second, third)
		start := time.Now()
		tally, err := w.Wait(t.Context(), request(2))
		require.NoError(t, err)
		assert.Equal(t, int32(3), opened.Load())
		assert.Equal(t, 2, tally.Ready())
		assert.Equal(t, 2*time.Second, time.Since(start), "one backoff per reconnect")
	})
}

func TestWaitZeroReplicas(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		w, opened := newTestWatcher()

		tally, err := w.Wait(t.Context(), request(0))
		require.NoError(t, err)
		assert.Equal(t, PhaseReady, tally.Phase())
		assert.Zero(t, opened.Load())
	})
}

func TestWaitCancelled(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		w, _ := newTestWatcher()
		ctx, cancel := context.WithCancel(t.Context())
		time.AfterFunc(10*time.Second, cancel)

		_, err := w.Wait(ctx, request(2))
		assert.True(t, errors.Is(err, context.Canceled))
		var timeout *TimeoutError
		assert.False(t, errors.As(err, &timeout))
	})
}

var serviceLabels = map[string]string{"hyscale.io/service-name": "web"}

func webDeployment(generation, observed int64) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "shop-dev", Generation: generation},
		Spec:       appsv1.DeploymentSpec{Selector: &metav1.LabelSelector{MatchLabels: serviceLabels}},
		Status:     appsv1.DeploymentStatus{ObservedGeneration: observed},
	}
}

func replicaSet(name, hash, revision string) *appsv1.ReplicaSet {
	return &appsv1.ReplicaSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   "shop-dev",
			Labels:      map[string]string{"hyscale.io/service-name": "web", appsv1.DefaultDeploymentUniqueLabelKey: hash},
			Annotations: map[string]string{deploymentRevision: revision},
			OwnerReferences: []metav1.OwnerReference{{
				APIVersion: "apps/v1",
				Kind:       "Deployment",
				Name:       "web",
				Controller: ptr.To(true),
			}},
		},
	}
}

func labelled(pod *corev1.Pod, key, value string) *corev1.Pod {
	pod.Labels[key] = value
	return pod
}

func parentRequest(replicas int, kind string) Request {
	req := request(replicas)
	req.Parent = &Parent{Kind: kind, Name: "web"}
	return req
}

func TestWaitIgnoresPreviousRevision(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		w, _ := newTestWatcherFor(
			[]runtime.Object{webDeployment(2, 2), replicaSet("web-old", "old", "1"), replicaSet("web-new", "new", "2")},
			stream(labelled(running("web-old-a"), appsv1.DefaultDeploymentUniqueLabelKey, "old")),
		)

		_, err := w.Wait(t.Context(), parentRequest(1, "Deployment"))
		assert.ErrorIs(t, err, ErrTimedOut)

		var timeout *TimeoutError
		require.ErrorAs(t, err, &timeout)
		assert.Equal(t, PhaseInitializing, timeout.Phase)
		assert.Zero(t, timeout.Ready)
	})
}

func TestWaitCountsCurrentRevision(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		w, _ := newTestWatcherFor(
			[]runtime.Object{webDeployment(2, 2), replicaSet("web-old", "old", "1"), replicaSet("web-new", "new", "2")},
			stream(
				labelled(running("web-old-a"), appsv1.DefaultDeploymentUniqueLabelKey, "old"),
				labelled(running("web-new-a"), appsv1.DefaultDeploymentUniqueLabelKey, "new"),
			),
		)

		tally, err := w.Wait(t.Context(), parentRequest(1, "Deployment"))
		require.NoError(t, err)
		assert.Equal(t, PhaseReady, tally.Phase())
		assert.Equal(t, 1, tally.Ready())
	})
}

func TestWaitForObservedGeneration(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		w, opened := newTestWatcherFor(
			[]runtime.Object{webDeployment(3, 2), replicaSet("web-old", "old", "1")},
			stream(labelled(running("web-old-a"), appsv1.DefaultDeploymentUniqueLabelKey, "old")),
		)

		_, err := w.Wait(t.Context(), parentRequest(1, "Deployment"))
		assert.ErrorIs(t, err, ErrTimedOut)
		assert.Zero(t, opened.Load(), "no watch before the controller caught up")
	})
}

func TestWaitStatefulSetRevision(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		sts := &appsv1.StatefulSet{
			ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "shop-dev", Generation: 4},
			Status:     appsv1.StatefulSetStatus{ObservedGeneration: 4, UpdateRevision: "web-7c9d"},
		}
		w, _ := newTestWatcherFor(
			[]runtime.Object{sts},
			stream(
				labelled(running("web-0"), appsv1.ControllerRevisionHashLabelKey, "web-5b2f"),
				labelled(running("web-1"), appsv1.ControllerRevisionHashLabelKey, "web-7c9d"),
			),
		)

		tally, err := w.Wait(t.Context(), parentRequest(1, "StatefulSet"))
		require.NoError(t, err)
		assert.Equal(t, 1, tally.Ready())
	})
}

func TestNarrow(t *testing.T) {
	got, err := narrow("hyscale.io/service-name=web", appsv1.DefaultDeploymentUniqueLabelKey, "abc")
	require.NoError(t, err)
	assert.Equal(t, "hyscale.io/service-name=web,pod-template-hash=abc", got)
}

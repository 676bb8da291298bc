package deploy

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	storagev1 "k8s.io/api/storage/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/version"
	"k8s.io/apimachinery/pkg/watch"
	fakediscovery "k8s.io/client-go/discovery/fake"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
	"k8s.io/utils/ptr"

	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/annotation"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/apply"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/clusterinfo"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/handler"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/kind"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/readiness"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/undeploy"
)

const (
	namespace = "shop-dev"
	// templateHash labels the pods of the current ReplicaSet of web.
	templateHash = "5d8f7c"
)

var web = annotation.ServiceID{App: "shop", Environment: "dev", Service: "web"}

type harness struct {
	deployer *Deployer
	cs       *fake.Clientset
	// pods feeds the next pod watch.
	pods []runtime.Object
}

func newHarness(gitVersion string, objects ...runtime.Object) *harness {
	h := &harness{cs: fake.NewClientset(append([]runtime.Object{currentReplicaSet()}, objects...)...)}
	h.cs.Discovery().(*fakediscovery.FakeDiscovery).FakedServerVersion = &version.Info{GitVersion: gitVersion}
	h.cs.PrependWatchReactor("pods", func(k8stesting.Action) (bool, watch.Interface, error) {
		w := watch.NewFakeWithChanSize(len(h.pods), false)
		for _, pod := range h.pods {
			w.Modify(pod)
		}
		return true, w, nil
	})

	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(), map[schema.GroupVersionResource]string{})
	kinds := kind.Default()
	handlers := handler.NewRegistry(h.cs, dyn, meta.NewDefaultRESTMapper(nil), kinds, handler.Options{})
	cache, err := clusterinfo.New(h.cs, clusterinfo.Options{MinVersion: "1.20.0"})
	Expect(err).NotTo(HaveOccurred())

	h.deployer = New(Components{
		Kinds:        kinds,
		Cluster:      cache,
		Orchestrator: apply.NewOrchestrator(handlers, kinds),
		Stale:        undeploy.NewStaleReconciler(handlers, kinds),
		Undeployer:   undeploy.NewUndeployer(handlers, kinds, 2),
		Watcher: readiness.NewWatcher(h.cs, readiness.Options{
			PerReplicaTimeout: 100 * time.Millisecond,
			RestartThreshold:  3,
			ReconnectBackoff:  10 * time.Millisecond,
		}),
		Troubleshooter: NewEventTroubleshooter(h.cs),
	})
	return h
}

func (h *harness) exists(ctx SpecContext, kindName, name string) bool {
	GinkgoHelper()
	var err error
	switch kindName {
	case kind.ConfigMap:
		_, err = h.cs.CoreV1().ConfigMaps(namespace).Get(ctx, name, metav1.GetOptions{})
	case kind.Deployment:
		_, err = h.cs.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	default:
		Fail("unexpected kind " + kindName)
	}
	if apierrors.IsNotFound(err) {
		return false
	}
	Expect(err).NotTo(HaveOccurred())
	return true
}

func toUnstructured(objs ...runtime.Object) []*unstructured.Unstructured {
	GinkgoHelper()
	out := make([]*unstructured.Unstructured, 0, len(objs))
	for _, obj := range objs {
		content, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
		Expect(err).NotTo(HaveOccurred())
		out = append(out, &unstructured.Unstructured{Object: content})
	}
	return out
}

func configMap(name string) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: kind.ConfigMap},
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Data:       map[string]string{"LOG_LEVEL": "info"},
	}
}

func deployment(replicas int32) *appsv1.Deployment {
	selector := map[string]string{"app": "web"}
	return &appsv1.Deployment{
		TypeMeta:   metav1.TypeMeta{APIVersion: "apps/v1", Kind: kind.Deployment},
		ObjectMeta: metav1.ObjectMeta{Name: "web"},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(replicas),
			Selector: &metav1.LabelSelector{MatchLabels: selector},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: selector},
				Spec:       corev1.PodSpec{Containers: []corev1.Container{{Name: "web", Image: "nginx:1.27"}}},
			},
		},
	}
}

// currentReplicaSet is what the deployment controller creates for web.
func currentReplicaSet() *appsv1.ReplicaSet {
	return &appsv1.ReplicaSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:        "web-" + templateHash,
			Namespace:   namespace,
			Labels:      map[string]string{"app": "web", appsv1.DefaultDeploymentUniqueLabelKey: templateHash},
			Annotations: map[string]string{"deployment.kubernetes.io/revision": "1"},
			OwnerReferences: []metav1.OwnerReference{{
				APIVersion: "apps/v1",
				Kind:       kind.Deployment,
				Name:       "web",
				Controller: ptr.To(true),
			}},
		},
	}
}

func podLabels(hash string) map[string]string {
	labels := web.Labels()
	labels[appsv1.DefaultDeploymentUniqueLabelKey] = hash
	return labels
}

func claim(storageClass string) *corev1.PersistentVolumeClaim {
	return &corev1.PersistentVolumeClaim{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: kind.PersistentVolumeClaim},
		ObjectMeta: metav1.ObjectMeta{Name: "web-data"},
		Spec:       corev1.PersistentVolumeClaimSpec{StorageClassName: ptr.To(storageClass)},
	}
}

func pod(name string, ready bool) *corev1.Pod {
	p := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace, Labels: podLabels(templateHash)},
		Status: corev1.PodStatus{
			Phase:      corev1.PodRunning,
			Conditions: []corev1.PodCondition{{Type: corev1.PodInitialized, Status: corev1.ConditionTrue}},
			ContainerStatuses: []corev1.ContainerStatus{{
				Name:    "web",
				Started: ptr.To(true),
				State:   corev1.ContainerState{Running: &corev1.ContainerStateRunning{}},
			}},
		},
	}
	if ready {
		p.Status.Conditions = append(p.Status.Conditions, corev1.PodCondition{Type: corev1.PodReady, Status: corev1.ConditionTrue})
	}
	return p
}

func failedPod(name string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace, Labels: podLabels(templateHash)},
		Status: corev1.PodStatus{
			Phase: corev1.PodPending,
			ContainerStatuses: []corev1.ContainerStatus{{
				Name:         "web",
				RestartCount: 3,
				State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{
					Reason:  "ImagePullBackOff",
					Message: `Back-off pulling image "nginx:1.99"`,
				}},
			}},
		},
	}
}

func request(objs ...runtime.Object) Request {
	return Request{
		App:         web.App,
		Environment: web.Environment,
		Service:     web.Service,
		Namespace:   namespace,
		Resources:   toUnstructured(objs...),
	}
}

var _ = Describe("Deployer", func() {
	It("applies the resources of a service and waits for its pods", func(ctx SpecContext) {
		h := newHarness("v1.30.2")
		h.pods = []runtime.Object{pod("web-1", true), pod("web-2", true)}

		outcome, err := h.deployer.Deploy(ctx, request(configMap("web-config"), deployment(2)))
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.Applied.Succeeded()).To(Equal(2))
		Expect(outcome.Readiness.Phase()).To(Equal(readiness.PhaseReady))
		Expect(outcome.Readiness.Ready()).To(Equal(2))

		live, err := h.cs.AppsV1().Deployments(namespace).Get(ctx, "web", metav1.GetOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(live.Labels).To(HaveKeyWithValue(annotation.ServiceLabel, "web"))
		Expect(live.Spec.Template.Labels).To(HaveKeyWithValue(annotation.AppLabel, "shop"))
		Expect(live.Spec.Template.Labels).To(HaveKeyWithValue("app", "web"))
		Expect(live.Annotations).To(HaveKeyWithValue(annotation.AppliedKinds, "ConfigMap:v1,Deployment:apps/v1"))
	})

	It("removes resources the service no longer declares", func(ctx SpecContext) {
		h := newHarness("v1.30.2")
		h.pods = []runtime.Object{pod("web-1", true)}

		_, err := h.deployer.Deploy(ctx, request(configMap("web-config"), configMap("web-legacy"), deployment(1)))
		Expect(err).NotTo(HaveOccurred())
		Expect(h.exists(ctx, kind.ConfigMap, "web-legacy")).To(BeTrue())

		outcome, err := h.deployer.Deploy(ctx, request(configMap("web-config"), deployment(1)))
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.Stale).To(Equal(1))
		Expect(h.exists(ctx, kind.ConfigMap, "web-legacy")).To(BeFalse())
		Expect(h.exists(ctx, kind.ConfigMap, "web-config")).To(BeTrue())
	})

	It("rejects an incomplete request before talking to the cluster", func(ctx SpecContext) {
		h := newHarness("v1.30.2")
		req := request(deployment(1))
		req.Service = ""

		_, err := h.deployer.Deploy(ctx, req)
		var invalid *ValidationError
		Expect(errors.As(err, &invalid)).To(BeTrue())
		Expect(err).To(MatchError(ContainSubstring("service name is required")))
		Expect(h.cs.Actions()).To(BeEmpty())
	})

	It("rejects clusters older than the minimum version", func(ctx SpecContext) {
		h := newHarness("v1.18.20")

		_, err := h.deployer.Deploy(ctx, request(deployment(1)))
		Expect(errors.Is(err, clusterinfo.ErrUnsupportedVersion)).To(BeTrue())
		Expect(h.exists(ctx, kind.Deployment, "web")).To(BeFalse())
	})

	It("rejects claims for storage classes the cluster does not have", func(ctx SpecContext) {
		h := newHarness("v1.30.2", &storagev1.StorageClass{ObjectMeta: metav1.ObjectMeta{Name: "standard"}})

		_, err := h.deployer.Deploy(ctx, request(claim("gold"), deployment(1)))
		var invalid *ValidationError
		Expect(errors.As(err, &invalid)).To(BeTrue())
		Expect(err).To(MatchError(ContainSubstring(`storage class "gold" does not exist`)))
		Expect(h.exists(ctx, kind.Deployment, "web")).To(BeFalse())
	})

	It("troubleshoots a failed rollout", func(ctx SpecContext) {
		broken := failedPod("web-1")
		event := &corev1.Event{
			ObjectMeta:     metav1.ObjectMeta{Name: "web-1.17f", Namespace: namespace},
			InvolvedObject: corev1.ObjectReference{Kind: "Pod", Name: "web-1", Namespace: namespace},
			Type:           corev1.EventTypeWarning,
			Reason:         "FailedScheduling",
			Message:        "0/3 nodes are available: 3 Insufficient memory.",
		}
		h := newHarness("v1.30.2", broken, event)
		h.pods = []runtime.Object{broken}

		_, err := h.deployer.Deploy(ctx, request(deployment(1)))
		var failure *FailureError
		Expect(errors.As(err, &failure)).To(BeTrue())
		Expect(errors.Is(err, readiness.ErrPodFailed)).To(BeTrue())
		Expect(failure.Diagnosis).To(ContainElements(
			HaveField("Reason", HavePrefix("ImagePullBackOff")),
			HaveField("Reason", HavePrefix("FailedScheduling")),
		))
		Expect(Render(failure.Diagnosis)).To(ContainSubstring("fix: check the image name"))
	})

	It("reports a rollout that never starts", func(ctx SpecContext) {
		h := newHarness("v1.30.2")

		_, err := h.deployer.Deploy(ctx, request(deployment(1)))
		var failure *FailureError
		Expect(errors.As(err, &failure)).To(BeTrue())
		Expect(errors.Is(err, readiness.ErrTimedOut)).To(BeTrue())
		Expect(failure.Diagnosis).To(ConsistOf(HaveField("Reason", ReasonNoPods)))
	})

	It("does not count ready pods of the previous revision", func(ctx SpecContext) {
		h := newHarness("v1.30.2")
		previous := pod("web-old-1", true)
		previous.Labels = podLabels("4b1e2a")
		h.pods = []runtime.Object{previous}

		_, err := h.deployer.Deploy(ctx, request(deployment(1)))
		var failure *FailureError
		Expect(errors.As(err, &failure)).To(BeTrue())
		Expect(errors.Is(err, readiness.ErrTimedOut)).To(BeTrue())
	})

	It("skips readiness on request", func(ctx SpecContext) {
		h := newHarness("v1.30.2")
		req := request(deployment(3))
		req.SkipReadiness = true

		outcome, err := h.deployer.Deploy(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.Readiness).To(BeNil())
	})

	It("undeploys what it deployed", func(ctx SpecContext) {
		h := newHarness("v1.30.2")
		h.pods = []runtime.Object{pod("web-1", true)}
		_, err := h.deployer.Deploy(ctx, request(configMap("web-config"), deployment(1)))
		Expect(err).NotTo(HaveOccurred())

		Expect(h.deployer.Undeploy(ctx, undeploy.Target{
			App: web.App, Environment: web.Environment, Namespace: namespace,
		})).To(Succeed())
		Expect(h.exists(ctx, kind.ConfigMap, "web-config")).To(BeFalse())
		Expect(h.exists(ctx, kind.Deployment, "web")).To(BeFalse())
	})
})

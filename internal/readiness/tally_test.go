package readiness

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
)

type podOption func(*corev1.Pod)

func newPod(name string, opts ...podOption) *corev1.Pod {
	p := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "shop-dev", Labels: map[string]string{"hyscale.io/service-name": "web"}},
		Status:     corev1.PodStatus{Phase: corev1.PodPending},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func condition(t corev1.PodConditionType) podOption {
	return func(p *corev1.Pod) {
		p.Status.Conditions = append(p.Status.Conditions, corev1.PodCondition{Type: t, Status: corev1.ConditionTrue})
	}
}

func initialized() podOption { return condition(corev1.PodInitialized) }

func created() podOption {
	return func(p *corev1.Pod) {
		p.Status.Phase = corev1.PodRunning
		p.Status.ContainerStatuses = []corev1.ContainerStatus{{
			Name:    "web",
			Started: ptr.To(true),
			State:   corev1.ContainerState{Running: &corev1.ContainerStateRunning{}},
		}}
	}
}

func ready() podOption { return condition(corev1.PodReady) }

func restarted(n int32) podOption {
	return func(p *corev1.Pod) {
		p.Status.ContainerStatuses = []corev1.ContainerStatus{{Name: "web", RestartCount: n}}
	}
}

func failed() podOption {
	return func(p *corev1.Pod) {
		p.Status.Phase = corev1.PodFailed
		p.Status.ContainerStatuses = []corev1.ContainerStatus{{
			Name:  "web",
			State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{ExitCode: 137, Reason: "OOMKilled"}},
		}}
	}
}

func running(name string) *corev1.Pod {
	return newPod(name, initialized(), created(), ready())
}

func TestTallyPhases(t *testing.T) {
	tally := NewTally(2, 3)
	assert.Equal(t, PhaseInitializing, tally.Phase())

	assert.Equal(t, PhaseInitializing, tally.Observe(newPod("a", initialized())))
	assert.Equal(t, PhaseCreating, tally.Observe(newPod("b", initialized())))
	assert.Equal(t, PhaseCreating, tally.Observe(newPod("a", initialized(), created())))
	assert.Equal(t, PhaseReadyWait, tally.Observe(newPod("b", initialized(), created())))
	assert.Equal(t, PhaseReadyWait, tally.Observe(newPod("a", initialized(), created(), ready())))
	assert.Equal(t, PhaseReady, tally.Observe(newPod("b", initialized(), created(), ready())))

	assert.Equal(t, 2, tally.Ready())
	assert.NoError(t, tally.Failure())
}

func TestTallyCountsAreMonotonic(t *testing.T) {
	tally := NewTally(3, 0)
	tally.Observe(running("a"))
	require.Equal(t, 1, tally.Ready())

	// a pod losing readiness stays counted
	tally.Observe(newPod("a"))
	assert.Equal(t, 1, tally.Ready())
	assert.Equal(t, 1, tally.Initialized())

	// repeated events for the same pod count once
	tally.Observe(running("a"))
	assert.Equal(t, 1, tally.Ready())
}

func TestTallyIgnoresTerminatingPods(t *testing.T) {
	tally := NewTally(1, 0)
	old := running("old")
	old.DeletionTimestamp = ptr.To(metav1.Now())

	assert.Equal(t, PhaseInitializing, tally.Observe(old))
	assert.Zero(t, tally.Ready())
}

func TestTallyFailure(t *testing.T) {
	tally := NewTally(3, 3)
	tally.Observe(newPod("a", initialized()))

	phase := tally.Observe(newPod("b", failed()))
	assert.Equal(t, PhaseFailed, phase)

	var phaseErr *PhaseError
	require.ErrorAs(t, tally.Failure(), &phaseErr)
	assert.Equal(t, "b", phaseErr.Pod)
	assert.Equal(t, PhaseInitializing, phaseErr.Phase)
	assert.Contains(t, phaseErr.Reason, "OOMKilled")
	assert.True(t, errors.Is(tally.Failure(), ErrPodFailed))

	// terminal phases absorb further events
	assert.Equal(t, PhaseFailed, tally.Observe(running("c")))
	assert.Zero(t, tally.Ready())
}

func TestTallyRestartThreshold(t *testing.T) {
	tests := []struct {
		name      string
		threshold int32
		restarts  int32
		want      Phase
	}{
		{name: "below", threshold: 3, restarts: 2, want: PhaseInitializing},
		{name: "at", threshold: 3, restarts: 3, want: PhaseFailed},
		{name: "disabled", threshold: 0, restarts: 50, want: PhaseInitializing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tally := NewTally(1, tt.threshold)
			assert.Equal(t, tt.want, tally.Observe(newPod("a", restarted(tt.restarts))))
		})
	}
}

func TestTallyZeroReplicas(t *testing.T) {
	tally := NewTally(0, 3)
	assert.Equal(t, PhaseReady, tally.Phase())
	assert.True(t, tally.Terminated())
}

func TestTallyExpire(t *testing.T) {
	tally := NewTally(3, 0)
	for _, name := range []string{"a", "b", "c"} {
		tally.Observe(newPod(name, initialized()))
	}
	tally.Observe(newPod("a", initialized(), created()))
	tally.Observe(newPod("b", initialized(), created()))

	err := tally.expire(270 * time.Second)
	assert.Equal(t, PhaseTimedOut, tally.Phase())
	assert.Equal(t, PhaseCreating, err.Phase)
	assert.Equal(t, 2, err.Created)
	assert.ErrorIs(t, err, ErrStalled)
	assert.Contains(t, err.Error(), "2/3 created")
}

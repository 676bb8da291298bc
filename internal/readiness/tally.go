package readiness

import (
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Phase is the progress of a rollout. Phases only move forward.
type Phase int

const (
	PhaseInitializing Phase = iota
	PhaseInitialized
	PhaseCreating
	PhaseCreated
	PhaseReadyWait
	PhaseReady
	PhaseFailed
	PhaseTimedOut
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "Initializing"
	case PhaseInitialized:
		return "Initialized"
	case PhaseCreating:
		return "Creating"
	case PhaseCreated:
		return "Created"
	case PhaseReadyWait:
		return "ReadyWait"
	case PhaseReady:
		return "Ready"
	case PhaseFailed:
		return "Failed"
	case PhaseTimedOut:
		return "TimedOut"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

func (p Phase) Terminal() bool {
	return p == PhaseReady || p == PhaseFailed || p == PhaseTimedOut
}

// Tally accumulates pod observations of one rollout. Pods are identified by
// name and never removed once counted.
type Tally struct {
	replicas         int
	restartThreshold int32

	initialized sets.Set[string]
	created     sets.Set[string]
	ready       sets.Set[string]

	phase Phase
	// stalled is the phase the rollout was in when it timed out.
	stalled Phase
	failure *PhaseError
}

// NewTally returns a tally expecting replicas pods. A restartThreshold of zero
// disables the restart check.
func NewTally(replicas int, restartThreshold int32) *Tally {
	t := &Tally{
		replicas:         replicas,
		restartThreshold: restartThreshold,
		initialized:      sets.New[string](),
		created:          sets.New[string](),
		ready:            sets.New[string](),
	}
	if replicas <= 0 {
		t.phase = PhaseReady
	}
	return t
}

func (t *Tally) Phase() Phase     { return t.phase }
func (t *Tally) Replicas() int    { return t.replicas }
func (t *Tally) Initialized() int { return t.initialized.Len() }
func (t *Tally) Created() int     { return t.created.Len() }
func (t *Tally) Ready() int       { return t.ready.Len() }
func (t *Tally) Failure() error   { return t.failure.asError() }
func (t *Tally) Stalled() Phase   { return t.stalled }
func (t *Tally) Terminated() bool { return t.phase.Terminal() }

// Observe records the state of pod and returns the resulting phase.
// Observations after a terminal phase are ignored.
func (t *Tally) Observe(pod *corev1.Pod) Phase {
	if t.phase.Terminal() || pod.DeletionTimestamp != nil {
		return t.phase
	}

	if pod.Status.Phase == corev1.PodFailed {
		return t.fail(&PhaseError{Pod: pod.Name, Phase: t.phase, Reason: failureReason(pod)})
	}
	if t.restartThreshold > 0 {
		if name, restarts := maxRestarts(pod); restarts >= t.restartThreshold {
			return t.fail(&PhaseError{
				Pod:      pod.Name,
				Phase:    t.phase,
				Reason:   fmt.Sprintf("container %s restarted %d times", name, restarts),
				Restarts: restarts,
			})
		}
	}

	if isInitialized(pod) {
		t.initialized.Insert(pod.Name)
	}
	if isCreated(pod) {
		t.created.Insert(pod.Name)
	}
	if isReady(pod) {
		t.ready.Insert(pod.Name)
	}
	t.advance()
	return t.phase
}

func (t *Tally) advance() {
	for {
		switch {
		case t.phase == PhaseInitializing && t.initialized.Len() >= t.replicas:
			t.phase = PhaseInitialized
		case t.phase == PhaseInitialized:
			t.phase = PhaseCreating
		case t.phase == PhaseCreating && t.created.Len() >= t.replicas:
			t.phase = PhaseCreated
		case t.phase == PhaseCreated:
			t.phase = PhaseReadyWait
		case t.phase == PhaseReadyWait && t.ready.Len() >= t.replicas:
			t.phase = PhaseReady
		default:
			return
		}
	}
}

func (t *Tally) fail(err *PhaseError) Phase {
	t.failure = err
	t.phase = PhaseFailed
	return t.phase
}

// expire marks the rollout timed out and returns the matching error.
func (t *Tally) expire(timeout time.Duration) *TimeoutError {
	if !t.phase.Terminal() {
		t.stalled = t.phase
		t.phase = PhaseTimedOut
	}
	return &TimeoutError{
		Phase:       t.stalled,
		Replicas:    t.replicas,
		Initialized: t.initialized.Len(),
		Created:     t.created.Len(),
		Ready:       t.ready.Len(),
		Timeout:     timeout,
	}
}

func isInitialized(pod *corev1.Pod) bool {
	return hasCondition(pod, corev1.PodInitialized)
}

// isCreated reports whether every container of pod has started.
func isCreated(pod *corev1.Pod) bool {
	if len(pod.Status.ContainerStatuses) == 0 {
		return false
	}
	for _, cs := range pod.Status.ContainerStatuses {
		started := cs.Started != nil && *cs.Started
		if !started && cs.State.Running == nil {
			return false
		}
	}
	return true
}

func isReady(pod *corev1.Pod) bool {
	return hasCondition(pod, corev1.PodReady)
}

func hasCondition(pod *corev1.Pod, condition corev1.PodConditionType) bool {
	for _, c := range pod.Status.Conditions {
		if c.Type == condition {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

func maxRestarts(pod *corev1.Pod) (string, int32) {
	var (
		name string
		most int32
	)
	for _, statuses := range [][]corev1.ContainerStatus{pod.Status.InitContainerStatuses, pod.Status.ContainerStatuses} {
		for _, cs := range statuses {
			if cs.RestartCount > most {
				name, most = cs.Name, cs.RestartCount
			}
		}
	}
	return name, most
}

func failureReason(pod *corev1.Pod) string {
	for _, statuses := range [][]corev1.ContainerStatus{pod.Status.InitContainerStatuses, pod.Status.ContainerStatuses} {
		for _, cs := range statuses {
			if term := cs.State.Terminated; term != nil && term.ExitCode != 0 {
				return fmt.Sprintf("container %s terminated with exit code %d: %s", cs.Name, term.ExitCode, term.Reason)
			}
		}
	}
	if pod.Status.Reason != "" {
		return pod.Status.Reason
	}
	return "pod failed"
}

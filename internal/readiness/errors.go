package readiness

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPodFailed is matched by every PhaseError.
	ErrPodFailed = errors.New("pod failed")
	// ErrTimedOut is matched by a TimeoutError raised before any pod was
	// initialized.
	ErrTimedOut = errors.New("timed out waiting for pods")
	// ErrStalled is matched by a TimeoutError raised after at least one
	// phase completed.
	ErrStalled = errors.New("rollout stalled")
)

// PhaseError reports a pod that failed or restarted too often.
type PhaseError struct {
	Pod string
	// Phase is the rollout phase the failure happened in.
	Phase    Phase
	Reason   string
	Restarts int32
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("pod %s failed while %s: %s", e.Pod, e.Phase, e.Reason)
}

func (e *PhaseError) Unwrap() error {
	return ErrPodFailed
}

func (e *PhaseError) asError() error {
	if e == nil {
		return nil
	}
	return e
}

// TimeoutError reports a rollout that did not become ready in time.
type TimeoutError struct {
	// Phase is the furthest phase reached before the deadline.
	Phase       Phase
	Replicas    int
	Initialized int
	Created     int
	Ready       int
	Timeout     time.Duration
}

func (e *TimeoutError) Error() string {
	switch e.Phase {
	case PhaseCreating, PhaseCreated:
		return fmt.Sprintf("pods initialized but containers did not start within %s: %d/%d created", e.Timeout, e.Created, e.Replicas)
	case PhaseReadyWait:
		return fmt.Sprintf("containers started but pods did not become ready within %s: %d/%d ready", e.Timeout, e.Ready, e.Replicas)
	default:
		return fmt.Sprintf("timed out after %s waiting for pods to initialize: %d/%d initialized", e.Timeout, e.Initialized, e.Replicas)
	}
}

func (e *TimeoutError) Unwrap() error {
	if e.Phase == PhaseInitializing {
		return ErrTimedOut
	}
	return ErrStalled
}

// Package readiness follows the pods of a rollout until they are ready, one
// of them fails or a deadline scaled by the replica count passes.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Options tune a Watcher.
type Options struct {
	// PerReplicaTimeout is multiplied by the replica count to get the
	// deadline of a wait.
	PerReplicaTimeout time.Duration
	// RestartThreshold fails the rollout once any container restarted this
	// many times. Zero disables the check.
	RestartThreshold int32
	// ReconnectBackoff is the pause before re-opening an interrupted watch
	// and between reads of the revision of the parent.
	ReconnectBackoff time.Duration
}

// Request names the pods to wait for.
type Request struct {
	Namespace string
	// Selector is a label selector matching the pods of the rollout.
	Selector string
	Replicas int
	// Parent, when set, narrows the selector to the pods of its current
	// revision so pods of a previous rollout are not counted.
	Parent *Parent
}

// Watcher waits for pods through the watch API of the cluster.
type Watcher struct {
	client kubernetes.Interface
	opts   Options
}

func NewWatcher(client kubernetes.Interface, opts Options) *Watcher {
	if opts.PerReplicaTimeout <= 0 {
		opts.PerReplicaTimeout = 90 * time.Second
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = time.Second
	}
	return &Watcher{client: client, opts: opts}
}

// Wait blocks until the requested pods are ready. It returns the final tally
// and nil, a *PhaseError if a pod failed, or a *TimeoutError if the deadline
// passed first. Interrupted watches are re-opened without losing the tally.
func (w *Watcher) Wait(ctx context.Context, req Request) (*Tally, error) {
	tally := NewTally(req.Replicas, w.opts.RestartThreshold)
	if tally.Terminated() {
		return tally, nil
	}

	logger := log.FromContext(ctx).WithValues("namespace", req.Namespace, "selector", req.Selector, "replicas", req.Replicas)
	timeout := time.Duration(req.Replicas) * w.opts.PerReplicaTimeout
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := w.run(ctx, logger, req, tally, timeout)
	DurationHistogram.WithLabelValues(resultOf(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		logger.Info("pods did not become ready", "phase", tally.Phase().String(), "error", err.Error())
		return tally, err
	}
	logger.Info("pods are ready", "duration", time.Since(start).String())
	return tally, nil
}

func (w *Watcher) run(ctx context.Context, logger logr.Logger, req Request, tally *Tally, timeout time.Duration) error {
	if req.Parent != nil {
		key, value, ok, err := w.revision(ctx, req.Namespace, *req.Parent)
		if err != nil {
			return w.expired(ctx, tally, timeout)
		}
		if ok {
			if req.Selector, err = narrow(req.Selector, key, value); err != nil {
				return err
			}
			logger.V(1).Info("waiting for revision", "kind", req.Parent.Kind, key, value)
		}
	}
	match, err := labels.Parse(req.Selector)
	if err != nil {
		return fmt.Errorf("parse selector %q: %w", req.Selector, err)
	}
	return w.wait(ctx, logger, req, match, tally, timeout)
}

func (w *Watcher) wait(ctx context.Context, logger logr.Logger, req Request, match labels.Selector, tally *Tally, timeout time.Duration) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return w.expired(ctx, tally, timeout)
		}
		if attempt > 0 {
			WatchReconnectsCounterTotal.Inc()
			logger.V(1).Info("re-opening pod watch", "attempt", attempt)
		}

		done, err := w.watchOnce(ctx, logger, req, match, tally, timeout)
		if done {
			return err
		}

		select {
		case <-ctx.Done():
		case <-time.After(w.opts.ReconnectBackoff):
		}
	}
}

// watchOnce consumes one watch stream. done is false when the stream ended
// before the rollout reached a terminal phase. Pods not matching match are
// skipped even if the stream delivers them.
func (w *Watcher) watchOnce(ctx context.Context, logger logr.Logger, req Request, match labels.Selector, tally *Tally, timeout time.Duration) (done bool, err error) {
	wi, err := w.client.CoreV1().Pods(req.Namespace).Watch(ctx, metav1.ListOptions{LabelSelector: req.Selector})
	if err != nil {
		if ctx.Err() != nil {
			return true, w.expired(ctx, tally, timeout)
		}
		logger.Info("failed to open pod watch", "error", err.Error())
		return false, nil
	}
	defer wi.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, w.expired(ctx, tally, timeout)
		case event, ok := <-wi.ResultChan():
			if !ok {
				logger.V(1).Info("pod watch closed")
				return false, nil
			}
			switch event.Type {
			case watch.Error:
				logger.Info("pod watch failed", "error", apierrors.FromObject(event.Object).Error())
				return false, nil
			case watch.Added, watch.Modified:
			default:
				continue
			}
			pod, ok := event.Object.(*corev1.Pod)
			if !ok || !match.Matches(labels.Set(pod.Labels)) {
				continue
			}
			before := tally.Phase()
			phase := tally.Observe(pod)
			if phase != before {
				logger.V(1).Info("rollout phase changed", "from", before.String(), "to", phase.String(), "pod", pod.Name)
			}
			switch phase {
			case PhaseReady:
				return true, nil
			case PhaseFailed:
				return true, tally.Failure()
			}
		}
	}
}

// expired turns the end of ctx into the error of the wait. Only a passed
// deadline is a timeout; a cancelled parent is returned as is.
func (w *Watcher) expired(ctx context.Context, tally *Tally, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return tally.expire(timeout)
	}
	return fmt.Errorf("waiting for pods: %w", ctx.Err())
}

func resultOf(err error) string {
	var timeout *TimeoutError
	switch {
	case err == nil:
		return "ready"
	case errors.As(err, &timeout):
		return "timeout"
	default:
		return "failed"
	}
}

package readiness

import (
	"context"
	"fmt"
	"strconv"

	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/selection"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// deploymentRevision is the annotation the deployment controller keeps on a
// Deployment and its ReplicaSets.
const deploymentRevision = "deployment.kubernetes.io/revision"

// Parent names the controller owning the pods of a rollout.
type Parent struct {
	Kind string
	Name string
}

// revision returns the label that only pods of the current template of the
// parent carry. It waits until the controller observed the latest generation
// and created the pods' owner. Kinds without revisions yield ok false.
func (w *Watcher) revision(ctx context.Context, namespace string, parent Parent) (key, value string, ok bool, err error) {
	var resolve func(context.Context) (string, bool, error)
	switch parent.Kind {
	case "Deployment":
		key = appsv1.DefaultDeploymentUniqueLabelKey
		resolve = func(ctx context.Context) (string, bool, error) {
			return w.deploymentRevision(ctx, namespace, parent.Name)
		}
	case "StatefulSet":
		key = appsv1.ControllerRevisionHashLabelKey
		resolve = func(ctx context.Context) (string, bool, error) {
			return w.statefulSetRevision(ctx, namespace, parent.Name)
		}
	default:
		return "", "", false, nil
	}

	err = wait.PollUntilContextCancel(ctx, w.opts.ReconnectBackoff, true, func(ctx context.Context) (bool, error) {
		v, found, err := resolve(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.FromContext(ctx).V(1).Info("failed to resolve revision", "kind", parent.Kind, "name", parent.Name, "error", err.Error())
			}
			return false, nil
		}
		value = v
		return found, nil
	})
	if err != nil {
		return "", "", false, err
	}
	return key, value, true, nil
}

func (w *Watcher) deploymentRevision(ctx context.Context, namespace, name string) (string, bool, error) {
	d, err := w.client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", false, err
	}
	if d.Status.ObservedGeneration < d.Generation || d.Spec.Selector == nil {
		return "", false, nil
	}
	selector, err := metav1.LabelSelectorAsSelector(d.Spec.Selector)
	if err != nil {
		return "", false, fmt.Errorf("selector of deployment %s: %w", name, err)
	}
	list, err := w.client.AppsV1().ReplicaSets(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return "", false, err
	}

	want, pinned := d.Annotations[deploymentRevision]
	var (
		newest *appsv1.ReplicaSet
		best   int64 = -1
	)
	for i := range list.Items {
		rs := &list.Items[i]
		owner := metav1.GetControllerOf(rs)
		if owner == nil || owner.Kind != "Deployment" || owner.Name != name {
			continue
		}
		if d.UID != "" && owner.UID != d.UID {
			continue
		}
		if pinned {
			if rs.Annotations[deploymentRevision] == want {
				newest = rs
				break
			}
			continue
		}
		if n, err := strconv.ParseInt(rs.Annotations[deploymentRevision], 10, 64); err == nil && n > best {
			newest, best = rs, n
		}
	}
	if newest == nil {
		return "", false, nil
	}
	hash := newest.Labels[appsv1.DefaultDeploymentUniqueLabelKey]
	return hash, hash != "", nil
}

func (w *Watcher) statefulSetRevision(ctx context.Context, namespace, name string) (string, bool, error) {
	s, err := w.client.AppsV1().StatefulSets(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", false, err
	}
	if s.Status.ObservedGeneration < s.Generation || s.Status.UpdateRevision == "" {
		return "", false, nil
	}
	return s.Status.UpdateRevision, true, nil
}

// narrow adds key=value to the label selector expression.
func narrow(selector, key, value string) (string, error) {
	base, err := labels.Parse(selector)
	if err != nil {
		return "", fmt.Errorf("parse selector %q: %w", selector, err)
	}
	req, err := labels.NewRequirement(key, selection.Equals, []string{value})
	if err != nil {
		return "", fmt.Errorf("revision %s=%s: %w", key, value, err)
	}
	return base.Add(*req).String(), nil
}

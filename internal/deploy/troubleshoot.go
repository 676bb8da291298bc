package deploy

import (
	"context"
	"fmt"
	"slices"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/annotation"
)

// Subject names the service whose rollout went wrong.
type Subject struct {
	App         string
	Environment string
	Service     string
	Namespace   string
}

func (s Subject) id() annotation.ServiceID {
	return annotation.ServiceID{App: s.App, Environment: s.Environment, Service: s.Service}
}

// Diagnosis is one probable cause of a failed rollout.
type Diagnosis struct {
	// Object is the pod the cause was observed on, if any.
	Object string
	Reason string
	Fix    string
}

// Troubleshooter explains why the pods of a service did not become ready.
type Troubleshooter interface {
	Troubleshoot(ctx context.Context, subject Subject) ([]Diagnosis, error)
}

// Render formats diagnoses for a terminal.
func Render(diagnoses []Diagnosis) string {
	if len(diagnoses) == 0 {
		return "no probable cause found"
	}
	var b strings.Builder
	for i, d := range diagnoses {
		if i > 0 {
			b.WriteByte('\n')
		}
		if d.Object != "" {
			fmt.Fprintf(&b, "%s: ", d.Object)
		}
		b.WriteString(d.Reason)
		if d.Fix != "" {
			fmt.Fprintf(&b, "\n  fix: %s", d.Fix)
		}
	}
	return b.String()
}

const ReasonNoPods = "NoPods"

var fixes = map[string]string{
	"ErrImagePull":               "check the image name, the tag and the registry credentials",
	"ImagePullBackOff":           "check the image name, the tag and the registry credentials",
	"CrashLoopBackOff":           "the container exits right after start, check its logs",
	"BackOff":                    "the container exits right after start, check its logs",
	"OOMKilled":                  "raise the memory limit of the container",
	"FailedScheduling":           "no node can fit the pod, lower its resource requests or add capacity",
	"FailedMount":                "check the volumes of the pod and the claims they reference",
	"FailedAttachVolume":         "check the volumes of the pod and the claims they reference",
	"Unhealthy":                  "a probe fails, check the probe settings and the health endpoint",
	"CreateContainerConfigError": "a referenced secret or config map key does not exist",
	ReasonNoPods:                 "the pod parent created no pods, check its events and replica count",
}

// EventTroubleshooter derives diagnoses from pod statuses and the Warning
// events recorded for the pods of the service.
type EventTroubleshooter struct {
	client kubernetes.Interface
}

func NewEventTroubleshooter(client kubernetes.Interface) *EventTroubleshooter {
	return &EventTroubleshooter{client: client}
}

func (t *EventTroubleshooter) Troubleshoot(ctx context.Context, subject Subject) ([]Diagnosis, error) {
	pods, err := t.client.CoreV1().Pods(subject.Namespace).List(ctx, metav1.ListOptions{LabelSelector: subject.id().Selector()})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods of %s: %w", subject.Service, err)
	}
	if len(pods.Items) == 0 {
		return []Diagnosis{diagnose("", ReasonNoPods, "")}, nil
	}

	var out []Diagnosis
	add := func(d Diagnosis) {
		if !slices.ContainsFunc(out, func(o Diagnosis) bool { return o.Object == d.Object && o.Reason == d.Reason }) {
			out = append(out, d)
		}
	}
	for _, pod := range pods.Items {
		for _, d := range fromStatus(&pod) {
			add(d)
		}
		events, err := t.client.CoreV1().Events(subject.Namespace).List(ctx, metav1.ListOptions{
			FieldSelector: annotation.InvolvedObjectSelector("Pod", pod.Name),
		})
		if err != nil {
			return out, fmt.Errorf("failed to list events of pod %s: %w", pod.Name, err)
		}
		for _, event := range events.Items {
			if event.Type != corev1.EventTypeWarning || event.InvolvedObject.Name != pod.Name {
				continue
			}
			add(diagnose(pod.Name, event.Reason, event.Message))
		}
	}
	return out, nil
}

func fromStatus(pod *corev1.Pod) []Diagnosis {
	var out []Diagnosis
	for _, cs := range pod.Status.ContainerStatuses {
		switch {
		case cs.State.Waiting != nil && cs.State.Waiting.Reason != "":
			out = append(out, diagnose(pod.Name, cs.State.Waiting.Reason, cs.State.Waiting.Message))
		case cs.State.Terminated != nil && cs.State.Terminated.Reason == "OOMKilled":
			out = append(out, diagnose(pod.Name, "OOMKilled", ""))
		case cs.LastTerminationState.Terminated != nil && cs.LastTerminationState.Terminated.Reason == "OOMKilled":
			out = append(out, diagnose(pod.Name, "OOMKilled", ""))
		}
	}
	return out
}

func diagnose(object, reason, message string) Diagnosis {
	d := Diagnosis{Object: object, Reason: reason, Fix: fixes[reason]}
	if message != "" {
		d.Reason = reason + ": " + message
	}
	return d
}

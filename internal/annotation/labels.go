package annotation

import (
	"errors"
	"maps"

	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/labels"
)

const (
	AppLabel         = "hyscale.io/app-name"
	EnvironmentLabel = "hyscale.io/environment-name"
	ServiceLabel     = "hyscale.io/service-name"
)

// ServiceID names a service of an application in an environment.
type ServiceID struct {
	App         string
	Environment string
	Service     string
}

func (s ServiceID) Validate() error {
	var errs []error
	if s.App == "" {
		errs = append(errs, errors.New("app name is required"))
	}
	if s.Environment == "" {
		errs = append(errs, errors.New("environment name is required"))
	}
	if s.Service == "" {
		errs = append(errs, errors.New("service name is required"))
	}
	return errors.Join(errs...)
}

// Labels returns the label set of the service. Empty parts are omitted so the
// same schema selects a whole app or environment.
func (s ServiceID) Labels() map[string]string {
	set := make(map[string]string, 3)
	if s.App != "" {
		set[AppLabel] = s.App
	}
	if s.Environment != "" {
		set[EnvironmentLabel] = s.Environment
	}
	if s.Service != "" {
		set[ServiceLabel] = s.Service
	}
	return set
}

// Selector renders the labels as a key=value label selector.
func (s ServiceID) Selector() string {
	return labels.SelectorFromSet(s.Labels()).String()
}

// Matches reports whether the given object labels carry every label of s.
func (s ServiceID) Matches(objLabels map[string]string) bool {
	return labels.SelectorFromSet(s.Labels()).Matches(labels.Set(objLabels))
}

// Stamp adds the labels of s to existing, which may be nil.
func (s ServiceID) Stamp(existing map[string]string) map[string]string {
	out := make(map[string]string, len(existing)+3)
	maps.Copy(out, existing)
	maps.Copy(out, s.Labels())
	return out
}

// InvolvedObjectSelector selects the events of one object.
func InvolvedObjectSelector(kind, name string) string {
	return fields.Set{
		"involvedObject.kind": kind,
		"involvedObject.name": name,
	}.AsSelector().String()
}

// NameSelector selects an object by name.
func NameSelector(name string) string {
	return fields.OneTermEqualSelector("metadata.name", name).String()
}

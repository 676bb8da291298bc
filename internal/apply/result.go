package apply

import (
	"errors"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// Operation is what the orchestrator did to a resource.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationPatch  Operation = "patch"
	// OperationRecreate is a delete followed by a create, used for custom
	// kinds whose patch failed.
	OperationRecreate Operation = "recreate"
)

// Result contains the outcome of every resource of a batch in apply order.
type Result struct {
	Items []Item
}

// Item is the outcome of applying a single resource.
type Item struct {
	Kind       string
	APIVersion string
	Name       string
	Operation  Operation
	// Observed is the cluster state after the apply, nil on error.
	Observed *unstructured.Unstructured
	Error    error
}

func (r *Result) record(item Item) {
	r.Items = append(r.Items, item)
}

// Errors returns the combined errors of the batch, or nil if none.
func (r *Result) Errors() error {
	var errs []error
	for _, item := range r.Items {
		if item.Error != nil {
			errs = append(errs, item.Error)
		}
	}
	return errors.Join(errs...)
}

// Failed returns the items that could not be applied.
func (r *Result) Failed() []Item {
	var failed []Item
	for _, item := range r.Items {
		if item.Error != nil {
			failed = append(failed, item)
		}
	}
	return failed
}

// Succeeded reports how many resources were applied.
func (r *Result) Succeeded() int {
	return len(r.Items) - len(r.Failed())
}

// Find returns the item of the named resource.
func (r *Result) Find(kind, name string) (Item, bool) {
	for _, item := range r.Items {
		if item.Kind == kind && item.Name == name {
			return item, true
		}
	}
	return Item{}, false
}

// ValidationError is returned before any cluster call when the input cannot
// be applied.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid apply request: %s", e.Reason)
}

// Package handler implements the lifecycle operations of cluster resources.
//
// Every built-in kind is served by a handler backed by its client-go typed
// client; any other kind is served by a generic handler backed by the dynamic
// client. Both exchange *unstructured.Unstructured so callers never branch on
// the kind.
package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// ErrOperationNotSupported is returned for operations a kind does not allow,
// such as updating a Namespace.
var ErrOperationNotSupported = errors.New("operation not supported")

// UpdatePolicy selects how an existing resource is brought to its desired
// state.
type UpdatePolicy int

const (
	// PolicyReplace sends the full desired object.
	PolicyReplace UpdatePolicy = iota
	// PolicyPatch sends a JSON patch against the last-applied snapshot.
	PolicyPatch
)

func (p UpdatePolicy) String() string {
	switch p {
	case PolicyReplace:
		return "replace"
	case PolicyPatch:
		return "patch"
	default:
		return fmt.Sprintf("UpdatePolicy(%d)", int(p))
	}
}

// Selector restricts List and DeleteBySelector. At most one of Label and Field
// may be set.
type Selector struct {
	Label string
	Field string
}

func LabelSelector(s string) Selector { return Selector{Label: s} }
func FieldSelector(s string) Selector { return Selector{Field: s} }

func (s Selector) IsEmpty() bool { return s.Label == "" && s.Field == "" }

func (s Selector) String() string {
	if s.Field != "" {
		return s.Field
	}
	return s.Label
}

func (s Selector) listOptions() (metav1.ListOptions, error) {
	if s.Label != "" && s.Field != "" {
		return metav1.ListOptions{}, fmt.Errorf("selector sets both label %q and field %q", s.Label, s.Field)
	}
	return metav1.ListOptions{LabelSelector: s.Label, FieldSelector: s.Field}, nil
}

// Handler performs lifecycle operations for one kind.
type Handler interface {
	Kind() string
	APIVersion() string
	UpdatePolicy() UpdatePolicy

	// Create creates obj in namespace. The returned object is the server's
	// view of it.
	Create(ctx context.Context, obj *unstructured.Unstructured, namespace string) (*unstructured.Unstructured, error)
	// Get returns the named object. A missing object is reported with an
	// error for which IsNotFound is true.
	Get(ctx context.Context, name, namespace string) (*unstructured.Unstructured, error)
	// Update brings an existing object to obj according to UpdatePolicy and
	// creates it when missing.
	Update(ctx context.Context, obj *unstructured.Unstructured, namespace string) (*unstructured.Unstructured, error)
	// Patch sends the difference between the last-applied snapshot of the
	// named object and target. It creates the object when missing and
	// recreates it when the live object has no snapshot.
	Patch(ctx context.Context, name, namespace string, target *unstructured.Unstructured) (*unstructured.Unstructured, error)
	List(ctx context.Context, selector Selector, namespace string) ([]*unstructured.Unstructured, error)
	// Delete deletes the named object. A missing object is not an error.
	// With wait set, Delete returns once the object is gone.
	Delete(ctx context.Context, name, namespace string, wait bool) error
	// DeleteBySelector deletes every object matching selector and returns
	// how many were deleted.
	DeleteBySelector(ctx context.Context, selector Selector, namespace string, wait bool) (int, error)
}

// Options tune every handler of a registry.
type Options struct {
	// FieldManager is recorded on every write.
	FieldManager string
	// DeleteTimeout bounds the wait for a deleted object to disappear.
	DeleteTimeout time.Duration
	// DeletePollInterval is the interval between absence checks.
	DeletePollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.FieldManager == "" {
		o.FieldManager = "hyscale"
	}
	if o.DeleteTimeout <= 0 {
		o.DeleteTimeout = time.Minute
	}
	if o.DeletePollInterval <= 0 {
		o.DeletePollInterval = time.Second
	}
	return o
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return apierrors.IsNotFound(err)
}

func isAlreadyExists(err error) bool {
	return apierrors.IsAlreadyExists(err)
}

// Package kind holds the static metadata of the resource kinds the engine knows
// how to apply: their apply order, whether they are cleaned up at the end of a
// service lifecycle and whether they own the pods of a service.
package kind

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

// Names of the built-in kinds.
const (
	Namespace               = "Namespace"
	ServiceAccount          = "ServiceAccount"
	Role                    = "Role"
	RoleBinding             = "RoleBinding"
	Secret                  = "Secret"
	ConfigMap               = "ConfigMap"
	PersistentVolumeClaim   = "PersistentVolumeClaim"
	Pod                     = "Pod"
	Deployment              = "Deployment"
	StatefulSet             = "StatefulSet"
	Job                     = "Job"
	Service                 = "Service"
	Ingress                 = "Ingress"
	HorizontalPodAutoscaler = "HorizontalPodAutoscaler"
)

// DefaultWeight is the apply weight of kinds without a descriptor. They are
// applied after every built-in kind.
const DefaultWeight = 100

// Descriptor is the static metadata of one kind.
type Descriptor struct {
	Kind       string
	APIVersion string
	// Weight orders applies, lower first. Data dependencies carry a lower
	// weight than their consumers.
	Weight int
	// Cleanup marks kinds deleted when a service is undeployed or a resource
	// of that kind disappears from the desired set.
	Cleanup bool
	// PodParent marks controllers owning the pods of a service. Pod parents
	// carry the applied-kinds provenance.
	PodParent bool
	// ParentPriority orders pod parent probing, lower first.
	ParentPriority int
}

func (d Descriptor) GroupVersionKind() schema.GroupVersionKind {
	return schema.FromAPIVersionAndKind(d.APIVersion, d.Kind)
}

// Builtins returns the descriptors of all kinds with a typed handler.
func Builtins() []Descriptor {
	return []Descriptor{
		{Kind: Namespace, APIVersion: "v1", Weight: 0},
		{Kind: ServiceAccount, APIVersion: "v1", Weight: 5, Cleanup: true},
		{Kind: Role, APIVersion: "rbac.authorization.k8s.io/v1", Weight: 5, Cleanup: true},
		{Kind: RoleBinding, APIVersion: "rbac.authorization.k8s.io/v1", Weight: 5, Cleanup: true},
		{Kind: Secret, APIVersion: "v1", Weight: 10, Cleanup: true},
		{Kind: ConfigMap, APIVersion: "v1", Weight: 10, Cleanup: true},
		// volumes outlive the service
		{Kind: PersistentVolumeClaim, APIVersion: "v1", Weight: 20},
		{Kind: Pod, APIVersion: "v1", Weight: 30, Cleanup: true},
		{Kind: Deployment, APIVersion: "apps/v1", Weight: 30, Cleanup: true, PodParent: true, ParentPriority: 0},
		{Kind: StatefulSet, APIVersion: "apps/v1", Weight: 30, Cleanup: true, PodParent: true, ParentPriority: 1},
		{Kind: Job, APIVersion: "batch/v1", Weight: 30, Cleanup: true},
		{Kind: Service, APIVersion: "v1", Weight: 40, Cleanup: true},
		{Kind: Ingress, APIVersion: "networking.k8s.io/v1", Weight: 45, Cleanup: true},
		{Kind: HorizontalPodAutoscaler, APIVersion: "autoscaling/v2", Weight: 50, Cleanup: true},
	}
}

// Registry is a concurrency safe lookup table of descriptors keyed by kind.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
}

// NewRegistry returns a registry holding the given descriptors.
func NewRegistry(descriptors ...Descriptor) (*Registry, error) {
	r := &Registry{descriptors: make(map[string]Descriptor, len(descriptors))}
	for _, d := range descriptors {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Default returns a registry of the built-in kinds.
func Default() *Registry {
	r, err := NewRegistry(Builtins()...)
	if err != nil {
		panic(err)
	}
	return r
}

// Register adds a descriptor. Registering a kind twice is an error.
func (r *Registry) Register(d Descriptor) error {
	if d.Kind == "" || d.APIVersion == "" {
		return fmt.Errorf("descriptor requires kind and apiVersion, got %q %q", d.Kind, d.APIVersion)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.descriptors[d.Kind]; ok {
		return fmt.Errorf("kind %s already registered", d.Kind)
	}
	r.descriptors[d.Kind] = d
	return nil
}

func (r *Registry) Lookup(kind string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[kind]
	return d, ok
}

// Weight returns the apply weight of kind, DefaultWeight for unknown kinds.
func (r *Registry) Weight(kind string) int {
	if d, ok := r.Lookup(kind); ok {
		return d.Weight
	}
	return DefaultWeight
}

// IsPodParent reports whether kind owns the pods of a service.
func (r *Registry) IsPodParent(kind string) bool {
	d, ok := r.Lookup(kind)
	return ok && d.PodParent
}

// ParticipatesInCleanup reports whether resources of kind are deleted on
// undeploy. Unknown kinds are cleaned up.
func (r *Registry) ParticipatesInCleanup(kind string) bool {
	if d, ok := r.Lookup(kind); ok {
		return d.Cleanup
	}
	return true
}

// PodParents returns the pod parent descriptors in probing order.
func (r *Registry) PodParents() []Descriptor {
	r.mu.RLock()
	var parents []Descriptor
	for _, d := range r.descriptors {
		if d.PodParent {
			parents = append(parents, d)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(parents, func(a, b Descriptor) int {
		return cmp.Or(cmp.Compare(a.ParentPriority, b.ParentPriority), strings.Compare(a.Kind, b.Kind))
	})
	return parents
}

// CleanupKinds returns the descriptors participating in cleanup ordered by
// descending weight, the order in which they are torn down.
func (r *Registry) CleanupKinds() []Descriptor {
	r.mu.RLock()
	var out []Descriptor
	for _, d := range r.descriptors {
		if d.Cleanup {
			out = append(out, d)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Descriptor) int {
		return cmp.Or(cmp.Compare(b.Weight, a.Weight), strings.Compare(a.Kind, b.Kind))
	})
	return out
}

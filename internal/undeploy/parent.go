package undeploy

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/annotation"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/handler"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/kind"
)

// ErrNoParent is returned when no pod parent exists for a service.
var ErrNoParent = errors.New("no pod parent found")

// PodParent is the live controller owning the pods of a service.
type PodParent struct {
	Kind   string
	Object *unstructured.Unstructured
}

// AppliedKinds returns the provenance recorded on the parent.
func (p *PodParent) AppliedKinds() ([]annotation.KindRef, bool, error) {
	return annotation.GetAppliedKinds(p.Object)
}

// Resolver finds the pod parent of a service.
type Resolver struct {
	handlers *handler.Registry
	kinds    *kind.Registry
}

func NewResolver(handlers *handler.Registry, kinds *kind.Registry) *Resolver {
	return &Resolver{handlers: handlers, kinds: kinds}
}

// Resolve probes every pod parent kind in priority order for an object named
// after the service and returns the first found.
func (r *Resolver) Resolve(ctx context.Context, id annotation.ServiceID, namespace string) (*PodParent, error) {
	for _, d := range r.kinds.PodParents() {
		h, ok := r.handlers.Native(d.Kind, d.APIVersion)
		if !ok {
			h = r.handlers.For(d.GroupVersionKind())
		}
		obj, err := h.Get(ctx, id.Service, namespace)
		if handler.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve pod parent of %s: %w", id.Service, err)
		}
		return &PodParent{Kind: d.Kind, Object: obj}, nil
	}
	return nil, fmt.Errorf("service %s in namespace %s: %w", id.Service, namespace, ErrNoParent)
}

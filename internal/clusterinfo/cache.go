// Package clusterinfo memoizes facts about the target cluster that every
// deployment needs but that rarely change.
package clusterinfo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
	storagev1 "k8s.io/api/storage/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

const (
	factVersion        = "version"
	factStorageClasses = "storage-classes"
)

// DefaultStorageClassAnnotation marks the storage class used by claims that
// do not name one.
const DefaultStorageClassAnnotation = "storageclass.kubernetes.io/is-default-class"

// ErrUnsupportedVersion is returned for clusters older than the minimum
// version.
var ErrUnsupportedVersion = errors.New("unsupported cluster version")

type Options struct {
	// TTL bounds how long a fact is reused.
	TTL time.Duration
	// MinVersion is the oldest Kubernetes version accepted, as a semver.
	MinVersion string
}

// StorageClasses lists the storage classes of the cluster.
type StorageClasses struct {
	Names sets.Set[string]
	// Default is the class annotated as default, empty if none is.
	Default string
}

// Resolve returns the class a claim asking for name gets, and false if the
// cluster has no such class. An empty name asks for the default class.
func (s *StorageClasses) Resolve(name string) (string, bool) {
	if name == "" {
		return s.Default, s.Default != ""
	}
	return name, s.Names.Has(name)
}

// Cache holds cluster facts for a TTL. Concurrent lookups of the same fact
// share a single request; failed lookups are never cached.
type Cache struct {
	client     kubernetes.Interface
	minVersion *semver.Version
	facts      *expirable.LRU[string, any]
	sf         singleflight.Group
}

func New(client kubernetes.Interface, opts Options) (*Cache, error) {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.MinVersion == "" {
		opts.MinVersion = "1.20.0"
	}
	minVersion, err := semver.NewVersion(opts.MinVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid minimum cluster version %q: %w", opts.MinVersion, err)
	}
	return &Cache{
		client:     client,
		minVersion: minVersion,
		facts:      expirable.NewLRU[string, any](0, nil, opts.TTL),
	}, nil
}

// Validate checks that the API server is reachable and recent enough.
func (c *Cache) Validate(ctx context.Context) error {
	_, err := c.Version(ctx)
	return err
}

// Version returns the server version of a cluster that passed validation.
func (c *Cache) Version(ctx context.Context) (*semver.Version, error) {
	return lookup(c, factVersion, func() (*semver.Version, error) {
		info, err := c.client.Discovery().ServerVersion()
		if err != nil {
			ValidGauge.Set(0)
			return nil, fmt.Errorf("failed to reach the api server: %w", err)
		}
		version, err := semver.NewVersion(info.GitVersion)
		if err != nil {
			ValidGauge.Set(0)
			return nil, fmt.Errorf("failed to parse cluster version %q: %w", info.GitVersion, err)
		}
		if version.LessThan(c.minVersion) {
			ValidGauge.Set(0)
			return nil, fmt.Errorf("%w: %s is older than %s", ErrUnsupportedVersion, version, c.minVersion)
		}
		ValidGauge.Set(1)
		log.FromContext(ctx).V(1).Info("validated cluster", "version", version.String())
		return version, nil
	})
}

// StorageClasses returns the storage classes of the cluster.
func (c *Cache) StorageClasses(ctx context.Context) (*StorageClasses, error) {
	return lookup(c, factStorageClasses, func() (*StorageClasses, error) {
		list, err := c.client.StorageV1().StorageClasses().List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to list storage classes: %w", err)
		}
		return storageClasses(list.Items), nil
	})
}

// Invalidate drops every fact so the next lookup asks the cluster again.
func (c *Cache) Invalidate() {
	c.facts.Purge()
}

func lookup[T any](c *Cache, fact string, load func() (T, error)) (T, error) {
	if v, ok := c.facts.Get(fact); ok {
		LookupsCounterTotal.WithLabelValues(fact, "hit").Inc()
		return v.(T), nil
	}
	LookupsCounterTotal.WithLabelValues(fact, "miss").Inc()

	v, err, _ := c.sf.Do(fact, func() (any, error) {
		v, err := load()
		if err != nil {
			return nil, err
		}
		c.facts.Add(fact, v)
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func storageClasses(items []storagev1.StorageClass) *StorageClasses {
	out := &StorageClasses{Names: sets.New[string]()}
	for _, sc := range items {
		out.Names.Insert(sc.Name)
		if sc.Annotations[DefaultStorageClassAnnotation] == "true" && out.Default == "" {
			out.Default = sc.Name
		}
	}
	return out
}

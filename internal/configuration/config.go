// Package configuration provides the tunables of the deployment engine and
// loads them from a file or from Kubernetes resources (Secrets and ConfigMaps).
package configuration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/yaml"

	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/clusterinfo"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/handler"
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/readiness"
)

// ConfigKey is the key holding the options in a Secret or ConfigMap.
const ConfigKey = "deployer.yaml"

// Options tune the engine. Zero fields of a loaded document keep their
// defaults.
type Options struct {
	// PerReplicaTimeout is the readiness budget of one replica.
	PerReplicaTimeout metav1.Duration `json:"perReplicaTimeout"`
	// RestartThreshold fails a rollout once a container restarted this often.
	RestartThreshold int32 `json:"restartThreshold"`
	// ReconnectBackoff is the pause before re-opening a pod watch.
	ReconnectBackoff metav1.Duration `json:"reconnectBackoff"`
	// DeleteTimeout bounds waiting for a deleted resource to disappear.
	DeleteTimeout      metav1.Duration `json:"deleteTimeout"`
	DeletePollInterval metav1.Duration `json:"deletePollInterval"`
	// ClusterCacheTTL bounds how long cluster facts are reused.
	ClusterCacheTTL metav1.Duration `json:"clusterCacheTTL"`
	// MinServerVersion is the oldest accepted Kubernetes version.
	MinServerVersion    string `json:"minServerVersion"`
	FieldManager        string `json:"fieldManager"`
	UndeployConcurrency int    `json:"undeployConcurrency"`
}

// Default returns the options used when nothing is configured.
func Default() Options {
	return Options{
		PerReplicaTimeout:   metav1.Duration{Duration: 90 * time.Second},
		RestartThreshold:    3,
		ReconnectBackoff:    metav1.Duration{Duration: time.Second},
		DeleteTimeout:       metav1.Duration{Duration: 60 * time.Second},
		DeletePollInterval:  metav1.Duration{Duration: time.Second},
		ClusterCacheTTL:     metav1.Duration{Duration: 5 * time.Minute},
		MinServerVersion:    "1.20.0",
		FieldManager:        "hyscale",
		UndeployConcurrency: 4,
	}
}

// Validate rejects options no component can run with.
func (o Options) Validate() error {
	var errs []error
	if o.PerReplicaTimeout.Duration <= 0 {
		errs = append(errs, errors.New("perReplicaTimeout must be positive"))
	}
	if o.RestartThreshold < 0 {
		errs = append(errs, errors.New("restartThreshold must not be negative"))
	}
	if o.DeleteTimeout.Duration <= 0 {
		errs = append(errs, errors.New("deleteTimeout must be positive"))
	}
	if o.DeletePollInterval.Duration <= 0 || o.DeletePollInterval.Duration > o.DeleteTimeout.Duration {
		errs = append(errs, errors.New("deletePollInterval must be positive and not exceed deleteTimeout"))
	}
	if o.UndeployConcurrency <= 0 {
		errs = append(errs, errors.New("undeployConcurrency must be positive"))
	}
	return errors.Join(errs...)
}

// Handler returns the options of the resource handlers.
func (o Options) Handler() handler.Options {
	return handler.Options{
		FieldManager:       o.FieldManager,
		DeleteTimeout:      o.DeleteTimeout.Duration,
		DeletePollInterval: o.DeletePollInterval.Duration,
	}
}

// Readiness returns the options of the pod watcher.
func (o Options) Readiness() readiness.Options {
	return readiness.Options{
		PerReplicaTimeout: o.PerReplicaTimeout.Duration,
		RestartThreshold:  o.RestartThreshold,
		ReconnectBackoff:  o.ReconnectBackoff.Duration,
	}
}

// Cluster returns the options of the cluster facts cache.
func (o Options) Cluster() clusterinfo.Options {
	return clusterinfo.Options{TTL: o.ClusterCacheTTL.Duration, MinVersion: o.MinServerVersion}
}

// Parse overlays the YAML or JSON document data on the defaults.
func Parse(data []byte) (Options, error) {
	opts := Default()
	if len(data) == 0 {
		return opts, errors.New("empty configuration")
	}
	if err := yaml.UnmarshalStrict(data, &opts); err != nil {
		return opts, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return opts, fmt.Errorf("invalid configuration: %w", err)
	}
	return opts, nil
}

// LoadFile reads options from path.
func LoadFile(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("failed to read configuration: %w", err)
	}
	opts, err := Parse(data)
	if err != nil {
		return Options{}, fmt.Errorf("%s: %w", path, err)
	}
	return opts, nil
}

// FromSecret reads options stored under ConfigKey.
func FromSecret(secret *corev1.Secret) (Options, error) {
	data, ok := secret.Data[ConfigKey]
	if !ok {
		return Options{}, fmt.Errorf("secret %s/%s has no key %s", secret.Namespace, secret.Name, ConfigKey)
	}
	opts, err := Parse(data)
	if err != nil {
		return Options{}, fmt.Errorf("secret %s/%s: %w", secret.Namespace, secret.Name, err)
	}
	return opts, nil
}

// FromConfigMap reads options stored under ConfigKey.
func FromConfigMap(configMap *corev1.ConfigMap) (Options, error) {
	data, ok := configMap.Data[ConfigKey]
	if !ok {
		return Options{}, fmt.Errorf("configmap %s/%s has no key %s", configMap.Namespace, configMap.Name, ConfigKey)
	}
	opts, err := Parse([]byte(data))
	if err != nil {
		return Options{}, fmt.Errorf("configmap %s/%s: %w", configMap.Namespace, configMap.Name, err)
	}
	return opts, nil
}

// Reference points at a Secret or ConfigMap holding options.
type Reference struct {
	Kind      string
	Namespace string
	Name      string
}

// Load fetches the referenced object and reads options from it.
func Load(ctx context.Context, client kubernetes.Interface, ref Reference) (Options, error) {
	switch ref.Kind {
	case "Secret":
		secret, err := client.CoreV1().Secrets(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
		if err != nil {
			return Options{}, fmt.Errorf("failed to get secret %s/%s: %w", ref.Namespace, ref.Name, err)
		}
		return FromSecret(secret)
	case "ConfigMap":
		configMap, err := client.CoreV1().ConfigMaps(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
		if err != nil {
			return Options{}, fmt.Errorf("failed to get configmap %s/%s: %w", ref.Namespace, ref.Name, err)
		}
		return FromConfigMap(configMap)
	default:
		return Options{}, fmt.Errorf("unsupported configuration kind: %s", ref.Kind)
	}
}

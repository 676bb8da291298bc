// Package annotation contains the annotations and labels the engine persists on
// cluster objects, together with typed accessors for them.
package annotation

import (
	"fmt"
	"slices"
	"strings"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	// LastAppliedConfig holds the JSON snapshot of the desired object as it
	// was last sent. It is the baseline of the next diff.
	LastAppliedConfig = "hyscale.io/last-applied-configuration"
	// LastUpdatedAt holds the RFC3339 UTC time of the last apply.
	LastUpdatedAt = "hyscale.io/last-updated-at"
	// AppliedKinds is written on pod parents and lists every kind of the
	// batch as comma separated kind:apiVersion pairs.
	AppliedKinds = "hyscale.io/applied-kinds"
)

// KindRef identifies a kind in the applied-kinds annotation.
type KindRef struct {
	Kind       string
	APIVersion string
}

func (k KindRef) String() string {
	return k.Kind + ":" + k.APIVersion
}

// ParseKindRef parses a kind:apiVersion pair.
func ParseKindRef(s string) (KindRef, error) {
	kind, apiVersion, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || kind == "" || apiVersion == "" {
		return KindRef{}, fmt.Errorf("invalid kind reference %q, expected kind:apiVersion", s)
	}
	return KindRef{Kind: kind, APIVersion: apiVersion}, nil
}

// FormatAppliedKinds renders refs sorted and de-duplicated.
func FormatAppliedKinds(refs []KindRef) string {
	parts := make([]string, 0, len(refs))
	for _, ref := range refs {
		parts = append(parts, ref.String())
	}
	slices.Sort(parts)
	return strings.Join(slices.Compact(parts), ",")
}

// ParseAppliedKinds parses an applied-kinds annotation value.
func ParseAppliedKinds(value string) ([]KindRef, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	var refs []KindRef
	for part := range strings.SplitSeq(value, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		ref, err := ParseKindRef(part)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// SetAppliedKinds stamps the applied-kinds annotation on obj.
func SetAppliedKinds(obj metav1.Object, refs []KindRef) {
	set(obj, AppliedKinds, FormatAppliedKinds(refs))
}

// GetAppliedKinds returns the applied kinds recorded on obj. ok is false when
// the annotation is absent.
func GetAppliedKinds(obj metav1.Object) (refs []KindRef, ok bool, err error) {
	value, ok := obj.GetAnnotations()[AppliedKinds]
	if !ok {
		return nil, false, nil
	}
	refs, err = ParseAppliedKinds(value)
	if err != nil {
		return nil, true, fmt.Errorf("annotation %s on %s: %w", AppliedKinds, obj.GetName(), err)
	}
	return refs, true, nil
}

// SetLastApplied stamps the last-applied snapshot on obj.
func SetLastApplied(obj metav1.Object, snapshot []byte) {
	set(obj, LastAppliedConfig, string(snapshot))
}

// GetLastApplied returns the last-applied snapshot recorded on obj.
func GetLastApplied(obj metav1.Object) ([]byte, bool) {
	value, ok := obj.GetAnnotations()[LastAppliedConfig]
	if !ok || value == "" {
		return nil, false
	}
	return []byte(value), true
}

func SetLastUpdated(obj metav1.Object, t time.Time) {
	set(obj, LastUpdatedAt, t.UTC().Format(time.RFC3339))
}

func set(obj metav1.Object, key, value string) {
	annotations := obj.GetAnnotations()
	if annotations == nil {
		annotations = make(map[string]string, 1)
	}
	annotations[key] = value
	obj.SetAnnotations(annotations)
}

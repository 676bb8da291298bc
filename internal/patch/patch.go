// Package patch computes the JSON patches sent when updating resources whose
// kinds are patched rather than replaced.
//
// The baseline of a diff is the snapshot stored in the last-applied annotation
// of the live object, never the live object itself. Fields the cluster fills
// in are therefore never fought over, and object keys absent from the desired
// document are never removed. Lists have no stable identity across documents,
// so a list that differs is replaced as a whole.
package patch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gomodules.xyz/jsonpatch/v2"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/annotation"
)

// ErrNoBaseline is returned by Build when the live object carries no
// last-applied annotation. The caller must delete and recreate the object.
var ErrNoBaseline = errors.New("live object has no last-applied configuration")

// serverFields are populated by the API server and never part of a snapshot.
var serverFields = [][]string{
	{"status"},
	{"metadata", "resourceVersion"},
	{"metadata", "uid"},
	{"metadata", "creationTimestamp"},
	{"metadata", "deletionTimestamp"},
	{"metadata", "deletionGracePeriodSeconds"},
	{"metadata", "generation"},
	{"metadata", "managedFields"},
	{"metadata", "selfLink"},
}

// Snapshot renders obj as it is stored in the last-applied annotation.
func Snapshot(obj *unstructured.Unstructured) ([]byte, error) {
	c := obj.DeepCopy()
	for _, path := range serverFields {
		unstructured.RemoveNestedField(c.Object, path...)
	}
	if annotations := c.GetAnnotations(); annotations != nil {
		delete(annotations, annotation.LastAppliedConfig)
		if len(annotations) == 0 {
			unstructured.RemoveNestedField(c.Object, "metadata", "annotations")
		} else {
			c.SetAnnotations(annotations)
		}
	}
	data, err := json.Marshal(c.Object)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot of %s %s: %w", obj.GetKind(), obj.GetName(), err)
	}
	return data, nil
}

// Diff returns the operations turning baseline into the snapshot of desired.
// Operations reaching into a list collapse into one replace of the outermost
// such list. Removals of object keys are dropped.
func Diff(baseline []byte, desired *unstructured.Unstructured) ([]jsonpatch.Operation, error) {
	target, err := Snapshot(desired)
	if err != nil {
		return nil, err
	}
	ops, err := jsonpatch.CreatePatch(baseline, target)
	if err != nil {
		return nil, fmt.Errorf("diff %s %s: %w", desired.GetKind(), desired.GetName(), err)
	}
	if len(ops) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(target))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode snapshot of %s %s: %w", desired.GetKind(), desired.GetName(), err)
	}

	var (
		kept     []jsonpatch.Operation
		replaced = sets.New[string]()
	)
	for _, op := range ops {
		if list, value, ok := enclosingList(doc, op.Path); ok {
			if !replaced.Has(list) {
				replaced.Insert(list)
				kept = append(kept, jsonpatch.NewOperation("replace", list, value))
			}
			continue
		}
		if op.Operation == "remove" {
			continue
		}
		kept = append(kept, op)
	}
	return kept, nil
}

// enclosingList walks path through doc and returns the pointer and value of
// the first list the path indexes into.
func enclosingList(doc any, path string) (string, any, bool) {
	if path == "" {
		return "", nil, false
	}
	tokens := strings.Split(strings.TrimPrefix(path, "/"), "/")
	cur := doc
	for i, token := range tokens {
		switch c := cur.(type) {
		case map[string]any:
			cur = c[unescape(token)]
		case []any:
			return "/" + strings.Join(tokens[:i], "/"), c, true
		default:
			return "", nil, false
		}
	}
	return "", nil, false
}

// Build returns the JSON patch updating live to desired, or nil when nothing
// changed. A non-empty patch also refreshes the last-applied annotation, which
// is stamped on desired as well.
func Build(live, desired *unstructured.Unstructured) ([]byte, error) {
	baseline, ok := annotation.GetLastApplied(live)
	if !ok {
		return nil, ErrNoBaseline
	}
	ops, err := Diff(baseline, desired)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}

	snapshot, err := Snapshot(desired)
	if err != nil {
		return nil, err
	}
	annotation.SetLastApplied(desired, snapshot)

	ops = append(ops, jsonpatch.NewOperation("add", "/metadata/annotations/"+escape(annotation.LastAppliedConfig), string(snapshot)))

	data, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("marshal patch for %s %s: %w", desired.GetKind(), desired.GetName(), err)
	}
	return data, nil
}

// escape encodes a JSON pointer reference token (RFC 6901).
func escape(token string) string {
	return strings.NewReplacer("~", "~0", "/", "~1").Replace(token)
}

func unescape(token string) string {
	return strings.NewReplacer("~1", "/", "~0", "~").Replace(token)
}

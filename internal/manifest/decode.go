// Package manifest reads the resources of a service from a stream of YAML or
// JSON documents.
package manifest

import (
	"errors"
	"fmt"
	"io"
	"os"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	utiljson "k8s.io/apimachinery/pkg/util/json"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
)

const bufferSize = 4096

// Decode reads every document of r. Empty documents are skipped. Documents
// without kind, apiVersion or name are rejected, as are two documents of the
// same kind and name.
func Decode(r io.Reader) ([]*unstructured.Unstructured, error) {
	decoder := utilyaml.NewYAMLOrJSONDecoder(r, bufferSize)
	seen := make(map[string]int)

	var out []*unstructured.Unstructured
	for index := 0; ; index++ {
		var raw runtime.RawExtension
		err := decoder.Decode(&raw)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode document %d: %w", index, err)
		}
		if len(raw.Raw) == 0 {
			continue
		}
		// integral numbers must stay int64 for unstructured accessors
		var content map[string]any
		if err := utiljson.Unmarshal(raw.Raw, &content); err != nil {
			return nil, fmt.Errorf("failed to decode document %d: %w", index, err)
		}

		obj := &unstructured.Unstructured{Object: content}
		if err := validate(obj); err != nil {
			return nil, fmt.Errorf("invalid document %d: %w", index, err)
		}
		if first, ok := seen[key(obj)]; ok {
			return nil, fmt.Errorf("document %d: %s %s is already declared by document %d", index, obj.GetKind(), obj.GetName(), first)
		}
		seen[key(obj)] = index
		out = append(out, obj)
	}
	return out, nil
}

// DecodeFiles decodes the files in order and concatenates their resources.
// A path of "-" reads stdin.
func DecodeFiles(stdin io.Reader, paths ...string) ([]*unstructured.Unstructured, error) {
	var out []*unstructured.Unstructured
	declared := make(map[string]string)
	for _, path := range paths {
		objs, err := decodeFile(stdin, path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		for _, obj := range objs {
			if first, ok := declared[key(obj)]; ok {
				return nil, fmt.Errorf("%s: %s %s is already declared in %s", path, obj.GetKind(), obj.GetName(), first)
			}
			declared[key(obj)] = path
		}
		out = append(out, objs...)
	}
	return out, nil
}

func decodeFile(stdin io.Reader, path string) ([]*unstructured.Unstructured, error) {
	if path == "-" {
		return Decode(stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

func validate(obj *unstructured.Unstructured) error {
	var errs []error
	if obj.GetKind() == "" {
		errs = append(errs, errors.New("kind is required"))
	}
	if obj.GetAPIVersion() == "" {
		errs = append(errs, errors.New("apiVersion is required"))
	}
	if obj.GetName() == "" {
		errs = append(errs, errors.New("metadata.name is required"))
	}
	return errors.Join(errs...)
}

func key(obj *unstructured.Unstructured) string {
	return obj.GetKind() + "/" + obj.GetName()
}

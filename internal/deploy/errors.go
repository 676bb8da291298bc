package deploy

import (
	"fmt"
)

// ValidationError reports a request that was rejected before any change to
// the cluster.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid deployment: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// FailureError reports a rollout that did not become ready, with the probable
// causes found.
type FailureError struct {
	Err       error
	Diagnosis []Diagnosis
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("deployment failed: %v", e.Err)
}

func (e *FailureError) Unwrap() error {
	return e.Err
}

package apply

import (
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/metrics"
)

const (
	// OperationsCounterLabel tracks apply operations per kind.
	OperationsCounterLabel = "operations_total"
	// ApplyComponent is the subsystem of the apply metrics.
	ApplyComponent = "apply"
)

const (
	KindLabel      = "kind"
	OperationLabel = "operation"
	ResultLabel    = "result"
)

// OperationsCounterTotal counts applied resources.
// [kind, operation, result].
var OperationsCounterTotal = metrics.MustRegisterCounterVec(
	metrics.Namespace,
	ApplyComponent,
	OperationsCounterLabel,
	"Number of resources applied, by kind, operation and result.",
	KindLabel, OperationLabel, ResultLabel,
)

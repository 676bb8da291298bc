package undeploy

import (
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/metrics"
)

const (
	// DeletedCounterLabel tracks resources removed per kind.
	DeletedCounterLabel = "deleted_total"
	// UndeployComponent is the subsystem of the undeploy metrics.
	UndeployComponent = "undeploy"
)

const (
	KindLabel   = "kind"
	ReasonLabel = "reason"
)

const (
	ReasonUndeploy = "undeploy"
	ReasonStale    = "stale"
)

// DeletedCounterTotal counts deleted resources.
// [kind, reason].
var DeletedCounterTotal = metrics.MustRegisterCounterVec(
	metrics.Namespace,
	UndeployComponent,
	DeletedCounterLabel,
	"Number of resources deleted, by kind and reason.",
	KindLabel, ReasonLabel,
)

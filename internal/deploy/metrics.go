package deploy

import (
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/metrics"
)

const (
	// DeploymentsCounterLabel tracks finished deployments.
	DeploymentsCounterLabel = "deployments_total"
	// DeployComponent is the subsystem of the deploy metrics.
	DeployComponent = "deploy"
)

const ResultLabel = "result"

// DeploymentsCounterTotal counts deployments by outcome.
// [result].
var DeploymentsCounterTotal = metrics.MustRegisterCounterVec(
	metrics.Namespace,
	DeployComponent,
	DeploymentsCounterLabel,
	"Number of deployments, by result.",
	ResultLabel,
)

package clusterinfo

import (
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/metrics"
)

const (
	// ValidGaugeLabel is 1 while the cluster passed validation.
	ValidGaugeLabel = "valid"
	// LookupsCounterLabel tracks cache lookups per fact.
	LookupsCounterLabel = "lookups_total"
	// ClusterComponent is the subsystem of the cluster metrics.
	ClusterComponent = "cluster"
)

const (
	FactLabel   = "fact"
	ResultLabel = "result"
)

// ValidGauge reports the outcome of the last cluster validation.
var ValidGauge = metrics.MustRegisterGauge(
	metrics.Namespace,
	ClusterComponent,
	ValidGaugeLabel,
	"Whether the cluster passed the last validation.",
)

// LookupsCounterTotal counts cached fact lookups.
// [fact, result].
var LookupsCounterTotal = metrics.MustRegisterCounterVec(
	metrics.Namespace,
	ClusterComponent,
	LookupsCounterLabel,
	"Number of cluster fact lookups, by fact and cache result.",
	FactLabel, ResultLabel,
)

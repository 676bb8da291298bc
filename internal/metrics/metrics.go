// Package metrics registers the engine's collectors with the controller-runtime
// registry, which the CLI can dump to a textfile after each run.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	kmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

// Namespace prefixes every metric of the engine.
const Namespace = "hyscale"

func mustRegister[C prometheus.Collector](c C) C {
	kmetrics.Registry.MustRegister(c)
	return c
}

func opts(namespace, component, name, help string) prometheus.Opts {
	return prometheus.Opts{Namespace: namespace, Subsystem: component, Name: name, Help: help}
}

// The MustRegister helpers panic on duplicate names and are meant for package
// level variables.

func MustRegisterCounterVec(namespace, component, name, help string, labelNames ...string) *prometheus.CounterVec {
	return mustRegister(prometheus.NewCounterVec(prometheus.CounterOpts(opts(namespace, component, name, help)), labelNames))
}

func MustRegisterCounter(namespace, component, name, help string) prometheus.Counter {
	return mustRegister(prometheus.NewCounter(prometheus.CounterOpts(opts(namespace, component, name, help))))
}

func MustRegisterGauge(namespace, component, name, help string) prometheus.Gauge {
	return mustRegister(prometheus.NewGauge(prometheus.GaugeOpts(opts(namespace, component, name, help))))
}

// MustRegisterHistogramVec uses prometheus.DefBuckets when buckets is nil.
func MustRegisterHistogramVec(namespace, component, name, help string, buckets []float64, labelNames ...string) *prometheus.HistogramVec {
	o := opts(namespace, component, name, help)
	return mustRegister(prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: o.Namespace,
		Subsystem: o.Subsystem,
		Name:      o.Name,
		Help:      o.Help,
		Buckets:   buckets,
	}, labelNames))
}

// WriteTextfile writes every registered metric to path in the text exposition
// format, for collection by a node exporter textfile collector.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, kmetrics.Registry)
}

package readiness

import (
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/metrics"
)

const (
	// DurationHistogramLabel tracks how long readiness waits take.
	DurationHistogramLabel = "duration_seconds"
	// WatchReconnectsCounterLabel tracks re-opened pod watches.
	WatchReconnectsCounterLabel = "watch_reconnects_total"
	// ReadinessComponent is the subsystem of the readiness metrics.
	ReadinessComponent = "readiness"
)

// ResultLabel is the outcome of a wait: ready, failed or timeout.
const ResultLabel = "result"

// DurationHistogram tracks the duration of readiness waits.
// [result].
var DurationHistogram = metrics.MustRegisterHistogramVec(
	metrics.Namespace,
	ReadinessComponent,
	DurationHistogramLabel,
	"Duration of pod readiness waits in seconds.",
	[]float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	ResultLabel,
)

// WatchReconnectsCounterTotal counts how often a pod watch was re-opened.
var WatchReconnectsCounterTotal = metrics.MustRegisterCounter(
	metrics.Namespace,
	ReadinessComponent,
	WatchReconnectsCounterLabel,
	"Number of times a pod watch was re-opened after the stream ended.",
)
